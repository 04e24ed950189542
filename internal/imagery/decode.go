package imagery

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"mime"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Decoder turns fetched bytes into an image.
type Decoder interface {
	Decode(data []byte, contentType string) (image.Image, error)
}

type DecoderFunc func(data []byte, contentType string) (image.Image, error)

func (f DecoderFunc) Decode(data []byte, contentType string) (image.Image, error) {
	return f(data, contentType)
}

// DefaultDecoder handles png, jpeg, gif, bmp, tiff and webp, sniffing the format from the data.
type DefaultDecoder struct{}

func (DefaultDecoder) Decode(data []byte, _ string) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return img, nil
}

// Encode writes img in the format named by a file suffix such as ".png".
func Encode(img image.Image, suffix string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch strings.ToLower(suffix) {
	case ".png":
		err = png.Encode(&buf, img)
	case ".jpg", ".jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case ".gif":
		err = gif.Encode(&buf, img, nil)
	case ".bmp":
		err = bmp.Encode(&buf, img)
	case ".tif", ".tiff":
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return nil, fmt.Errorf("no encoder for %q", suffix)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var suffixes = map[string]string{
	"image/png":                            ".png",
	"image/jpeg":                           ".jpg",
	"image/jpg":                            ".jpg",
	"image/gif":                            ".gif",
	"image/bmp":                            ".bmp",
	"image/tiff":                           ".tif",
	"image/webp":                           ".webp",
	"image/dds":                            ".dds",
	"application/zip":                      ".zip",
	"application/x-protobuf":               ".pbf",
	"application/vnd.mapbox-vector-tile":   ".pbf",
	"application/octet-stream":             ".bin",
	"application/x-gzip":                   ".gz",
	"application/gzip":                     ".gz",
	"application/vnd.google-earth.kmz":     ".kmz",
	"application/vnd.google-earth.kml+xml": ".kml",
}

// ContentTypeSuffix maps a content type to a file suffix, "" when unknown.
func ContentTypeSuffix(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	if s, ok := suffixes[mt]; ok {
		return s
	}
	if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

func isImageContent(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "image/") && ContentTypeSuffix(contentType) != ".dds"
}

// isErrorContent matches text, bare xml, html and OGC service exceptions. Typed +xml payloads
// such as KML are data.
func isErrorContent(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case strings.HasPrefix(mt, "text/"), strings.Contains(mt, "html"):
		return true
	case mt == "application/xml", mt == "application/vnd.ogc.se_xml":
		return true
	}
	return false
}

func isImageSuffix(suffix string) bool {
	switch strings.ToLower(suffix) {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp":
		return true
	}
	return false
}
