package imagery

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentTypeSuffix(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"image/png", ".png"},
		{"image/jpeg; charset=binary", ".jpg"},
		{"IMAGE/PNG", ".png"},
		{"application/zip", ".zip"},
		{"application/x-protobuf", ".pbf"},
		{"image/dds", ".dds"},
		{"application/x-unknown-thing", ""},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.want, ContentTypeSuffix(tt.contentType))
		})
	}
}

func TestContentClassification(t *testing.T) {
	assert.True(t, isImageContent("image/png"))
	assert.False(t, isImageContent("image/dds"))
	assert.False(t, isImageContent("application/octet-stream"))
	assert.True(t, isErrorContent("text/html; charset=utf-8"))
	assert.True(t, isErrorContent("application/vnd.ogc.se_xml"))
	assert.True(t, isErrorContent("application/xml"))
	assert.True(t, isErrorContent("text/plain"))
	assert.True(t, isErrorContent("application/xhtml+xml"))
	assert.False(t, isErrorContent("image/jpeg"))
	assert.False(t, isErrorContent("application/vnd.google-earth.kml+xml"))
	assert.Equal(t, ".kml", ContentTypeSuffix("application/vnd.google-earth.kml+xml"))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := rowImage(6, 5)
	for _, suffix := range []string{".png", ".jpg", ".gif", ".bmp", ".tif"} {
		t.Run(suffix, func(t *testing.T) {
			data, err := Encode(src, suffix)
			require.NoError(t, err)
			img, err := DefaultDecoder{}.Decode(data, "")
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 6, 5), img.Bounds())
		})
	}

	_, err := Encode(src, ".webp")
	assert.Error(t, err)
}

func TestDefaultDecoder_Garbage(t *testing.T) {
	_, err := DefaultDecoder{}.Decode([]byte("<html>nope</html>"), "image/png")
	assert.ErrorIs(t, err, ErrDecode)
}
