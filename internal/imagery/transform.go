package imagery

import (
	"image"
	"math"

	"golang.org/x/image/draw"

	"tiler/internal/geo"
)

// TransformMercator reprojects a Mercator tile image onto the geographic latitude range of its sector.
// Every output row takes the source row found at the same latitude in Mercator space.
func TransformMercator(src image.Image, ms geo.MercatorSector) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if h == 0 || w == 0 {
		return dst
	}
	if h == 1 {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}

	minLat := ms.MinLat
	dLat := ms.MaxLat - ms.MinLat
	minPct := ms.MinLatPercent
	dPct := ms.MaxLatPercent - ms.MinLatPercent

	for y := 0; y < h; y++ {
		sy := 1 - float64(y)/float64(h-1)
		lat := sy*dLat + minLat
		dy := 1 - (geo.GudermannianInverse(lat)-minPct)/dPct
		dy = math.Max(0, math.Min(1, dy))
		iy := int(dy * float64(h-1))

		row := image.Rect(0, y, w, y+1)
		draw.Draw(dst, row, src, image.Pt(b.Min.X, b.Min.Y+iy), draw.Src)
	}
	return dst
}
