package geo

import (
	"fmt"
	"math"
)

// MaxMercatorLatitude Mercator percent 为 1 时的纬度
var MaxMercatorLatitude = Gudermannian(1)

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

// Gudermannian Mercator percent [-1, 1] 转纬度 (度)
func Gudermannian(percent float64) float64 {
	return toDegrees(math.Atan(math.Sinh(percent * math.Pi)))
}

// GudermannianInverse 纬度 (度) 转 Mercator percent, 极点远超 [-1, 1], 需要时由调用方截断
func GudermannianInverse(lat float64) float64 {
	return math.Log(math.Tan(math.Pi/4+toRadians(lat)/2)) / math.Pi
}

// ClampPercent 截断到 [-1, 1]
func ClampPercent(p float64) float64 {
	return math.Max(-1, math.Min(1, p))
}

// MercatorSector 同时记录纬度边界的 Mercator percent, 在投影空间内均匀细分
type MercatorSector struct {
	Sector
	MinLatPercent float64
	MaxLatPercent float64
}

func NewMercatorSector(minLatPercent, maxLatPercent, minLon, maxLon float64) MercatorSector {
	return MercatorSector{
		Sector: Sector{
			MinLat: Gudermannian(minLatPercent),
			MaxLat: Gudermannian(maxLatPercent),
			MinLon: minLon,
			MaxLon: maxLon,
		},
		MinLatPercent: minLatPercent,
		MaxLatPercent: maxLatPercent,
	}
}

// MercatorSectorFromSector 由地理范围计算 percent
func MercatorSectorFromSector(s Sector) MercatorSector {
	return MercatorSector{
		Sector:        s,
		MinLatPercent: ClampPercent(GudermannianInverse(s.MinLat)),
		MaxLatPercent: ClampPercent(GudermannianInverse(s.MaxLat)),
	}
}

func (m MercatorSector) DeltaLatPercent() float64 { return m.MaxLatPercent - m.MinLatPercent }

// Subdivide 按 percent 和经度二分, 顺序 NW, NE, SW, SE
func (m MercatorSector) Subdivide() [4]MercatorSector {
	p0, p2 := m.MinLatPercent, m.MaxLatPercent
	p1 := 0.5 * (p0 + p2)
	t0, t2 := m.MinLon, m.MaxLon
	t1 := 0.5 * (t0 + t2)
	return [4]MercatorSector{
		NewMercatorSector(p1, p2, t0, t1),
		NewMercatorSector(p1, p2, t1, t2),
		NewMercatorSector(p0, p1, t0, t1),
		NewMercatorSector(p0, p1, t1, t2),
	}
}

func (m MercatorSector) String() string {
	return fmt.Sprintf("%s [%.6f, %.6f]", m.Sector, m.MinLatPercent, m.MaxLatPercent)
}
