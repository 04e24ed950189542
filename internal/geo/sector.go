package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// LatLon 经纬度 (度)
type LatLon struct {
	Lat float64
	Lon float64
}

// Sector 经纬度范围 (度)
type Sector struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// FullSphere 全球
var FullSphere = Sector{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}

func SectorFromDegrees(minLat, maxLat, minLon, maxLon float64) Sector {
	return Sector{MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon}
}

// SectorFromBound orb bound 转 Sector (x 为经度, y 为纬度)
func SectorFromBound(b orb.Bound) Sector {
	return Sector{MinLat: b.Min[1], MaxLat: b.Max[1], MinLon: b.Min[0], MaxLon: b.Max[0]}
}

// Bound 转 orb bound
func (s Sector) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{s.MinLon, s.MinLat}, Max: orb.Point{s.MaxLon, s.MaxLat}}
}

func (s Sector) DeltaLat() float64 { return s.MaxLat - s.MinLat }

func (s Sector) DeltaLon() float64 { return s.MaxLon - s.MinLon }

// Centroid 中心点
func (s Sector) Centroid() LatLon {
	return LatLon{Lat: 0.5 * (s.MinLat + s.MaxLat), Lon: 0.5 * (s.MinLon + s.MaxLon)}
}

// Contains 点是否在范围内, 含边界
func (s Sector) Contains(lat, lon float64) bool {
	return lat >= s.MinLat && lat <= s.MaxLat && lon >= s.MinLon && lon <= s.MaxLon
}

// Intersects 是否相交, 含边界
func (s Sector) Intersects(o Sector) bool {
	if o.MaxLon < s.MinLon || o.MinLon > s.MaxLon {
		return false
	}
	if o.MaxLat < s.MinLat || o.MinLat > s.MaxLat {
		return false
	}
	return true
}

// Intersection 重叠部分, 不相交时 ok 为 false
func (s Sector) Intersection(o Sector) (Sector, bool) {
	if !s.Intersects(o) {
		return Sector{}, false
	}
	return Sector{
		MinLat: math.Max(s.MinLat, o.MinLat),
		MaxLat: math.Min(s.MaxLat, o.MaxLat),
		MinLon: math.Max(s.MinLon, o.MinLon),
		MaxLon: math.Min(s.MaxLon, o.MaxLon),
	}, true
}

// Union 包含两者的最小范围
func (s Sector) Union(o Sector) Sector {
	return Sector{
		MinLat: math.Min(s.MinLat, o.MinLat),
		MaxLat: math.Max(s.MaxLat, o.MaxLat),
		MinLon: math.Min(s.MinLon, o.MinLon),
		MaxLon: math.Max(s.MaxLon, o.MaxLon),
	}
}

// Subdivide 切分为 div x div 块, 从西南角按行排列
func (s Sector) Subdivide(div int) []Sector {
	if div < 1 {
		div = 1
	}
	dLat := s.DeltaLat() / float64(div)
	dLon := s.DeltaLon() / float64(div)
	regions := make([]Sector, 0, div*div)
	for row := 0; row < div; row++ {
		for col := 0; col < div; col++ {
			minLat := s.MinLat + dLat*float64(row)
			minLon := s.MinLon + dLon*float64(col)
			regions = append(regions, Sector{
				MinLat: minLat,
				MaxLat: minLat + dLat,
				MinLon: minLon,
				MaxLon: minLon + dLon,
			})
		}
	}
	return regions
}

// Valid 范围在地球上且未颠倒
func (s Sector) Valid() bool {
	return s.MinLat >= -90 && s.MaxLat <= 90 && s.MinLon >= -180 && s.MaxLon <= 180 &&
		s.MinLat <= s.MaxLat && s.MinLon <= s.MaxLon
}

func (s Sector) String() string {
	return fmt.Sprintf("(%.6f°, %.6f°), (%.6f°, %.6f°)", s.MinLat, s.MinLon, s.MaxLat, s.MaxLon)
}
