package level

import (
	"fmt"
	"image"
	"strconv"
	"sync"

	"tiler/internal/geo"
)

// tileOverhead 不含像素的瓦片开销估计
const tileOverhead = 256

// Tile 瓦片
type Tile struct {
	key      TileKey
	level    *Level
	sector   geo.Sector
	mercator *geo.MercatorSector

	mu       sync.RWMutex
	priority float64
	img      image.Image
}

// NewTile 地理瓦片
func NewTile(sector geo.Sector, lvl *Level, row, col int) *Tile {
	return &Tile{
		key:    NewTileKey(lvl.Number, row, col, lvl.CacheName),
		level:  lvl,
		sector: sector,
	}
}

// NewMercatorTile 按 Mercator percent 细分的瓦片
func NewMercatorTile(ms geo.MercatorSector, lvl *Level, row, col int) *Tile {
	t := NewTile(ms.Sector, lvl, row, col)
	t.mercator = &ms
	return t
}

func (t *Tile) Key() TileKey { return t.key }

func (t *Tile) Level() *Level { return t.level }

func (t *Tile) LevelNumber() int { return t.key.Level }

func (t *Tile) Row() int { return t.key.Row }

func (t *Tile) Column() int { return t.key.Column }

func (t *Tile) Sector() geo.Sector { return t.sector }

// MercatorSector 地理瓦片为 nil
func (t *Tile) MercatorSector() *geo.MercatorSector { return t.mercator }

func (t *Tile) IsMercator() bool { return t.mercator != nil }

func (t *Tile) Priority() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.priority
}

func (t *Tile) SetPriority(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priority = p
}

func (t *Tile) Image() image.Image {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.img
}

func (t *Tile) SetImage(img image.Image) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.img = img
}

// SizeInBytes 内存占用估计, 每像素 4 字节
func (t *Tile) SizeInBytes() int64 {
	img := t.Image()
	if img == nil {
		return tileOverhead
	}
	b := img.Bounds()
	return tileOverhead + int64(b.Dx())*int64(b.Dy())*4
}

// Path 本地存储路径 {cacheName}/{levelName}/{row}/{row}_{col}{suffix}
func (t *Tile) Path() string {
	return t.PathWithSuffix(t.level.FormatSuffix)
}

func (t *Tile) PathWithSuffix(suffix string) string {
	row := strconv.Itoa(t.key.Row)
	return t.level.Path() + "/" + row + "/" + row + "_" + strconv.Itoa(t.key.Column) + suffix
}

// CreateSubTiles 下一级的四个子瓦片, 顺序 NW, NE, SW, SE
func (t *Tile) CreateSubTiles(next *Level) []*Tile {
	row, col := 2*t.key.Row, 2*t.key.Column
	rows := [4]int{row + 1, row + 1, row, row}
	cols := [4]int{col, col + 1, col, col + 1}

	subs := make([]*Tile, 4)
	if t.mercator != nil {
		for i, ms := range t.mercator.Subdivide() {
			subs[i] = NewMercatorTile(ms, next, rows[i], cols[i])
		}
		return subs
	}
	for i, s := range quadrants(t.sector) {
		subs[i] = NewTile(s, next, rows[i], cols[i])
	}
	return subs
}

func quadrants(s geo.Sector) [4]geo.Sector {
	midLat := 0.5 * (s.MinLat + s.MaxLat)
	midLon := 0.5 * (s.MinLon + s.MaxLon)
	return [4]geo.Sector{
		geo.SectorFromDegrees(midLat, s.MaxLat, s.MinLon, midLon),
		geo.SectorFromDegrees(midLat, s.MaxLat, midLon, s.MaxLon),
		geo.SectorFromDegrees(s.MinLat, midLat, s.MinLon, midLon),
		geo.SectorFromDegrees(s.MinLat, midLat, midLon, s.MaxLon),
	}
}

func (t *Tile) String() string {
	return fmt.Sprintf("%d, %d, %d", t.key.Level, t.key.Row, t.key.Column)
}
