package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"

	"tiler/internal/level"
)

// TileMap 瓦片地图类型
type TileMap struct {
	Name     string
	Format   string
	Template string
	Mercator bool
}

// SlippyTile 金字塔瓦片转 z/x/y, y 从北向南计数
func (m *TileMap) SlippyTile(t *level.Tile) (maptile.Tile, error) {
	d := t.Level().TileDelta
	z := math.Round(math.Log2(360 / d.Lon))
	rows := int(math.Round(180 / d.Lat))
	y := rows - 1 - t.Row()
	if z < 0 || y < 0 || t.Column() < 0 {
		return maptile.Tile{}, fmt.Errorf("tile %s has no slippy address", t.Key())
	}
	return maptile.New(uint32(t.Column()), uint32(y), maptile.Zoom(z)), nil
}

// GetTileURL 获取瓦片URL
func (m *TileMap) GetTileURL(t maptile.Tile) string {
	url := strings.ReplaceAll(m.Template, "{x}", strconv.Itoa(int(t.X)))
	url = strings.ReplaceAll(url, "{y}", strconv.Itoa(int(t.Y)))
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(int(t.Z)))
	return url
}

// URL 填充 {x}{y}{z} 或 {level}{row}{col}
func (m *TileMap) URL(t *level.Tile, _ string) (string, error) {
	url := m.Template
	if strings.Contains(url, "{x}") || strings.Contains(url, "{y}") || strings.Contains(url, "{z}") {
		mt, err := m.SlippyTile(t)
		if err != nil {
			return "", err
		}
		url = m.GetTileURL(mt)
	}
	r := strings.NewReplacer(
		"{level}", t.Level().Name,
		"{row}", strconv.Itoa(t.Row()),
		"{col}", strconv.Itoa(t.Column()),
		"{name}", m.Name,
	)
	return r.Replace(url), nil
}

// FormatSuffix 瓦片文件后缀
func (m *TileMap) FormatSuffix() string {
	switch strings.ToLower(m.Format) {
	case JPG, "jpeg":
		return ".jpg"
	case PBF, "mvt":
		return ".pbf"
	case WEBP:
		return ".webp"
	case "":
		return "." + PNG
	default:
		return "." + strings.ToLower(strings.TrimPrefix(m.Format, "."))
	}
}

var _ level.URLBuilder = (*TileMap)(nil)
