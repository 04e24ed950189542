package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiler/internal/geo"
	"tiler/internal/level"
)

func newMapLevels(t *testing.T, m *TileMap) *level.LevelSet {
	t.Helper()
	p := level.DefaultParams()
	p.CacheName = m.Name
	p.Mercator = m.Mercator
	p.LevelZeroTileDelta = geo.LatLon{Lat: 22.5, Lon: 45}
	p.NumLevels = 3
	p.TileWidth, p.TileHeight = 256, 256
	p.URLBuilder = m
	p.FormatSuffix = m.FormatSuffix()
	ls, err := level.NewLevelSet(p)
	require.NoError(t, err)
	return ls
}

func TestTileMap_SlippyURL(t *testing.T) {
	m := &TileMap{Name: "osm", Format: PNG, Template: "http://tiles.example.com/{z}/{x}/{y}.png", Mercator: true}
	ls := newMapLevels(t, m)

	tests := []struct {
		key  level.TileKey
		want string
	}{
		{level.NewTileKey(0, 7, 2, "osm"), "http://tiles.example.com/3/2/0.png"},
		{level.NewTileKey(0, 0, 0, "osm"), "http://tiles.example.com/3/0/7.png"},
		{level.NewTileKey(1, 0, 5, "osm"), "http://tiles.example.com/4/5/15.png"},
		{level.NewTileKey(2, 31, 63, "osm"), "http://tiles.example.com/5/63/0.png"},
	}
	for _, tt := range tests {
		t.Run(tt.key.String(), func(t *testing.T) {
			tile, err := ls.NewTile(tt.key)
			require.NoError(t, err)
			url, err := tile.Level().URL(tile, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, url)
		})
	}
}

func TestTileMap_PyramidURL(t *testing.T) {
	m := &TileMap{Name: "bmng", Template: "http://host/{name}/{level}/{row}/{col}"}
	ls := newMapLevels(t, m)

	tile, err := ls.NewTile(level.NewTileKey(1, 3, 5, "bmng"))
	require.NoError(t, err)
	url, err := m.URL(tile, "")
	require.NoError(t, err)
	assert.Equal(t, "http://host/bmng/1/3/5", url)
}

func TestTileMap_FormatSuffix(t *testing.T) {
	tests := map[string]string{
		"":     ".png",
		"png":  ".png",
		"JPEG": ".jpg",
		"jpg":  ".jpg",
		"mvt":  ".pbf",
		"pbf":  ".pbf",
		"webp": ".webp",
		".tif": ".tif",
	}
	for format, want := range tests {
		m := TileMap{Format: format}
		assert.Equal(t, want, m.FormatSuffix(), format)
	}
}
