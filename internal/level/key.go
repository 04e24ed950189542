package level

import "fmt"

// TileKey 瓦片唯一标识, 可直接作为 map key
type TileKey struct {
	Level     int
	Row       int
	Column    int
	CacheName string
}

func NewTileKey(level, row, column int, cacheName string) TileKey {
	return TileKey{Level: level, Row: row, Column: column, CacheName: cacheName}
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.CacheName, k.Level, k.Row, k.Column)
}
