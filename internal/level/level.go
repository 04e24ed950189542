package level

import (
	"math"
	"path"
	"sync/atomic"
	"time"

	"tiler/internal/cache"
	"tiler/internal/geo"
)

// Level 金字塔中的一级
type Level struct {
	Number       int
	Name         string
	TileDelta    geo.LatLon
	TileWidth    int
	TileHeight   int
	CacheName    string
	Dataset      string
	FormatSuffix string
	Service      string
	Active       bool

	urlBuilder URLBuilder
	expiry     atomic.Int64
	absent     *cache.AbsentList
}

// IsEmpty 无名称或未激活的级别没有数据
func (l *Level) IsEmpty() bool {
	return l.Name == "" || !l.Active
}

// Path 级别目录 {cacheName}/{levelName}
func (l *Level) Path() string {
	return path.Join(l.CacheName, l.Name)
}

// TexelSize 单个像素的角度 (弧度)
func (l *Level) TexelSize() float64 {
	return l.TileDelta.Lat * math.Pi / 180 / float64(l.TileHeight)
}

func (l *Level) ExpiryTime() time.Time {
	n := l.expiry.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (l *Level) SetExpiryTime(t time.Time) {
	if t.IsZero() {
		l.expiry.Store(0)
		return
	}
	l.expiry.Store(t.UnixNano())
}

func (l *Level) AbsentList() *cache.AbsentList {
	return l.absent
}

func (l *Level) MarkResourceAbsent(id int64) {
	l.absent.MarkResourceAbsent(id)
}

func (l *Level) IsResourceAbsent(id int64) bool {
	return l.absent.IsResourceAbsent(id)
}

func (l *Level) UnmarkResourceAbsent(id int64) {
	l.absent.UnmarkResourceAbsent(id)
}

// URL 本级瓦片的下载地址
func (l *Level) URL(t *Tile, altFormat string) (string, error) {
	if l.urlBuilder == nil {
		return "", ErrNoURLBuilder
	}
	return l.urlBuilder.URL(t, altFormat)
}
