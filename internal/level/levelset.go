package level

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"tiler/internal/cache"
	"tiler/internal/geo"
)

// DefaultTileOrigin 全球格网的西南角
var DefaultTileOrigin = geo.LatLon{Lat: -90, Lon: -180}

// SectorResolution 限制范围内可用的最细级别
type SectorResolution struct {
	Sector geo.Sector
	Level  int `validate:"min=0"`
}

// Params 金字塔参数
type Params struct {
	Sector                 geo.Sector
	LevelZeroTileDelta     geo.LatLon
	TileOrigin             geo.LatLon
	NumLevels              int    `validate:"min=1,max=32"`
	NumEmptyLevels         int    `validate:"min=0,ltfield=NumLevels"`
	InactiveLevels         []int  `validate:"dive,min=0"`
	TileWidth              int    `validate:"min=1"`
	TileHeight             int    `validate:"min=1"`
	CacheName              string `validate:"required"`
	Dataset                string
	FormatSuffix           string `validate:"required,startswith=."`
	Service                string
	ExpiryTime             time.Time
	Mercator               bool
	SectorResolutionLimits []SectorResolution `validate:"dive"`
	URLBuilder             URLBuilder
	MaxAbsentTries         int           `validate:"min=0"`
	MinAbsentCheckInterval time.Duration `validate:"min=0"`
	AbsentTryAgainInterval time.Duration `validate:"min=0"`
}

// DefaultParams 默认参数, 缓存名和 level 0 跨度需另外设置
func DefaultParams() Params {
	return Params{
		Sector:                 geo.FullSphere,
		TileOrigin:             DefaultTileOrigin,
		NumLevels:              1,
		TileWidth:              512,
		TileHeight:             512,
		FormatSuffix:           ".png",
		URLBuilder:             WorldWindURLBuilder{},
		MaxAbsentTries:         cache.DefaultMaxAbsentTries,
		MinAbsentCheckInterval: cache.DefaultMinAbsentCheckInterval,
		AbsentTryAgainInterval: cache.DefaultAbsentTryAgainInterval,
	}
}

func validateParams(sl validator.StructLevel) {
	p := sl.Current().Interface().(Params)
	if p.LevelZeroTileDelta.Lat <= 0 || p.LevelZeroTileDelta.Lon <= 0 {
		sl.ReportError(p.LevelZeroTileDelta, "LevelZeroTileDelta", "LevelZeroTileDelta", "positive", "")
	}
	if !p.Sector.Valid() {
		sl.ReportError(p.Sector, "Sector", "Sector", "sector", "")
	}
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateParams, Params{})
	return v
}()

// Validate 校验参数
func (p Params) Validate() error {
	return validate.Struct(p)
}

// LevelSet 瓦片金字塔, level i 的瓦片跨度为 level 0 的 1/2^i
type LevelSet struct {
	sector              geo.Sector
	levelZeroTileDelta  geo.LatLon
	tileOrigin          geo.LatLon
	mercator            bool
	numLevelZeroColumns int
	levels              []*Level
	limits              []SectorResolution
}

func NewLevelSet(p Params) (*LevelSet, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid level set params: %w", err)
	}

	ls := &LevelSet{
		sector:             p.Sector,
		levelZeroTileDelta: p.LevelZeroTileDelta,
		tileOrigin:         p.TileOrigin,
		mercator:           p.Mercator,
		// 列数按整个格网计算, 瓦片编号不重复
		numLevelZeroColumns: int(math.Round(360 / p.LevelZeroTileDelta.Lon)),
	}
	if ls.mercator {
		ls.sector = clampMercator(ls.sector)
	}

	inactive := make(map[int]bool, len(p.InactiveLevels))
	for _, n := range p.InactiveLevels {
		inactive[n] = true
	}

	builder := p.URLBuilder
	if builder == nil {
		builder = WorldWindURLBuilder{}
	}

	for i := 0; i < p.NumLevels; i++ {
		scale := math.Pow(2, float64(i))
		lvl := &Level{
			Number:       i,
			TileDelta:    geo.LatLon{Lat: p.LevelZeroTileDelta.Lat / scale, Lon: p.LevelZeroTileDelta.Lon / scale},
			TileWidth:    p.TileWidth,
			TileHeight:   p.TileHeight,
			CacheName:    p.CacheName,
			Dataset:      p.Dataset,
			FormatSuffix: p.FormatSuffix,
			Service:      p.Service,
			Active:       !inactive[i],
			urlBuilder:   builder,
			absent: cache.NewAbsentListWithSize(cache.DefaultMaxAbsentEntries,
				p.MaxAbsentTries, p.MinAbsentCheckInterval, p.AbsentTryAgainInterval),
		}
		if i >= p.NumEmptyLevels {
			lvl.Name = fmt.Sprintf("%d", i-p.NumEmptyLevels)
		}
		lvl.SetExpiryTime(p.ExpiryTime)
		ls.levels = append(ls.levels, lvl)
	}

	ls.limits = append(ls.limits, p.SectorResolutionLimits...)
	sort.SliceStable(ls.limits, func(i, j int) bool { return ls.limits[i].Level < ls.limits[j].Level })

	return ls, nil
}

func clampMercator(s geo.Sector) geo.Sector {
	s.MinLat = math.Max(s.MinLat, -geo.MaxMercatorLatitude)
	s.MaxLat = math.Min(s.MaxLat, geo.MaxMercatorLatitude)
	return s
}

func (ls *LevelSet) Sector() geo.Sector { return ls.sector }

func (ls *LevelSet) LevelZeroTileDelta() geo.LatLon { return ls.levelZeroTileDelta }

func (ls *LevelSet) TileOrigin() geo.LatLon { return ls.tileOrigin }

func (ls *LevelSet) IsMercator() bool { return ls.mercator }

func (ls *LevelSet) Levels() []*Level { return ls.levels }

func (ls *LevelSet) NumLevels() int { return len(ls.levels) }

// Level 越界时返回 nil
func (ls *LevelSet) Level(n int) *Level {
	if n < 0 || n >= len(ls.levels) {
		return nil
	}
	return ls.levels[n]
}

func (ls *LevelSet) FirstLevel() *Level { return ls.levels[0] }

func (ls *LevelSet) LastLevel() *Level { return ls.levels[len(ls.levels)-1] }

// LastLevelFor 考虑范围分辨率限制, 范围不在金字塔内时返回 nil
func (ls *LevelSet) LastLevelFor(s geo.Sector) *Level {
	if !ls.sector.Intersects(s) {
		return nil
	}
	last := ls.LastLevel()
	for _, sr := range ls.limits {
		if sr.Sector.Intersects(s) && sr.Level <= last.Number {
			return ls.Level(sr.Level)
		}
	}
	return last
}

func (ls *LevelSet) IsFinalLevel(n int) bool {
	return n == len(ls.levels)-1
}

func (ls *LevelSet) IsLevelEmpty(n int) bool {
	lvl := ls.Level(n)
	return lvl == nil || lvl.IsEmpty()
}

// SetExpiryTime 设置所有级别的过期时间
func (ls *LevelSet) SetExpiryTime(t time.Time) {
	for _, lvl := range ls.levels {
		lvl.SetExpiryTime(t)
	}
}

func (ls *LevelSet) NumColumnsInLevel(lvl *Level) int {
	delta := lvl.Number - ls.FirstLevel().Number
	return int(math.Pow(2, float64(delta))) * ls.numLevelZeroColumns
}

// TileNumber 瓦片在缺失列表中的编号, 无效 key 为 -1
func (ls *LevelSet) TileNumber(key TileKey) int64 {
	lvl := ls.Level(key.Level)
	if lvl == nil || key.Row < 0 || key.Column < 0 {
		return -1
	}
	return int64(key.Row)*int64(ls.NumColumnsInLevel(lvl)) + int64(key.Column)
}

func (ls *LevelSet) MarkResourceAbsent(key TileKey) {
	if lvl := ls.Level(key.Level); lvl != nil {
		lvl.MarkResourceAbsent(ls.TileNumber(key))
	}
}

// IsResourceAbsent 空级别的瓦片也视为缺失
func (ls *LevelSet) IsResourceAbsent(key TileKey) bool {
	lvl := ls.Level(key.Level)
	if lvl == nil {
		return true
	}
	return lvl.IsEmpty() || lvl.IsResourceAbsent(ls.TileNumber(key))
}

func (ls *LevelSet) UnmarkResourceAbsent(key TileKey) {
	if lvl := ls.Level(key.Level); lvl != nil {
		lvl.UnmarkResourceAbsent(ls.TileNumber(key))
	}
}

// ComputeRow 计算纬度所在行, 边界上的点归属于编号较大的瓦片
func ComputeRow(delta, lat, origin float64) int {
	row := int((lat - origin) / delta)
	// 格网末端取最后一行
	if lat-origin == 180 {
		row--
	}
	return row
}

// ComputeColumn 计算经度所在列, 经度相对原点回绕
func ComputeColumn(delta, lon, origin float64) int {
	grid := lon - origin
	if grid < 0 {
		grid += 360
	}
	col := int(grid / delta)
	if lon-origin == 360 {
		col--
	}
	return col
}

// ComputeMercatorRow 在 Mercator percent 空间计算行, delta 为本级纬度跨度
func ComputeMercatorRow(delta, lat float64) int {
	p := geo.ClampPercent(geo.GudermannianInverse(lat)) + 1
	row := int(p / (delta / 90))
	if p == 2 {
		row--
	}
	return row
}

func ComputeRowLatitude(row int, delta, origin float64) float64 {
	return origin + float64(row)*delta
}

func ComputeColumnLongitude(col int, delta, origin float64) float64 {
	return origin + float64(col)*delta
}

func (ls *LevelSet) computeRow(lvl *Level, lat float64) int {
	if ls.mercator {
		return ComputeMercatorRow(lvl.TileDelta.Lat, lat)
	}
	return ComputeRow(lvl.TileDelta.Lat, lat, ls.tileOrigin.Lat)
}

func (ls *LevelSet) computeColumn(lvl *Level, lon float64) int {
	return ComputeColumn(lvl.TileDelta.Lon, lon, ls.tileOrigin.Lon)
}

// ComputeRowColumn 点所在的第 n 级瓦片
func (ls *LevelSet) ComputeRowColumn(n int, lat, lon float64) (row, col int, err error) {
	lvl := ls.Level(n)
	if lvl == nil {
		return 0, 0, fmt.Errorf("level %d out of range", n)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, errors.New("location out of range")
	}
	return ls.computeRow(lvl, lat), ls.computeColumn(lvl, lon), nil
}

func (ls *LevelSet) mercatorSectorFor(lvl *Level, row, col int) geo.MercatorSector {
	dp := lvl.TileDelta.Lat / 90
	p0 := -1 + float64(row)*dp
	lon0 := ComputeColumnLongitude(col, lvl.TileDelta.Lon, ls.tileOrigin.Lon)
	return geo.NewMercatorSector(p0, p0+dp, lon0, lon0+lvl.TileDelta.Lon)
}

func (ls *LevelSet) geoSectorFor(lvl *Level, row, col int) geo.Sector {
	lat0 := ComputeRowLatitude(row, lvl.TileDelta.Lat, ls.tileOrigin.Lat)
	lon0 := ComputeColumnLongitude(col, lvl.TileDelta.Lon, ls.tileOrigin.Lon)
	return geo.SectorFromDegrees(lat0, lat0+lvl.TileDelta.Lat, lon0, lon0+lvl.TileDelta.Lon)
}

// ComputeSectorForKey 根据 key 计算瓦片范围
func (ls *LevelSet) ComputeSectorForKey(key TileKey) (geo.Sector, error) {
	lvl := ls.Level(key.Level)
	if lvl == nil {
		return geo.Sector{}, fmt.Errorf("level %d out of range", key.Level)
	}
	if ls.mercator {
		return ls.mercatorSectorFor(lvl, key.Row, key.Column).Sector, nil
	}
	return ls.geoSectorFor(lvl, key.Row, key.Column), nil
}

// NewTile 根据 key 创建瓦片
func (ls *LevelSet) NewTile(key TileKey) (*Tile, error) {
	lvl := ls.Level(key.Level)
	if lvl == nil {
		return nil, fmt.Errorf("level %d out of range", key.Level)
	}
	if key.Row < 0 || key.Column < 0 {
		return nil, fmt.Errorf("invalid tile key %s", key)
	}
	return ls.newTile(lvl, key.Row, key.Column), nil
}

func (ls *LevelSet) newTile(lvl *Level, row, col int) *Tile {
	if ls.mercator {
		return NewMercatorTile(ls.mercatorSectorFor(lvl, row, col), lvl, row, col)
	}
	return NewTile(ls.geoSectorFor(lvl, row, col), lvl, row, col)
}

// ComputeLevelForResolution 像素大小达到分辨率 (弧度/像素) 的最粗非空级别, 不超过范围的最后一级
func (ls *LevelSet) ComputeLevelForResolution(s geo.Sector, resolution float64) *Level {
	last := ls.LastLevelFor(s)
	if last == nil {
		return nil
	}
	for _, lvl := range ls.levels {
		if lvl.Number > last.Number {
			break
		}
		if lvl.IsEmpty() {
			continue
		}
		if lvl.TexelSize() <= resolution {
			return lvl
		}
	}
	return last
}

type tileRange struct {
	firstRow, lastRow int
	firstCol, lastCol int
}

func (r tileRange) count() int {
	if r.lastRow < r.firstRow || r.lastCol < r.firstCol {
		return 0
	}
	return (r.lastRow - r.firstRow + 1) * (r.lastCol - r.firstCol + 1)
}

func (ls *LevelSet) rangeInSector(lvl *Level, s geo.Sector) (tileRange, bool) {
	is, ok := ls.sector.Intersection(s)
	if !ok {
		return tileRange{}, false
	}
	return tileRange{
		firstRow: ls.computeRow(lvl, is.MinLat),
		lastRow:  ls.computeRow(lvl, is.MaxLat),
		firstCol: ls.computeColumn(lvl, is.MinLon),
		lastCol:  ls.computeColumn(lvl, is.MaxLon),
	}, true
}

// TopLevelTiles 第一级覆盖整个范围的瓦片
func (ls *LevelSet) TopLevelTiles() []*Tile {
	return ls.TilesInSector(ls.sector, ls.FirstLevel().Number)
}

// TilesInSector 与范围相交的第 n 级瓦片, 自南向北逐行
func (ls *LevelSet) TilesInSector(s geo.Sector, n int) []*Tile {
	lvl := ls.Level(n)
	if lvl == nil {
		return nil
	}
	r, ok := ls.rangeInSector(lvl, s)
	if !ok {
		return nil
	}
	tiles := make([]*Tile, 0, r.count())
	for row := r.firstRow; row <= r.lastRow; row++ {
		for col := r.firstCol; col <= r.lastCol; col++ {
			tiles = append(tiles, ls.newTile(lvl, row, col))
		}
	}
	return tiles
}

func (ls *LevelSet) CountTilesInSector(s geo.Sector, n int) int {
	lvl := ls.Level(n)
	if lvl == nil {
		return 0
	}
	r, ok := ls.rangeInSector(lvl, s)
	if !ok {
		return 0
	}
	return r.count()
}
