package bulk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tiler/internal/geo"
	"tiler/internal/imagery"
	"tiler/internal/level"
	"tiler/internal/logutil"
	"tiler/internal/metrics"
	"tiler/internal/retrieve"
)

var (
	// ErrCancelled is returned by Run when its context ends first.
	ErrCancelled = errors.New("bulk download cancelled")
	ErrNoLevel   = errors.New("bulk: no level covers the sector")
)

const (
	DefaultBatchSize      = 200
	DefaultSubmitInterval = time.Millisecond
	DefaultPollDelay      = time.Second
	DefaultResubmitAfter  = time.Minute

	sampleRegionTiles = 36
	progressSamples   = 20
	sizeSamples       = 6
)

// Source is the layer whose tiles are prefetched.
type Source interface {
	LevelSet() *level.LevelSet
	IsTileLocal(t *level.Tile) bool
	RetrieveRemoteTexture(t *level.Tile, priority float64, done func(imagery.Outcome)) error
	AverageTileSize(n int) (int64, bool)
}

// Availability reports room for more work, usually a *retrieve.Service.
type Availability interface {
	IsAvailable() bool
}

type EventType int

const (
	Succeeded EventType = iota
	Failed
)

func (e EventType) String() string {
	if e == Succeeded {
		return "succeeded"
	}
	return "failed"
}

// Event is the result of one tile.
type Event struct {
	ID   string
	Key  level.TileKey
	Path string
	Type EventType
	Err  error
}

type Listener func(Event)

// Config tunes a Downloader, zero fields take the defaults.
type Config struct {
	BatchSize      int
	SubmitInterval time.Duration
	// PollDelay is the pause between submission rounds of a batch.
	PollDelay time.Duration
	// ResubmitAfter is how long a submitted tile waits for its callback before it is submitted
	// again, a task dropped by the service never calls back.
	ResubmitAfter time.Duration
	Priority      float64
	Logger        logrus.FieldLogger
	Now           func() time.Time
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      DefaultBatchSize,
		SubmitInterval: DefaultSubmitInterval,
		PollDelay:      DefaultPollDelay,
		ResubmitAfter:  DefaultResubmitAfter,
	}
}

// Downloader prefetches every missing tile of a sector down to the level matching a resolution.
type Downloader struct {
	id         string
	source     Source
	avail      Availability
	sector     geo.Sector
	resolution float64
	target     *level.Level
	cfg        Config
	log        logrus.FieldLogger
	progress   *tracker

	listenersMu sync.RWMutex
	listeners   []Listener

	mu       sync.Mutex
	batch    map[level.TileKey]struct{}
	inFlight map[level.TileKey]claim
	seq      uint64
}

// claim is one accepted submission of a tile.
type claim struct {
	seq uint64
	at  time.Time
}

func NewDownloader(id string, src Source, avail Availability, sector geo.Sector, resolution float64, cfg Config) (*Downloader, error) {
	if src == nil || avail == nil {
		return nil, errors.New("bulk: downloader needs a source and an availability check")
	}
	if !sector.Valid() {
		return nil, fmt.Errorf("bulk: invalid sector %s", sector)
	}
	target := src.LevelSet().ComputeLevelForResolution(sector, resolution)
	if target == nil {
		return nil, fmt.Errorf("%w %s", ErrNoLevel, sector)
	}

	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.SubmitInterval <= 0 {
		cfg.SubmitInterval = def.SubmitInterval
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = def.PollDelay
	}
	if cfg.ResubmitAfter <= 0 {
		cfg.ResubmitAfter = def.ResubmitAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	avg, ok := src.AverageTileSize(target.Number)
	if !ok {
		avg = DefaultAverageTileSize
	}
	return &Downloader{
		id:         id,
		source:     src,
		avail:      avail,
		sector:     sector,
		resolution: resolution,
		target:     target,
		cfg:        cfg,
		log:        logutil.OrDiscard(cfg.Logger).WithFields(logrus.Fields{"bulk": id, "sector": sector.String()}),
		progress:   newTracker(avg, cfg.Now),
	}, nil
}

func (d *Downloader) ID() string { return d.id }

func (d *Downloader) Sector() geo.Sector { return d.sector }

// Level is the finest level fetched.
func (d *Downloader) Level() *level.Level { return d.target }

func (d *Downloader) Progress() Progress { return d.progress.snapshot() }

func (d *Downloader) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *Downloader) fire(e Event) {
	e.ID = d.id
	d.listenersMu.RLock()
	listeners := d.listeners
	d.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(e)
	}
}

// Run blocks until every missing tile was retrieved, found local or marked absent.
func (d *Downloader) Run(ctx context.Context) error {
	tiles, err := d.missingTiles(ctx, d.sector)
	if err != nil {
		return d.cancelled(err)
	}
	d.progress.start(int64(len(tiles)))
	d.log.WithFields(logrus.Fields{"level": d.target.Number, "tiles": len(tiles)}).Info("bulk download started")

	for start := 0; start < len(tiles); start += d.cfg.BatchSize {
		end := min(start+d.cfg.BatchSize, len(tiles))
		if err := d.runBatch(ctx, tiles[start:end]); err != nil {
			return d.cancelled(err)
		}
	}

	d.progress.finish()
	p := d.progress.snapshot()
	d.log.WithFields(logrus.Fields{"tiles": p.CurrentCount, "bytes": p.CurrentSize}).Info("bulk download finished")
	return nil
}

func (d *Downloader) cancelled(err error) error {
	d.mu.Lock()
	d.batch = nil
	d.inFlight = nil
	d.mu.Unlock()
	d.log.WithError(err).Warn("bulk download interrupted")
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

func (d *Downloader) runBatch(ctx context.Context, tiles []*level.Tile) error {
	d.mu.Lock()
	d.batch = make(map[level.TileKey]struct{}, len(tiles))
	for _, t := range tiles {
		d.batch[t.Key()] = struct{}{}
	}
	d.inFlight = make(map[level.TileKey]claim, len(tiles))
	d.mu.Unlock()

	for {
		if err := d.submitRound(ctx, tiles); err != nil {
			return err
		}
		if d.remaining() == 0 {
			return nil
		}
		if err := sleep(ctx, d.cfg.PollDelay); err != nil {
			return err
		}
	}
}

// submitRound submits the remaining tiles of the batch while the service has room. A tile is
// claimed right before its submission and stays claimed until its callback or ResubmitAfter.
func (d *Downloader) submitRound(ctx context.Context, tiles []*level.Tile) error {
	ls := d.source.LevelSet()
	for _, t := range tiles {
		t := t
		key := t.Key()
		if !d.waiting(key) {
			continue
		}
		if !d.avail.IsAvailable() {
			return nil
		}
		if err := sleep(ctx, d.cfg.SubmitInterval); err != nil {
			return err
		}
		// it may have completed while sleeping
		if !d.waiting(key) {
			continue
		}

		if ls.IsResourceAbsent(key) {
			d.removeAbsent(key)
			continue
		}
		if d.source.IsTileLocal(t) {
			if d.remove(key) {
				d.progress.retrieved(0)
				metrics.BulkTiles.WithLabelValues("local").Inc()
			}
			continue
		}

		c, ok := d.claim(key)
		if !ok {
			continue
		}
		err := d.source.RetrieveRemoteTexture(t, d.cfg.Priority, func(o imagery.Outcome) {
			d.completed(t, o)
			d.release(key, c)
		})
		if err != nil {
			d.release(key, c)
		}
		switch {
		case err == nil, errors.Is(err, retrieve.ErrDuplicate):
		case errors.Is(err, retrieve.ErrUnavailable):
			return nil
		default:
			d.log.WithError(err).WithField("tile", key.String()).Warn("cannot request tile")
			d.removeAbsent(key)
			d.fire(Event{Key: key, Path: t.Path(), Type: Failed, Err: err})
		}
	}
	return nil
}

func (d *Downloader) completed(t *level.Tile, o imagery.Outcome) {
	key := t.Key()
	if o.Stored() {
		if !d.remove(key) {
			return
		}
		d.progress.retrieved(o.Size)
		metrics.BulkTiles.WithLabelValues("succeeded").Inc()
		d.fire(Event{Key: key, Path: t.Path(), Type: Succeeded})
		return
	}
	// the layer marked the tile absent, the next round retries or drops it
	metrics.BulkTiles.WithLabelValues("failed").Inc()
	d.fire(Event{Key: key, Path: t.Path(), Type: Failed, Err: o.Err})
}

// waiting reports a tile of the batch that has no live submission.
func (d *Downloader) waiting(key level.TileKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitingLocked(key)
}

func (d *Downloader) waitingLocked(key level.TileKey) bool {
	if _, ok := d.batch[key]; !ok {
		return false
	}
	c, ok := d.inFlight[key]
	return !ok || d.cfg.Now().Sub(c.at) >= d.cfg.ResubmitAfter
}

func (d *Downloader) claim(key level.TileKey) (claim, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.waitingLocked(key) {
		return claim{}, false
	}
	d.seq++
	c := claim{seq: d.seq, at: d.cfg.Now()}
	d.inFlight[key] = c
	return c, true
}

// release drops the claim unless a newer submission took it over.
func (d *Downloader) release(key level.TileKey, c claim) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.inFlight[key]; ok && cur.seq == c.seq {
		delete(d.inFlight, key)
	}
}

func (d *Downloader) remove(key level.TileKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.batch[key]; !ok {
		return false
	}
	delete(d.batch, key)
	delete(d.inFlight, key)
	return true
}

func (d *Downloader) removeAbsent(key level.TileKey) {
	if d.remove(key) {
		d.progress.absent()
		metrics.BulkTiles.WithLabelValues("absent").Inc()
	}
}

func (d *Downloader) remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batch)
}

// missingTiles walks the quadtree from the first level, coarse levels first in the result.
func (d *Downloader) missingTiles(ctx context.Context, s geo.Sector) ([]*level.Tile, error) {
	ls := d.source.LevelSet()
	var out []*level.Tile

	var walk func(t *level.Tile) error
	walk = func(t *level.Tile) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !t.Sector().Intersects(s) {
			return nil
		}
		n := t.LevelNumber()
		if d.isMissing(ls, t) {
			out = append(out, t)
		}
		if n >= d.target.Number {
			return nil
		}
		next := ls.Level(n + 1)
		if next == nil {
			return nil
		}
		for _, sub := range t.CreateSubTiles(next) {
			if err := walk(sub); err != nil {
				return err
			}
		}
		return nil
	}

	for _, t := range ls.TilesInSector(s, ls.FirstLevel().Number) {
		if err := walk(t); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LevelNumber() < out[j].LevelNumber() })
	return out, nil
}

func (d *Downloader) isMissing(ls *level.LevelSet, t *level.Tile) bool {
	return !ls.IsLevelEmpty(t.LevelNumber()) && !ls.IsResourceAbsent(t.Key()) && !d.source.IsTileLocal(t)
}

// EstimateMissingTileCount extrapolates the missing share of random regions at the target level to
// every level of the download.
func (d *Downloader) EstimateMissingTileCount(ctx context.Context) (int64, error) {
	return d.estimateMissing(ctx, progressSamples)
}

func (d *Downloader) EstimateMissingDataSize(ctx context.Context) (int64, error) {
	n, err := d.estimateMissing(ctx, sizeSamples)
	if err != nil {
		return 0, err
	}
	return n * d.progress.average(), nil
}

func (d *Downloader) estimateMissing(ctx context.Context, samples int) (int64, error) {
	ls := d.source.LevelSet()
	maxLevel := d.target.Number

	var total int64
	for n := 0; n <= maxLevel; n++ {
		if !ls.IsLevelEmpty(n) {
			total += int64(ls.CountTilesInSector(d.sector, n))
		}
	}

	div := d.regionDivisions(maxLevel, sampleRegionTiles)
	regions := randomRegions(d.sector, div, samples)
	if len(regions) < samples {
		regions = []geo.Sector{d.sector}
	}

	var count, missing int64
	for _, r := range regions {
		count += int64(ls.CountTilesInSector(r, maxLevel))
		for _, t := range ls.TilesInSector(r, maxLevel) {
			if err := ctx.Err(); err != nil {
				return 0, fmt.Errorf("%w: %w", ErrCancelled, err)
			}
			if d.isMissing(ls, t) {
				missing++
			}
		}
	}
	if count == 0 {
		return 0, nil
	}
	return int64(float64(total) * float64(missing) / float64(count)), nil
}

// regionDivisions splits the sector so that a region holds at most maxCount tiles of level n.
func (d *Downloader) regionDivisions(n, maxCount int) int {
	count := d.source.LevelSet().CountTilesInSector(d.sector, n)
	if count <= maxCount {
		return 1
	}
	return int(math.Ceil(math.Sqrt(float64(count) / float64(maxCount))))
}

func randomRegions(s geo.Sector, div, n int) []geo.Sector {
	all := s.Subdivide(div)
	if n >= len(all) {
		return all
	}
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:n]
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
