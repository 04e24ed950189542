package imagery

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"tiler/internal/cache"
	"tiler/internal/level"
	"tiler/internal/logutil"
	"tiler/internal/retrieve"
)

const (
	// TextureCacheName is the registry name of the memory cache shared by imagery layers.
	TextureCacheName = "imagery.TextureTile"
	// DefaultTextureCacheCapacity is used when the registry has no texture cache yet.
	DefaultTextureCacheCapacity = 500 << 20

	defaultLoadWorkers = 2
	stateEntries       = 8192
)

// Options of a Layer.
type Options struct {
	// Mercator reprojects downloaded Mercator tiles onto geographic rows before saving.
	Mercator             bool
	RetainLevelZeroTiles bool
	ReadTimeout          time.Duration
	LoadWorkers          int
	Client               *http.Client
	Decoder              Decoder
	// Validate rejects decoded tiles, a rejected tile is marked absent.
	Validate func(img image.Image) bool
	Modify   func(img image.Image) image.Image
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

// Layer loads the tiles of one level set from the local store, falling back to the network.
type Layer struct {
	name      string
	levels    *level.LevelSet
	store     cache.FileStore
	memory    *cache.MemoryCache[level.TileKey, image.Image]
	retrieval *retrieve.Service
	loader    *retrieve.Service
	client    *http.Client
	decoder   Decoder
	opts      Options
	log       logrus.FieldLogger
	now       func() time.Time

	fileLock sync.Mutex
	group    singleflight.Group
	states   *lru.Cache[level.TileKey, TileState]

	levelZeroMu sync.RWMutex
	levelZero   map[level.TileKey]image.Image

	listenersMu sync.RWMutex
	listeners   []Listener
}

func NewLayer(name string, levels *level.LevelSet, store cache.FileStore,
	registry *cache.Registry[level.TileKey, image.Image], retrieval *retrieve.Service, opts Options) (*Layer, error) {
	if levels == nil || store == nil || registry == nil || retrieval == nil {
		return nil, errors.New("imagery: layer needs levels, store, registry and retrieval service")
	}

	l := &Layer{
		name:      name,
		levels:    levels,
		store:     store,
		retrieval: retrieval,
		client:    opts.Client,
		decoder:   opts.Decoder,
		opts:      opts,
		log:       logutil.OrDiscard(opts.Logger).WithField("layer", name),
		now:       opts.Now,
		levelZero: make(map[level.TileKey]image.Image),
	}
	if l.client == nil {
		l.client = retrieve.NewClient(retrieve.DefaultConnectTimeout)
	}
	if l.decoder == nil {
		l.decoder = DefaultDecoder{}
	}
	if l.now == nil {
		l.now = time.Now
	}
	if opts.LoadWorkers < 1 {
		opts.LoadWorkers = defaultLoadWorkers
	}

	l.memory = registry.GetOrAdd(TextureCacheName, func() *cache.MemoryCache[level.TileKey, image.Image] {
		c := cache.NewMemoryCacheWithCapacity[level.TileKey, image.Image](DefaultTextureCacheCapacity)
		c.SetName("Texture Tiles")
		return c
	})

	states, err := lru.New[level.TileKey, TileState](stateEntries)
	if err != nil {
		return nil, err
	}
	l.states = states

	l.loader = retrieve.NewService(retrieve.Config{
		PoolSize:          opts.LoadWorkers,
		QueueSize:         retrieve.DefaultQueueSize,
		StaleRequestLimit: retrieve.DefaultStaleRequestLimit,
		Logger:            opts.Logger,
	})
	return l, nil
}

func (l *Layer) Name() string { return l.name }

func (l *Layer) LevelSet() *level.LevelSet { return l.levels }

func (l *Layer) Store() cache.FileStore { return l.store }

// Close stops the local loader. The retrieval service belongs to the caller.
func (l *Layer) Close() {
	l.loader.Shutdown(true)
}

func (l *Layer) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *Layer) fire(e Event) {
	e.Layer = l.name
	l.listenersMu.RLock()
	listeners := l.listeners
	l.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(e)
	}
}

func (l *Layer) setState(key level.TileKey, s TileState) {
	l.states.Add(key, s)
}

// State is NotRequested for tiles the layer has not touched.
func (l *Layer) State(key level.TileKey) TileState {
	if s, ok := l.states.Get(key); ok {
		return s
	}
	return NotRequested
}

// Image is the render path read. It never blocks on I/O.
func (l *Layer) Image(key level.TileKey) (image.Image, bool) {
	if img, ok := l.memory.Get(key); ok {
		return img, true
	}
	l.levelZeroMu.RLock()
	defer l.levelZeroMu.RUnlock()
	img, ok := l.levelZero[key]
	return img, ok
}

func (l *Layer) isTextureInMemory(key level.TileKey) bool {
	if l.memory.Contains(key) {
		return true
	}
	l.levelZeroMu.RLock()
	defer l.levelZeroMu.RUnlock()
	_, ok := l.levelZero[key]
	return ok
}

func (l *Layer) keep(t *level.Tile, img image.Image) {
	t.SetImage(img)
	if l.opts.RetainLevelZeroTiles && t.LevelNumber() == 0 {
		l.levelZeroMu.Lock()
		l.levelZero[t.Key()] = img
		l.levelZeroMu.Unlock()
		return
	}
	if !l.memory.Add(t.Key(), img, t.SizeInBytes()) {
		l.log.WithField("tile", t.Key().String()).Debug("tile too large for memory cache")
	}
}

// RequestTexture asks for a tile that is neither in memory nor absent. The local store is checked
// on a loader goroutine which falls back to a download.
func (l *Layer) RequestTexture(t *level.Tile, priority float64) {
	key := t.Key()
	if l.isTextureInMemory(key) || l.levels.IsResourceAbsent(key) {
		return
	}
	t.SetPriority(priority)

	err := l.loader.Submit("load:"+t.Path(), priority, func(ctx context.Context) {
		if l.loadLocal(t) {
			return
		}
		l.DownloadTexture(t)
	})
	if err != nil && !errors.Is(err, retrieve.ErrDuplicate) {
		l.log.WithError(err).WithField("tile", key.String()).Debug("request not queued")
	}
}

// ForceTextureLoad loads a tile from the local store on the calling goroutine.
// Concurrent calls for the same tile share one load.
func (l *Layer) ForceTextureLoad(t *level.Tile) bool {
	v, _, _ := l.group.Do(t.Path(), func() (interface{}, error) {
		return l.loadLocal(t), nil
	})
	return v.(bool)
}

// IsTileLocal reports a stored copy that has not expired, expired copies are removed.
func (l *Layer) IsTileLocal(t *level.Tile) bool {
	loc, ok := l.store.Find(t.Path(), true)
	if !ok {
		return false
	}
	if l.isExpired(t, loc) {
		l.removeFile(loc)
		return false
	}
	return true
}

func (l *Layer) isExpired(t *level.Tile, loc string) bool {
	expiry := t.Level().ExpiryTime()
	if expiry.IsZero() {
		return false
	}
	mod, err := l.store.ModTime(loc)
	if err != nil {
		return false
	}
	return cache.IsFileOutOfDate(mod, expiry, l.now())
}

func (l *Layer) removeFile(loc string) {
	l.fileLock.Lock()
	defer l.fileLock.Unlock()
	if err := l.store.Remove(loc); err != nil {
		l.log.WithError(err).WithField("file", loc).Error("cannot remove file")
	}
}

// loadLocal loads the stored copy of a tile, deleting it when it is expired or corrupt.
func (l *Layer) loadLocal(t *level.Tile) bool {
	log := l.log.WithField("tile", t.Key().String())
	loc, ok := l.store.Find(t.Path(), true)
	if !ok {
		return false
	}
	if l.isExpired(t, loc) {
		log.Debug("local tile expired")
		l.removeFile(loc)
		return false
	}

	if !isImageSuffix(t.Level().FormatSuffix) {
		l.levels.UnmarkResourceAbsent(t.Key())
		l.setState(t.Key(), CachedLocal)
		l.fire(Event{Key: t.Key(), Path: t.Path(), State: CachedLocal})
		return true
	}

	l.fileLock.Lock()
	data, err := l.store.Read(loc)
	l.fileLock.Unlock()
	if err == nil {
		var img image.Image
		img, err = l.decoder.Decode(data, "")
		if err == nil {
			l.keep(t, img)
			l.levels.UnmarkResourceAbsent(t.Key())
			l.setState(t.Key(), CachedLocal)
			l.fire(Event{Key: t.Key(), Path: t.Path(), State: CachedLocal, Size: int64(len(data))})
			return true
		}
	}

	l.removeFile(loc)
	l.levels.MarkResourceAbsent(t.Key())
	l.setState(t.Key(), Absent)
	log.WithError(err).Infof("deleted corrupt data file %s", loc)
	return false
}

// DownloadTexture fetches a tile at its current priority.
func (l *Layer) DownloadTexture(t *level.Tile) {
	if err := l.RetrieveRemoteTexture(t, t.Priority(), nil); err != nil {
		l.log.WithError(err).WithField("tile", t.Key().String()).Debug("download not queued")
	}
}

// RetrieveRemoteTexture queues the download of a tile. done, when set, receives the outcome once the
// download was post-processed. It is not called when an error is returned.
func (l *Layer) RetrieveRemoteTexture(t *level.Tile, priority float64, done func(Outcome)) error {
	if !l.retrieval.IsAvailable() {
		return retrieve.ErrUnavailable
	}
	url, err := t.Level().URL(t, "")
	if err != nil {
		return fmt.Errorf("cannot build url for %s: %w", t.Key(), err)
	}

	if l.retrieval.Contains(url) {
		return retrieve.ErrDuplicate
	}

	key := t.Key()
	r := fetchingRetriever{
		Retriever: retrieve.NewHTTPRetriever(url, l.client, l.opts.ReadTimeout),
		start:     func() { l.setState(key, Fetching) },
	}
	pp := &postProcessor{layer: l, tile: t, done: done}
	prev := l.State(t.Key())
	l.setState(t.Key(), Queued)
	if err := l.retrieval.RunRetriever(r, priority, pp); err != nil {
		if l.State(t.Key()) == Queued {
			l.setState(t.Key(), prev)
		}
		return err
	}
	return nil
}

// AverageTileSize samples the stored tile sizes of a level.
func (l *Layer) AverageTileSize(n int) (int64, bool) {
	sizer, ok := l.store.(cache.Sizer)
	if !ok {
		return 0, false
	}
	lvl := l.levels.Level(n)
	if lvl == nil {
		return 0, false
	}
	return sizer.AverageFileSize(lvl.Path(), 5)
}
