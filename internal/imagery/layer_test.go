package imagery

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiler/internal/cache"
	"tiler/internal/geo"
	"tiler/internal/level"
	"tiler/internal/retrieve"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	hits      atomic.Int32
	srv       *httptest.Server
	levels    *level.LevelSet
	store     *cache.DiskStore
	retrieval *retrieve.Service
	layer     *Layer
	stored    chan Event
}

func newFixture(t *testing.T, handler http.HandlerFunc, mutate func(p *level.Params, o *Options)) *fixture {
	t.Helper()
	f := &fixture{stored: make(chan Event, 16)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(f.srv.Close)

	p := level.DefaultParams()
	p.CacheName = "earth"
	p.Dataset = "bmng"
	p.Service = f.srv.URL + "/tiles"
	p.LevelZeroTileDelta = geo.LatLon{Lat: 36, Lon: 36}
	p.NumLevels = 3
	opts := Options{Client: f.srv.Client(), ReadTimeout: time.Second}
	if mutate != nil {
		mutate(&p, &opts)
	}

	var err error
	f.levels, err = level.NewLevelSet(p)
	require.NoError(t, err)
	f.store, err = cache.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	f.retrieval = retrieve.NewService(retrieve.Config{PoolSize: 2, QueueSize: 10})
	t.Cleanup(func() { f.retrieval.Shutdown(true) })

	f.layer, err = NewLayer("earth", f.levels, f.store, cache.NewRegistry[level.TileKey, image.Image](), f.retrieval, opts)
	require.NoError(t, err)
	t.Cleanup(f.layer.Close)
	f.layer.AddListener(func(e Event) {
		if e.State == Stored || e.State == CachedLocal {
			f.stored <- e
		}
	})
	return f
}

func (f *fixture) tile(t *testing.T, n, row, col int) *level.Tile {
	t.Helper()
	tile, err := f.levels.NewTile(level.NewTileKey(n, row, col, "earth"))
	require.NoError(t, err)
	return tile
}

func (f *fixture) waitStored(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-f.stored:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("tile was not stored")
	}
	return Event{}
}

func (f *fixture) download(t *testing.T, tile *level.Tile) Outcome {
	t.Helper()
	done := make(chan Outcome, 1)
	// the previous download of the same url may still be finishing
	require.Eventually(t, func() bool {
		return f.layer.RetrieveRemoteTexture(tile, 0, func(o Outcome) { done <- o }) == nil
	}, 2*time.Second, 5*time.Millisecond)
	select {
	case o := <-done:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("download did not finish")
	}
	return Outcome{}
}

func TestLayer_FetchesOnceThenServesFromMemory(t *testing.T) {
	payload := pngBytes(t, 8, 8)
	var query atomic.Value
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.RawQuery)
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}, nil)

	tile := f.tile(t, 2, 3, 5)
	key := tile.Key()
	_, ok := f.layer.Image(key)
	require.False(t, ok)
	assert.Equal(t, NotRequested, f.layer.State(key))

	f.layer.RequestTexture(tile, 1)
	e := f.waitStored(t)
	assert.Equal(t, key, e.Key)
	assert.Equal(t, "earth", e.Layer)

	img, ok := f.layer.Image(key)
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 8, 8), img.Bounds())
	assert.Equal(t, int32(1), f.hits.Load())
	assert.Equal(t, "T=bmng&L=2&X=5&Y=3", query.Load())

	loc, ok := f.store.Find("earth/2/3/3_5.png", false)
	require.True(t, ok)
	data, err := f.store.Read(loc)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Eventually(t, func() bool { return f.layer.State(key) == Stored }, time.Second, 5*time.Millisecond)

	f.layer.RequestTexture(tile, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestLayer_LoadsLocalCopyWithoutNetwork(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)

	tile := f.tile(t, 1, 2, 4)
	require.NoError(t, f.store.Write(tile.Path(), pngBytes(t, 4, 4)))

	f.layer.RequestTexture(tile, 0)
	e := f.waitStored(t)
	assert.Equal(t, CachedLocal, e.State)
	_, ok := f.layer.Image(tile.Key())
	assert.True(t, ok)
	assert.Equal(t, int32(0), f.hits.Load())
}

func TestLayer_DeletesCorruptFileAndRefetches(t *testing.T) {
	payload := pngBytes(t, 8, 8)
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}, nil)

	tile := f.tile(t, 2, 3, 5)
	require.NoError(t, f.store.Write(tile.Path(), []byte("not an image")))

	f.layer.RequestTexture(tile, 0)
	e := f.waitStored(t)
	assert.Equal(t, Stored, e.State)
	assert.Equal(t, int32(1), f.hits.Load())

	loc, ok := f.store.Find(tile.Path(), false)
	require.True(t, ok)
	data, err := f.store.Read(loc)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, 0, tile.Level().AbsentList().Tries(f.levels.TileNumber(tile.Key())))
}

func TestLayer_NotFoundMarksAbsent(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}, nil)
	tile := f.tile(t, 2, 0, 0)
	key := tile.Key()

	o := f.download(t, tile)
	assert.Equal(t, Absent, o.State)
	assert.ErrorIs(t, o.Err, retrieve.ErrStatus)
	assert.False(t, f.levels.IsResourceAbsent(key))

	o = f.download(t, tile)
	assert.Equal(t, Absent, o.State)
	assert.True(t, f.levels.IsResourceAbsent(key))
	assert.Eventually(t, func() bool { return f.layer.State(key) == Absent }, time.Second, 5*time.Millisecond)

	// absent tiles are not requested again
	f.layer.RequestTexture(tile, 0)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), f.hits.Load())

	_, ok := f.store.Find(tile.Path(), false)
	assert.False(t, ok)
}

func TestLayer_ErrorPageMarksAbsent(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><body>quota exceeded</body></html>")
	}, nil)
	tile := f.tile(t, 1, 1, 1)

	o := f.download(t, tile)
	assert.Equal(t, Absent, o.State)
	assert.ErrorIs(t, o.Err, ErrContent)
	_, ok := f.store.Find(tile.Path(), false)
	assert.False(t, ok)
}

func TestLayer_SniffsMissingContentType(t *testing.T) {
	payload := pngBytes(t, 2, 2)
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		w.Write(payload)
	}, nil)
	tile := f.tile(t, 0, 0, 0)

	o := f.download(t, tile)
	assert.Equal(t, Stored, o.State)
	assert.True(t, o.Stored())
}

func TestLayer_ValidationFailureMarksAbsent(t *testing.T) {
	payload := pngBytes(t, 2, 2)
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}, func(p *level.Params, o *Options) {
		o.Validate = func(img image.Image) bool { return img.Bounds().Dx() >= 256 }
	})
	tile := f.tile(t, 1, 0, 0)

	o := f.download(t, tile)
	assert.Equal(t, Absent, o.State)
	assert.ErrorIs(t, o.Err, ErrValidation)
	_, ok := f.store.Find(tile.Path(), false)
	assert.False(t, ok)
}

func TestLayer_DecodeFailureMarksAbsent(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		io.WriteString(w, "garbage")
	}, nil)
	tile := f.tile(t, 1, 0, 0)

	o := f.download(t, tile)
	assert.Equal(t, Absent, o.State)
	assert.ErrorIs(t, o.Err, ErrDecode)
}

func TestLayer_ModifyHookReencodes(t *testing.T) {
	payload := pngBytes(t, 4, 4)
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}, func(p *level.Params, o *Options) {
		o.Modify = func(img image.Image) image.Image {
			return image.NewGray(img.Bounds())
		}
	})
	tile := f.tile(t, 1, 0, 0)

	o := f.download(t, tile)
	require.Equal(t, Stored, o.State)
	img, ok := f.layer.Image(tile.Key())
	require.True(t, ok)
	_, gray := img.(*image.Gray)
	assert.True(t, gray)
}

func TestLayer_VectorTilesAreGzipped(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-protobuf")
		io.WriteString(w, "vector tile")
	}, func(p *level.Params, o *Options) {
		p.FormatSuffix = ".pbf"
	})
	tile := f.tile(t, 1, 0, 0)

	o := f.download(t, tile)
	require.Equal(t, Stored, o.State)

	loc, ok := f.store.Find(tile.Path(), false)
	require.True(t, ok)
	data, err := f.store.Read(loc)
	require.NoError(t, err)
	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "vector tile", string(raw))

	assert.True(t, f.layer.ForceTextureLoad(tile))
	assert.Equal(t, CachedLocal, f.layer.State(tile.Key()))
}

func TestLayer_ExpiredFileIsRemoved(t *testing.T) {
	now := time.Now()
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}, func(p *level.Params, o *Options) {
		p.ExpiryTime = now.Add(time.Hour)
		o.Now = func() time.Time { return now.Add(2 * time.Hour) }
	})

	tile := f.tile(t, 1, 0, 0)
	require.NoError(t, f.store.Write(tile.Path(), pngBytes(t, 2, 2)))

	assert.False(t, f.layer.IsTileLocal(tile))
	_, ok := f.store.Find(tile.Path(), false)
	assert.False(t, ok)
	assert.False(t, f.layer.ForceTextureLoad(tile))
}

func TestLayer_ForceTextureLoad(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {}, nil)
	tile := f.tile(t, 0, 1, 1)

	assert.False(t, f.layer.ForceTextureLoad(tile))
	require.NoError(t, f.store.Write(tile.Path(), pngBytes(t, 2, 2)))
	assert.True(t, f.layer.IsTileLocal(tile))
	assert.True(t, f.layer.ForceTextureLoad(tile))
	assert.Equal(t, CachedLocal, f.layer.State(tile.Key()))
	assert.NotNil(t, tile.Image())
}

func TestLayer_RetainsLevelZero(t *testing.T) {
	payload := pngBytes(t, 2, 2)
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}, func(p *level.Params, o *Options) {
		o.RetainLevelZeroTiles = true
	})
	tile := f.tile(t, 0, 2, 3)

	o := f.download(t, tile)
	require.Equal(t, Stored, o.State)
	assert.False(t, f.layer.memory.Contains(tile.Key()))
	_, ok := f.layer.Image(tile.Key())
	assert.True(t, ok)
}

func TestLayer_UnavailableServiceSkipsDownload(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {}, nil)
	f.retrieval.Shutdown(true)

	err := f.layer.RetrieveRemoteTexture(f.tile(t, 0, 0, 0), 0, nil)
	assert.ErrorIs(t, err, retrieve.ErrUnavailable)
}

func TestLayer_StateIsFetchingDuringDownload(t *testing.T) {
	payload := pngBytes(t, 8, 8)
	release := make(chan struct{})
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}, nil)

	tile := f.tile(t, 0, 1, 2)
	done := make(chan Outcome, 1)
	require.NoError(t, f.layer.RetrieveRemoteTexture(tile, 0, func(o Outcome) { done <- o }))

	// the response is held back, so the worker is still reading
	require.Eventually(t, func() bool { return f.layer.State(tile.Key()) == Fetching }, time.Second, time.Millisecond)
	close(release)

	select {
	case o := <-done:
		assert.Equal(t, Stored, o.State)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not finish")
	}
	assert.Equal(t, Stored, f.layer.State(tile.Key()))
}

func TestLayer_KMLPayloadIsStoredRaw(t *testing.T) {
	const kml = `<?xml version="1.0"?><kml xmlns="http://www.opengis.net/kml/2.2"><Document/></kml>`
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.google-earth.kml+xml")
		io.WriteString(w, kml)
	}, func(p *level.Params, o *Options) {
		p.FormatSuffix = ".kml"
	})
	tile := f.tile(t, 1, 0, 0)

	o := f.download(t, tile)
	require.Equal(t, Stored, o.State)

	loc, ok := f.store.Find(tile.Path(), false)
	require.True(t, ok)
	data, err := f.store.Read(loc)
	require.NoError(t, err)
	assert.Equal(t, kml, string(data))
}
