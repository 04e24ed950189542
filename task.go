package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"
	pb "gopkg.in/cheggaaa/pb.v1"

	"tiler/internal/bulk"
	"tiler/internal/cache"
	"tiler/internal/geo"
	"tiler/internal/imagery"
	"tiler/internal/level"
	"tiler/internal/retrieve"
)

const barRefresh = time.Second

func InitTask(ctx context.Context) error {
	start := time.Now()

	tm := TileMap{
		Name:     conf.Tm.Name,
		Format:   conf.Tm.Format,
		Template: conf.Tm.URL,
		Mercator: conf.Tm.Mercator,
	}
	task, err := NewTask(tm, conf, BreakPointInst)
	if err != nil {
		return err
	}
	// 注册安全退出
	SafeExitInst.Register(task.AbortFun)

	// 开始下载
	err = task.Download(ctx)

	secs := time.Since(start).Seconds()
	log.Infof("%.3fs finished...", secs)
	return err
}

// TaskRegion 下载区域
type TaskRegion struct {
	Geojson    string
	Sector     geo.Sector
	Resolution float64
}

// Task 下载任务
type Task struct {
	ID      string
	Name    string
	TileMap TileMap
	Regions []TaskRegion

	levels     *level.LevelSet
	store      cache.FileStore
	closeStore func() error
	registry   *cache.Registry[level.TileKey, image.Image]
	retrieval  *retrieve.Service
	layer      *imagery.Layer
	source     bulk.Source
	bulkConf   bulk.Config
	snapshot   string
	log        logrus.FieldLogger
	closed     bool
}

// levelParams 由配置生成金字塔参数
func levelParams(m *TileMap, c *Conf) (level.Params, error) {
	p := level.DefaultParams()
	p.CacheName = m.Name
	p.Dataset = m.Name
	p.Service = m.Template
	p.URLBuilder = m
	p.FormatSuffix = m.FormatSuffix()
	p.Mercator = m.Mercator
	d := c.Tm.LevelZeroDelta
	p.LevelZeroTileDelta = geo.LatLon{Lat: d, Lon: d}
	if m.Mercator {
		// Mercator 的纬度跨度为 2 个 percent, 行列数相同
		p.LevelZeroTileDelta.Lat = d / 2
	}
	p.NumLevels = c.Tm.NumLevels
	p.NumEmptyLevels = c.Tm.NumEmptyLevels
	p.TileWidth, p.TileHeight = c.Tm.TileSize, c.Tm.TileSize
	p.MaxAbsentTries = c.Absent.MaxTries
	p.MinAbsentCheckInterval = c.Absent.MinCheckInterval
	p.AbsentTryAgainInterval = c.Absent.TryAgainInterval

	expiry, err := c.ExpiryTime()
	if err != nil {
		return p, err
	}
	p.ExpiryTime = expiry
	return p, nil
}

func openStore(c *Conf, name string) (cache.FileStore, func() error, error) {
	dir := c.Output.Directory
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, nil, err
	}
	switch c.Output.Store {
	case StoreMBTiles:
		s, err := cache.NewSQLiteStore(filepath.Join(dir, name+".mbtiles"))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := cache.NewDiskStore(dir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	}
}

// regionResolution level 优先, 都未配置时下载到最后一级
func regionResolution(ls *level.LevelSet, r Region) (float64, error) {
	if r.Level > 0 {
		lvl := ls.Level(r.Level)
		if lvl == nil {
			return 0, fmt.Errorf("region %s: no level %d", r.Geojson, r.Level)
		}
		return lvl.TexelSize(), nil
	}
	if r.Resolution > 0 {
		return r.Resolution, nil
	}
	return ls.LastLevel().TexelSize(), nil
}

// NewTask 创建下载任务
func NewTask(m TileMap, c *Conf, bp *BreakPoint) (*Task, error) {
	id, err := shortid.Generate()
	if err != nil {
		return nil, err
	}
	task := &Task{
		ID:       id,
		Name:     m.Name,
		TileMap:  m,
		snapshot: c.Absent.Snapshot,
		log:      log.WithField("task", id),
		bulkConf: bulk.Config{
			BatchSize:     c.Task.BatchSize,
			PollDelay:     c.Task.PollDelay,
			ResubmitAfter: c.Task.StaleLimit,
			Logger:        log,
		},
	}

	p, err := levelParams(&task.TileMap, c)
	if err != nil {
		return nil, err
	}
	if task.levels, err = level.NewLevelSet(p); err != nil {
		return nil, err
	}

	for _, r := range c.Lrs {
		s, err := loadRegion(r.Geojson)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", r.Geojson, err)
		}
		res, err := regionResolution(task.levels, r)
		if err != nil {
			return nil, err
		}
		task.Regions = append(task.Regions, TaskRegion{Geojson: r.Geojson, Sector: s, Resolution: res})
	}
	if len(task.Regions) == 0 {
		return nil, errors.New("no region (lrs) configured")
	}

	if task.store, task.closeStore, err = openStore(c, m.Name); err != nil {
		return nil, err
	}

	task.registry = cache.NewRegistry[level.TileKey, image.Image]()
	mem := cache.NewMemoryCache[level.TileKey, image.Image](c.Cache.LowWater, c.Cache.Capacity)
	mem.SetName("Texture Tiles")
	task.registry.Add(imagery.TextureCacheName, mem)

	task.retrieval = retrieve.NewService(retrieve.Config{
		PoolSize:          c.Task.Workers,
		QueueSize:         c.Task.QueueSize,
		StaleRequestLimit: c.Task.StaleLimit,
		RateLimit:         c.Task.RateLimit,
		Logger:            log,
	})

	task.layer, err = imagery.NewLayer(m.Name, task.levels, task.store, task.registry, task.retrieval, imagery.Options{
		Mercator:    m.Mercator,
		ReadTimeout: c.Retrieval.ReadTimeout,
		Client:      retrieve.NewClient(c.Retrieval.ConnectTimeout),
		Logger:      log,
	})
	if err != nil {
		task.retrieval.Shutdown(true)
		task.closeStore()
		return nil, err
	}
	task.source = journaledLayer{Layer: task.layer, bp: bp}

	task.loadAbsent()
	for _, r := range task.Regions {
		task.log.Infof("region: %s, sector: %s", r.Geojson, r.Sector)
	}
	return task, nil
}

func (task *Task) snapshotPath(n int) string {
	return fmt.Sprintf("%s.%d", task.snapshot, n)
}

// loadAbsent 读取上次运行的缺失瓦片记录
func (task *Task) loadAbsent() {
	if task.snapshot == "" {
		return
	}
	for _, lvl := range task.levels.Levels() {
		f, err := os.Open(task.snapshotPath(lvl.Number))
		if err != nil {
			continue
		}
		if err := lvl.AbsentList().Load(f); err != nil {
			task.log.WithError(err).Warnf("cannot load absent snapshot of level %d", lvl.Number)
		}
		f.Close()
	}
}

func (task *Task) saveAbsent() {
	if task.snapshot == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(task.snapshot), os.ModePerm); err != nil {
		task.log.WithError(err).Warn("cannot save absent snapshot")
		return
	}
	for _, lvl := range task.levels.Levels() {
		if lvl.AbsentList().Len() == 0 {
			os.Remove(task.snapshotPath(lvl.Number))
			continue
		}
		f, err := os.Create(task.snapshotPath(lvl.Number))
		if err != nil {
			task.log.WithError(err).Warn("cannot save absent snapshot")
			return
		}
		if err := lvl.AbsentList().Save(f); err != nil {
			task.log.WithError(err).Warnf("cannot save absent snapshot of level %d", lvl.Number)
		}
		f.Close()
	}
}

// AbortFun 结束任务, 保存缺失记录并释放资源
func (task *Task) AbortFun() {
	if task.closed {
		return
	}
	task.closed = true
	task.retrieval.Shutdown(true)
	task.layer.Close()
	task.saveAbsent()
	if err := task.closeStore(); err != nil {
		task.log.WithError(err).Error("cannot close store")
	}
}

// Download 依次下载所有区域
func (task *Task) Download(ctx context.Context) error {
	for _, r := range task.Regions {
		if err := task.downloadRegion(ctx, r); err != nil {
			return err
		}
	}
	// 等待已提交的请求结束
	task.retrieval.Shutdown(false)
	return nil
}

func (task *Task) downloadRegion(ctx context.Context, r TaskRegion) error {
	id, err := shortid.Generate()
	if err != nil {
		return err
	}
	d, err := bulk.NewDownloader(id, task.source, task.retrieval, r.Sector, r.Resolution, task.bulkConf)
	if err != nil {
		return fmt.Errorf("region %s: %w", r.Geojson, err)
	}
	rlog := task.log.WithFields(logrus.Fields{"bulk": id, "level": d.Level().Number})
	if n, err := d.EstimateMissingTileCount(ctx); err == nil {
		size, _ := d.EstimateMissingDataSize(ctx)
		rlog.Infof("region %s starting, about %d tiles, %.2f MB missing", r.Geojson, n, float64(size)/(1<<20))
	}
	d.AddListener(func(e bulk.Event) {
		if e.Type == bulk.Failed {
			rlog.WithError(e.Err).Debugf("tile %s failed", e.Path)
		}
	})

	bar := pb.New64(0).Prefix(fmt.Sprintf("Level %d : ", d.Level().Number)).Postfix("\n")
	bar.SetRefreshRate(barRefresh)
	bar.Start()

	g, gctx := errgroup.WithContext(ctx)
	finished := make(chan struct{})
	g.Go(func() error {
		defer close(finished)
		return d.Run(gctx)
	})
	g.Go(func() error {
		t := time.NewTicker(barRefresh)
		defer t.Stop()
		for {
			select {
			case <-finished:
				updateBar(bar, d.Progress())
				return nil
			case <-t.C:
				updateBar(bar, d.Progress())
			}
		}
	})
	err = g.Wait()
	p := d.Progress()
	bar.FinishPrint(fmt.Sprintf("Task %s region %s finished, %d tiles, %.2f MB ~",
		task.ID, r.Geojson, p.CurrentCount, float64(p.CurrentSize)/(1<<20)))
	return err
}

func updateBar(bar *pb.ProgressBar, p bulk.Progress) {
	bar.SetTotal64(p.TotalCount)
	bar.Set64(p.CurrentCount)
}
