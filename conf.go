package main

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var conf *Conf

// Region 下载区域, level 优先于 resolution
type Region struct {
	Geojson    string  `mapstructure:"geojson" validate:"required"`
	Resolution float64 `mapstructure:"resolution" validate:"min=0"`
	Level      int     `mapstructure:"level" validate:"min=0"`
}

type Conf struct {
	App struct {
		Version string `mapstructure:"version"`
		Title   string `mapstructure:"title"`
	} `mapstructure:"app"`
	Output struct {
		Directory      string `mapstructure:"directory" validate:"required"`
		LogDir         string `mapstructure:"logDir"`
		OutputTerminal bool   `mapstructure:"outputTerminal"`
		Store          string `mapstructure:"store" validate:"oneof=files mbtiles"`
	} `mapstructure:"output"`
	Task struct {
		Workers    int           `mapstructure:"workers" validate:"min=1"`
		QueueSize  int           `mapstructure:"queueSize" validate:"min=1"`
		RateLimit  float64       `mapstructure:"rateLimit" validate:"min=0"`
		BatchSize  int           `mapstructure:"batchSize" validate:"min=1"`
		PollDelay  time.Duration `mapstructure:"pollDelay" validate:"min=0"`
		StaleLimit time.Duration `mapstructure:"staleLimit" validate:"min=0"`
	} `mapstructure:"task"`
	Retrieval struct {
		ConnectTimeout time.Duration `mapstructure:"connectTimeout" validate:"min=0"`
		ReadTimeout    time.Duration `mapstructure:"readTimeout" validate:"min=0"`
	} `mapstructure:"retrieval"`
	Cache struct {
		Capacity int64 `mapstructure:"capacity" validate:"min=1"`
		LowWater int64 `mapstructure:"lowWater" validate:"min=0,ltefield=Capacity"`
	} `mapstructure:"cache"`
	Absent struct {
		MaxTries         int           `mapstructure:"maxTries" validate:"min=1"`
		MinCheckInterval time.Duration `mapstructure:"minCheckInterval" validate:"min=0"`
		TryAgainInterval time.Duration `mapstructure:"tryAgainInterval" validate:"min=0"`
		Snapshot         string        `mapstructure:"snapshot"`
	} `mapstructure:"absent"`
	BreakPoint struct {
		SaveFilePath string `mapstructure:"saveFilePath"`
	} `mapstructure:"breakPoint"`
	Tm struct {
		Name           string  `mapstructure:"name" validate:"required"`
		URL            string  `mapstructure:"url" validate:"required"`
		Format         string  `mapstructure:"format" validate:"required"`
		Mercator       bool    `mapstructure:"mercator"`
		LevelZeroDelta float64 `mapstructure:"levelZeroDelta" validate:"gt=0,lte=180"`
		NumLevels      int     `mapstructure:"numLevels" validate:"min=1,max=32"`
		NumEmptyLevels int     `mapstructure:"numEmptyLevels" validate:"min=0,ltfield=NumLevels"`
		TileSize       int     `mapstructure:"tileSize" validate:"min=1"`
		// RFC3339, 早于该时间保存的瓦片会重新下载
		Expiry string `mapstructure:"expiry"`
	} `mapstructure:"tm"`
	Lrs     []Region `mapstructure:"lrs" validate:"dive"`
	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
}

// ExpiryTime 瓦片过期时间, 未配置为零值
func (c *Conf) ExpiryTime() (time.Time, error) {
	if c.Tm.Expiry == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, c.Tm.Expiry)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.version", "v 0.2.0")
	v.SetDefault("app.title", "MapCloud Tiler")
	v.SetDefault("output.directory", "output")
	v.SetDefault("output.outputTerminal", true)
	v.SetDefault("output.store", "files")
	v.SetDefault("task.workers", 5)
	v.SetDefault("task.queueSize", 100)
	v.SetDefault("task.rateLimit", 0)
	v.SetDefault("task.batchSize", 200)
	v.SetDefault("task.pollDelay", "1s")
	v.SetDefault("task.staleLimit", "30s")
	v.SetDefault("retrieval.connectTimeout", "8s")
	v.SetDefault("retrieval.readTimeout", "5s")
	v.SetDefault("cache.capacity", 500<<20)
	v.SetDefault("cache.lowWater", 400<<20)
	v.SetDefault("absent.maxTries", 2)
	v.SetDefault("absent.minCheckInterval", "10s")
	v.SetDefault("absent.tryAgainInterval", "60s")
	v.SetDefault("absent.snapshot", "")
	v.SetDefault("breakPoint.saveFilePath", "breakpoint/")
	v.SetDefault("tm.format", "png")
	v.SetDefault("tm.levelZeroDelta", 36)
	v.SetDefault("tm.numLevels", 10)
	v.SetDefault("tm.numEmptyLevels", 0)
	v.SetDefault("tm.tileSize", 512)
	v.SetDefault("metrics.addr", "")
}

// loadConf 读取并校验配置文件
func loadConf(cfgFile string) (*Conf, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file(%s) not exist", cfgFile)
	}
	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(cfgFile)
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file(%s) error, details: %w", v.ConfigFileUsed(), err)
	}

	c := new(Conf)
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("配置文件解析失败: %w", err)
	}
	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	if _, err := c.ExpiryTime(); err != nil {
		return nil, fmt.Errorf("tm.expiry: %w", err)
	}
	return c, nil
}

// InitConf 初始化配置
func InitConf(cfgFile string) {
	if cfgFile == "" {
		cfgFile = "conf.toml"
	}
	c, err := loadConf(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	conf = c
}
