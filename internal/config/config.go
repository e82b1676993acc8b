// Package config handles configuration loading for the cellview server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Frames FramesConfig `yaml:"frames"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DataConfig selects the volume store. S3 is used when S3.Bucket is set,
// otherwise StorePath.
type DataConfig struct {
	StorePath string   `yaml:"store_path"`
	S3        S3Config `yaml:"s3"`
}

// S3Config locates a store in an S3 bucket.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// CacheConfig contains cell cache and chunk cache settings.
type CacheConfig struct {
	Fetchers         int `yaml:"fetchers"`
	MaxLoadedCells   int `yaml:"max_loaded_cells"`
	PrefetchCapacity int `yaml:"prefetch_capacity"`
	ChunkCacheMB     int `yaml:"chunk_cache_mb"`
	ChunkTTLMinutes  int `yaml:"chunk_ttl_minutes"`
	MaxChunkKB       int `yaml:"max_chunk_kb"`
	MetaCacheSize    int `yaml:"meta_cache_size"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	Threads     int    `yaml:"threads"`
	Strategy    string `yaml:"strategy"`
	IoTimeoutMS int    `yaml:"io_timeout_ms"`
	// BudgetNS is the per-frame I/O time budget per priority level in
	// nanoseconds; later levels reuse the last value.
	BudgetNS        []int64 `yaml:"budget_ns"`
	FrameIntervalMS int     `yaml:"frame_interval_ms"`
	NavigatePauseMS int     `yaml:"navigate_pause_ms"`
	Colormap        string  `yaml:"colormap"`
	MarkIncomplete  bool    `yaml:"mark_incomplete"`
	MaxImageSize    int     `yaml:"max_image_size"`
}

// FramesConfig contains frame log settings. An empty SQLitePath disables
// the log.
type FramesConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file. A missing file yields the
// default configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			StorePath: "./data/volume.zarr",
		},
		Cache: CacheConfig{
			Fetchers:        4,
			MaxLoadedCells:   4096,
			PrefetchCapacity: 16384,
			ChunkCacheMB:     512,
			ChunkTTLMinutes:  10,
			MaxChunkKB:       4096,
			MetaCacheSize:    1024,
		},
		Render: RenderConfig{
			Threads:         8,
			Strategy:        "budgeted",
			IoTimeoutMS:     50,
			BudgetNS:        []int64{100 * int64(time.Millisecond), 10 * int64(time.Millisecond)},
			FrameIntervalMS: 40,
			NavigatePauseMS: 300,
			Colormap:        "gray",
			MarkIncomplete:  true,
			MaxImageSize:    4096,
		},
		Frames: FramesConfig{
			SQLitePath:    "./data/frames.db",
			RetentionDays: 7,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Data.StorePath == "" && cfg.Data.S3.Bucket == "" {
		cfg.Data.StorePath = defaults.Data.StorePath
	}
	if cfg.Cache.Fetchers == 0 {
		cfg.Cache.Fetchers = defaults.Cache.Fetchers
	}
	if cfg.Cache.PrefetchCapacity == 0 {
		cfg.Cache.PrefetchCapacity = defaults.Cache.PrefetchCapacity
	}
	if cfg.Cache.ChunkCacheMB == 0 {
		cfg.Cache.ChunkCacheMB = defaults.Cache.ChunkCacheMB
	}
	if cfg.Cache.ChunkTTLMinutes == 0 {
		cfg.Cache.ChunkTTLMinutes = defaults.Cache.ChunkTTLMinutes
	}
	if cfg.Cache.MaxChunkKB == 0 {
		cfg.Cache.MaxChunkKB = defaults.Cache.MaxChunkKB
	}
	if cfg.Cache.MetaCacheSize == 0 {
		cfg.Cache.MetaCacheSize = defaults.Cache.MetaCacheSize
	}
	if cfg.Render.Threads == 0 {
		cfg.Render.Threads = defaults.Render.Threads
	}
	if cfg.Render.Strategy == "" {
		cfg.Render.Strategy = defaults.Render.Strategy
	}
	if len(cfg.Render.BudgetNS) == 0 {
		cfg.Render.BudgetNS = defaults.Render.BudgetNS
	}
	if cfg.Render.FrameIntervalMS == 0 {
		cfg.Render.FrameIntervalMS = defaults.Render.FrameIntervalMS
	}
	if cfg.Render.NavigatePauseMS == 0 {
		cfg.Render.NavigatePauseMS = defaults.Render.NavigatePauseMS
	}
	if cfg.Render.Colormap == "" {
		cfg.Render.Colormap = defaults.Render.Colormap
	}
	if cfg.Render.MaxImageSize == 0 {
		cfg.Render.MaxImageSize = defaults.Render.MaxImageSize
	}
	if cfg.Frames.RetentionDays == 0 {
		cfg.Frames.RetentionDays = defaults.Frames.RetentionDays
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Cache.Fetchers < 0 {
		return fmt.Errorf("invalid cache.fetchers: %d", c.Cache.Fetchers)
	}
	if c.Cache.MaxLoadedCells < 0 {
		return fmt.Errorf("invalid cache.max_loaded_cells: %d", c.Cache.MaxLoadedCells)
	}
	if c.Cache.PrefetchCapacity < 1 {
		return fmt.Errorf("invalid cache.prefetch_capacity: %d", c.Cache.PrefetchCapacity)
	}
	if c.Render.Threads < 1 {
		return fmt.Errorf("invalid render.threads: %d", c.Render.Threads)
	}
	for i, b := range c.Render.BudgetNS {
		if b < 0 {
			return fmt.Errorf("invalid render.budget_ns[%d]: %d", i, b)
		}
	}
	return nil
}

// ChunkTTL returns the chunk cache entry lifetime.
func (c CacheConfig) ChunkTTL() time.Duration {
	return time.Duration(c.ChunkTTLMinutes) * time.Minute
}

// FrameInterval returns the period of the frame clock.
func (c RenderConfig) FrameInterval() time.Duration {
	return time.Duration(c.FrameIntervalMS) * time.Millisecond
}

// IoTimeout returns the renderer's I/O timeout, or 0 if disabled.
func (c RenderConfig) IoTimeout() time.Duration {
	return time.Duration(c.IoTimeoutMS) * time.Millisecond
}

// NavigatePause returns how long fetchers pause after navigation.
func (c RenderConfig) NavigatePause() time.Duration {
	return time.Duration(c.NavigatePauseMS) * time.Millisecond
}

// Retention returns how long frame records are kept.
func (c FramesConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
