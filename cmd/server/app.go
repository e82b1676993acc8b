package main

import (
	"context"
	"fmt"
	"image/color"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/cellview/server/internal/cache"
	"github.com/cellview/server/internal/cellcache"
	"github.com/cellview/server/internal/config"
	"github.com/cellview/server/internal/data/zarr"
	"github.com/cellview/server/internal/framestore"
	"github.com/cellview/server/internal/render"
	"github.com/cellview/server/internal/service"
)

// app holds the wired components of a server process.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry

	chunks *cache.Manager
	reader *zarr.Reader
	cells  *cellcache.Cache
	frames *framestore.Store
	views  *service.ViewService
}

// newApp opens the volume store and builds the cache and view service.
// On error, everything opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var err error
	a.chunks, err = cache.NewManager(cache.Config{
		ChunkCacheSizeMB: cfg.Cache.ChunkCacheMB,
		ChunkTTL:         cfg.Cache.ChunkTTL(),
		MaxChunkSize:     cfg.Cache.MaxChunkKB * 1024,
		MetaCacheSize:    cfg.Cache.MetaCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chunk cache: %w", err)
	}
	log.Info("chunk cache",
		zap.String("size", humanize.IBytes(uint64(cfg.Cache.ChunkCacheMB)<<20)),
		zap.String("max_chunk", humanize.IBytes(uint64(cfg.Cache.MaxChunkKB)<<10)),
		zap.Duration("ttl", cfg.Cache.ChunkTTL()),
	)

	src, err := openSource(ctx, cfg.Data)
	if err != nil {
		return nil, err
	}
	a.reader, err = zarr.Open(ctx, src, zarr.Options{Cache: a.chunks, Logger: log.Named("zarr")})
	if err != nil {
		return nil, fmt.Errorf("failed to open volume store %s: %w", src.Name(), err)
	}

	md := a.reader.Metadata()
	a.cells, err = cellcache.New(cellcache.Config{
		NumLevels:        len(md.Levels),
		NumFetchers:      cfg.Cache.Fetchers,
		MaxLoadedCells:   cfg.Cache.MaxLoadedCells,
		PrefetchCapacity: cfg.Cache.PrefetchCapacity,
	},
		cellcache.WithLogger(log.Named("cellcache")),
		cellcache.WithMetrics(cellcache.NewMetrics(a.registry)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cell cache: %w", err)
	}

	if cfg.Frames.SQLitePath != "" {
		a.frames, err = framestore.NewStore(cfg.Frames.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize frame store: %w", err)
		}
	}

	strategy, err := cellcache.ParseStrategy(cfg.Render.Strategy)
	if err != nil {
		return nil, err
	}

	a.views = service.NewViewService(service.ViewServiceConfig{
		Store:  a.reader,
		Cache:  a.cells,
		Frames: a.frames,
		Encoder: render.NewEncoder(render.EncoderConfig{
			Background:     color.Black,
			MarkIncomplete: cfg.Render.MarkIncomplete,
		}),
		Metrics:       render.NewMetrics(a.registry),
		Logger:        log.Named("views"),
		Threads:       cfg.Render.Threads,
		Strategy:      strategy,
		IoTimeout:     cfg.Render.IoTimeout(),
		Budget:        cfg.Render.BudgetNS,
		FrameInterval: cfg.Render.FrameInterval(),
		Retention:     cfg.Frames.Retention(),
		Colormap:      cfg.Render.Colormap,
		MaxImageSize:  cfg.Render.MaxImageSize,
	})

	log.Info("volume store ready",
		zap.String("store", src.Name()),
		zap.Int("levels", len(md.Levels)),
		zap.Int("fetchers", cfg.Cache.Fetchers),
		zap.Int("max_loaded_cells", cfg.Cache.MaxLoadedCells),
		zap.String("strategy", strategy.String()),
	)
	ready = true
	return a, nil
}

func openSource(ctx context.Context, cfg config.DataConfig) (zarr.ChunkSource, error) {
	if cfg.S3.Bucket != "" {
		src, err := zarr.NewS3Source(ctx, zarr.S3Config{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 source: %w", err)
		}
		return src, nil
	}
	return zarr.DirSource{Root: cfg.StorePath}, nil
}

// Close stops the view service and releases every component, returning all
// close errors.
func (a *app) Close() error {
	var result *multierror.Error

	if a.views != nil {
		a.views.Stop()
	}
	if a.cells != nil {
		if err := a.cells.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("cell cache: %w", err))
		}
	}
	if a.frames != nil {
		if err := a.frames.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("frame store: %w", err))
		}
	}
	if a.reader != nil {
		a.reader.Close()
	}
	if a.chunks != nil {
		if err := a.chunks.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("chunk cache: %w", err))
		}
	}
	return result.ErrorOrNil()
}
