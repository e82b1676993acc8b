// Package service provides the view sessions and slice rendering of the
// cellview server.
package service

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cellview/server/internal/cellcache"
	"github.com/cellview/server/internal/data/zarr"
	"github.com/cellview/server/internal/framestore"
	"github.com/cellview/server/internal/render"
	"github.com/cellview/server/internal/volume"
	"github.com/cellview/server/pkg/colormap"
)

var (
	// ErrViewNotFound is returned for unknown view IDs.
	ErrViewNotFound = errors.New("view not found")
	// ErrInvalidRequest is wrapped by request validation errors.
	ErrInvalidRequest = errors.New("invalid request")
)

// VolumeStore is the volume data views are rendered from.
type VolumeStore interface {
	volume.ArrayLoader
	Metadata() *zarr.Metadata
	Grid(level int) (volume.Grid, error)
}

// ViewServiceConfig contains view service configuration.
type ViewServiceConfig struct {
	Store   VolumeStore
	Cache   *cellcache.Cache
	Frames  *framestore.Store // optional
	Encoder *render.Encoder
	Metrics *render.Metrics
	Logger  *zap.Logger

	Threads   int
	Strategy  cellcache.Strategy
	IoTimeout time.Duration
	// Budget is the per-frame I/O time budget per priority level.
	Budget        []int64
	FrameInterval time.Duration
	Retention     time.Duration
	Colormap      string
	MaxImageSize  int
}

// ViewService owns the view sessions. Every view renders through its own
// cache scope; all views share the cache and its fetchers. Each render
// starts a new cache frame; the frame clock only advances frames while no
// view is rendering.
type ViewService struct {
	cfg    ViewServiceConfig
	store  VolumeStore
	cache  *cellcache.Cache
	frames *framestore.Store
	enc    *render.Encoder
	log    *zap.Logger
	loader volume.CellLoader

	mu    sync.RWMutex
	views map[string]*View

	// rendering counts renders in progress; rendered is set by every render
	// and cleared by the frame clock.
	rendering atomic.Int32
	rendered  atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// View is one client's viewing session.
type View struct {
	ID        string    `json:"view_id"`
	CreatedAt time.Time `json:"created_at"`

	scope  *cellcache.Scope
	frames atomic.Int64

	// renderMu serializes renders of the view.
	renderMu sync.Mutex
	cellsMu  sync.Mutex
	cells    map[imageKey]*volume.CellCache

	currentMu sync.Mutex
	current   func()
}

type imageKey struct {
	timepoint, setup, level int
}

// SliceRequest asks for a z-plane of one image. The rendered rectangle
// starts at voxel (X, Y) of plane Z.
type SliceRequest struct {
	Timepoint int
	Setup     int
	Level     int
	Z         int64
	X, Y      int64
	Width     int
	Height    int
	// Strategy overrides the configured loading strategy when not empty.
	Strategy string
	// Colormap overrides the configured colormap when not empty.
	Colormap string
	// DisplayMin and DisplayMax override the setup's display range when
	// not nil.
	DisplayMin *float32
	DisplayMax *float32
}

// SliceResult is a rendered frame.
type SliceResult struct {
	PNG         []byte
	Complete    bool
	Frame       int64
	RenderNanos int64
	IoNanos     int64
}

// NewViewService creates a view service.
func NewViewService(cfg ViewServiceConfig) *ViewService {
	if cfg.Threads < 1 {
		cfg.Threads = render.DefaultThreads
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = 4096
	}
	if cfg.Encoder == nil {
		cfg.Encoder = render.NewEncoder(render.EncoderConfig{MarkIncomplete: true})
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &ViewService{
		cfg:    cfg,
		store:  cfg.Store,
		cache:  cfg.Cache,
		frames: cfg.Frames,
		enc:    cfg.Encoder,
		log:    log,
		loader: volume.CellLoader{Arrays: cfg.Store},
		views:  make(map[string]*View),
		stopCh: make(chan struct{}),
	}
}

// Start starts the idle frame clock and, if a frame store is configured,
// the retention sweeper.
func (s *ViewService) Start() {
	if s.cfg.FrameInterval > 0 {
		s.wg.Add(1)
		go s.frameClock(s.cfg.FrameInterval)
	}
	if s.frames != nil && s.cfg.Retention > 0 {
		s.wg.Add(1)
		go s.sweeper(s.cfg.Retention)
	}
}

// Stop stops the background goroutines and cancels running renders.
func (s *ViewService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.views {
		v.cancelCurrent()
	}
}

func (s *ViewService) frameClock(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.rendering.Load() > 0 || s.rendered.Swap(false) {
				continue
			}
			s.cache.PrepareNextFrame()
		}
	}
}

func (s *ViewService) sweeper(retention time.Duration) {
	defer s.wg.Done()
	interval := retention / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			n, err := s.frames.DeleteOlderThan(context.Background(), time.Now().Add(-retention))
			if err != nil {
				s.log.Warn("frame log cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Debug("frame log cleaned", zap.Int64("deleted", n))
			}
		}
	}
}

// Metadata returns the store metadata.
func (s *ViewService) Metadata() *zarr.Metadata {
	return s.store.Metadata()
}

// CreateView opens a new view session.
func (s *ViewService) CreateView() *View {
	v := &View{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		scope:     s.cache.NewScope(),
		cells:     make(map[imageKey]*volume.CellCache),
	}

	s.mu.Lock()
	s.views[v.ID] = v
	s.mu.Unlock()

	s.log.Info("view created", zap.String("view_id", v.ID))
	return v
}

// GetView returns a view by ID.
func (s *ViewService) GetView(id string) (*View, error) {
	s.mu.RLock()
	v, ok := s.views[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrViewNotFound, id)
	}
	return v, nil
}

// DeleteView closes a view session and drops its frame log.
func (s *ViewService) DeleteView(ctx context.Context, id string) error {
	s.mu.Lock()
	v, ok := s.views[id]
	delete(s.views, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrViewNotFound, id)
	}

	v.cancelCurrent()
	if s.frames != nil {
		if err := s.frames.DeleteView(ctx, id); err != nil {
			return fmt.Errorf("failed to delete frame log: %w", err)
		}
	}
	s.log.Info("view deleted", zap.String("view_id", id), zap.Int64("frames", v.frames.Load()))
	return nil
}

// NumViews returns the number of open views.
func (s *ViewService) NumViews() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.views)
}

// Frames returns the most recent frame records of a view.
func (s *ViewService) Frames(ctx context.Context, id string, limit int) ([]*framestore.Frame, error) {
	if _, err := s.GetView(id); err != nil {
		return nil, err
	}
	if s.frames == nil {
		return nil, nil
	}
	return s.frames.ListRecent(ctx, id, limit)
}

// CacheStats returns the cell cache statistics.
func (s *ViewService) CacheStats() cellcache.Stats {
	return s.cache.Stats()
}

// ClearCache drops all cached cells.
func (s *ViewService) ClearCache() {
	s.cache.ClearCache()
}

// PauseFetchers pauses background loading for d, typically while the user
// is navigating.
func (s *ViewService) PauseFetchers(d time.Duration) {
	s.cache.PauseFetchersFor(d)
}

// WakeFetchers resumes background loading.
func (s *ViewService) WakeFetchers() {
	s.cache.WakeFetchers()
}

// RenderSlice renders one z-plane of a view. A newer request for the same
// view cancels a render still in progress; the cancelled request returns
// its incomplete frame.
func (s *ViewService) RenderSlice(ctx context.Context, viewID string, req SliceRequest) (*SliceResult, error) {
	v, err := s.GetView(viewID)
	if err != nil {
		return nil, err
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}
	hints, err := s.hints(req)
	if err != nil {
		return nil, err
	}
	display, err := s.display(req)
	if err != nil {
		return nil, err
	}
	grid, err := s.store.Grid(req.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	cells := v.cellCache(s.loader, grid, req)
	src := &volume.SliceSource{Cells: cells, Z: req.Z, OffsetX: req.X, OffsetY: req.Y}
	renderer := render.NewInterruptible[float32, color.RGBA](src, display.Convert, v.scope.Stats(), s.cfg.Metrics)

	v.cancelCurrent()
	v.renderMu.Lock()
	defer v.renderMu.Unlock()
	v.setCurrent(renderer.Cancel)
	defer v.setCurrent(nil)

	s.rendering.Add(1)
	defer func() {
		s.rendered.Store(true)
		s.rendering.Add(-1)
	}()

	cells.SetHints(hints)
	s.cache.PrepareNextFrame()
	v.scope.InitIoTimeBudget(s.cfg.Budget)
	if s.cfg.IoTimeout > 0 {
		renderer.SetIoTimeout(s.cfg.IoTimeout.Nanoseconds(), func() {
			s.log.Debug("render hit io timeout", zap.String("view_id", viewID))
		})
	}

	frame := s.enc.Acquire(req.Width, req.Height)
	defer frame.Release()

	ran := renderer.MapMultithreaded(ctx, frame.Target(), s.cfg.Threads)
	complete := ran && !src.Missing()

	data, err := frame.Encode(complete)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	result := &SliceResult{
		PNG:         data,
		Complete:    complete,
		Frame:       s.cache.Frame(),
		RenderNanos: renderer.LastRenderNanos(),
		IoNanos:     renderer.LastIoNanos(),
	}
	v.frames.Add(1)
	s.record(v.ID, req, result)
	return result, nil
}

func (s *ViewService) record(viewID string, req SliceRequest, res *SliceResult) {
	if s.frames == nil {
		return
	}
	err := s.frames.Record(context.Background(), &framestore.Frame{
		ViewID:    viewID,
		Frame:     res.Frame,
		Timepoint: req.Timepoint,
		Setup:     req.Setup,
		Level:     req.Level,
		Z:         req.Z,
		Complete:  res.Complete,
		RenderNS:  res.RenderNanos,
		IoNS:      res.IoNanos,
	})
	if err != nil {
		s.log.Warn("failed to record frame", zap.String("view_id", viewID), zap.Error(err))
	}
}

func (s *ViewService) validate(req SliceRequest) error {
	md := s.store.Metadata()
	if req.Timepoint < 0 || req.Timepoint >= md.Timepoints {
		return fmt.Errorf("%w: timepoint %d out of range", ErrInvalidRequest, req.Timepoint)
	}
	if req.Setup < 0 || req.Setup >= len(md.Setups) {
		return fmt.Errorf("%w: setup %d out of range", ErrInvalidRequest, req.Setup)
	}
	if req.Level < 0 || req.Level >= len(md.Levels) {
		return fmt.Errorf("%w: level %d out of range", ErrInvalidRequest, req.Level)
	}
	if z := md.Levels[req.Level].Dims[2]; req.Z < 0 || req.Z >= z {
		return fmt.Errorf("%w: z %d out of range", ErrInvalidRequest, req.Z)
	}
	if req.Width < 1 || req.Height < 1 || req.Width > s.cfg.MaxImageSize || req.Height > s.cfg.MaxImageSize {
		return fmt.Errorf("%w: image size %dx%d", ErrInvalidRequest, req.Width, req.Height)
	}
	return nil
}

func (s *ViewService) hints(req SliceRequest) (cellcache.Hints, error) {
	strategy := s.cfg.Strategy
	if req.Strategy != "" {
		parsed, err := cellcache.ParseStrategy(req.Strategy)
		if err != nil {
			return cellcache.Hints{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		strategy = parsed
	}
	return cellcache.Hints{Strategy: strategy, Priority: req.Level}, nil
}

func (s *ViewService) display(req SliceRequest) (colormap.Display, error) {
	name := s.cfg.Colormap
	if req.Colormap != "" {
		name = req.Colormap
	}
	var cm colormap.Colormap = colormap.Gray
	if name != "" {
		m, err := colormap.Lookup(name)
		if err != nil {
			return colormap.Display{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		cm = m
	}

	r := s.store.Metadata().Setups[req.Setup].DisplayRange
	d := colormap.Display{Min: r[0], Max: r[1], Map: cm}
	if d.Min == 0 && d.Max == 0 {
		d.Max = 65535
	}
	if req.DisplayMin != nil {
		d.Min = *req.DisplayMin
	}
	if req.DisplayMax != nil {
		d.Max = *req.DisplayMax
	}
	return d, nil
}

func (v *View) cellCache(loader volume.CellLoader, grid volume.Grid, req SliceRequest) *volume.CellCache {
	k := imageKey{req.Timepoint, req.Setup, req.Level}

	v.cellsMu.Lock()
	defer v.cellsMu.Unlock()
	c, ok := v.cells[k]
	if !ok {
		c = volume.NewCellCache(v.scope, loader, grid, req.Timepoint, req.Setup, req.Level)
		v.cells[k] = c
	}
	return c
}

func (v *View) setCurrent(cancel func()) {
	v.currentMu.Lock()
	v.current = cancel
	v.currentMu.Unlock()
}

func (v *View) cancelCurrent() {
	v.currentMu.Lock()
	cancel := v.current
	v.currentMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// NumFrames returns the number of frames rendered by the view.
func (v *View) NumFrames() int64 { return v.frames.Load() }

// IoNanoTime returns the total I/O time spent by the view's scope.
func (v *View) IoNanoTime() int64 { return v.scope.Stats().IoNanoTime() }
