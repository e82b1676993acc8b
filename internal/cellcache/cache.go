package cellcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Strategy selects what a request does with a cell that is not loaded yet.
type Strategy int

const (
	// Volatile never blocks: the cell is queued for a fetcher and the current
	// (possibly invalid) value is returned.
	Volatile Strategy = iota
	// Blocking loads the cell before returning.
	Blocking
	// Budgeted queues the cell and blocks for at most the remaining I/O time
	// budget of the request's priority level.
	Budgeted
	// DontLoad neither loads nor queues.
	DontLoad
)

func (s Strategy) String() string {
	switch s {
	case Volatile:
		return "volatile"
	case Blocking:
		return "blocking"
	case Budgeted:
		return "budgeted"
	case DontLoad:
		return "dontload"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses the names returned by Strategy.String.
func ParseStrategy(name string) (Strategy, error) {
	for _, s := range []Strategy{Volatile, Blocking, Budgeted, DontLoad} {
		if s.String() == name {
			return s, nil
		}
	}
	return Volatile, fmt.Errorf("unknown loading strategy: %q", name)
}

// Hints tell the cache how to handle a request.
type Hints struct {
	Strategy Strategy
	// Priority is the fetch queue level, usually the resolution level.
	Priority int
	// EnqueueToFront puts the key at the head of its level.
	EnqueueToFront bool
}

// Config contains cache configuration.
type Config struct {
	// NumLevels is the highest resolution level plus one.
	NumLevels int
	// NumFetchers is the number of background fetchers.
	NumFetchers int
	// MaxLoadedCells bounds the cells, loaded or pending, retained by an LRU
	// policy.
	// Zero retains everything.
	MaxLoadedCells int
	// PrefetchCapacity bounds the fetch queue's holding area; zero is unbounded.
	PrefetchCapacity int
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithReclaimPolicy overrides the policy derived from Config.MaxLoadedCells.
func WithReclaimPolicy(p ReclaimPolicy) Option {
	return func(c *Cache) { c.policy = p }
}

// Cache ties together the store, the fetch queue, the fetchers and the frame
// counter. It is created per owner and shared by all views of that owner.
type Cache struct {
	cfg     Config
	log     *zap.Logger
	metrics *Metrics
	policy  ReclaimPolicy

	store *Store
	queue *FetchQueue
	frame atomic.Int64

	fetchers  []*Fetcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a cache and starts its fetchers.
func New(cfg Config, opts ...Option) (*Cache, error) {
	if cfg.NumLevels < 1 {
		cfg.NumLevels = 1
	}
	if cfg.NumFetchers < 0 {
		cfg.NumFetchers = 0
	}

	c := &Cache{
		cfg: cfg,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.policy == nil {
		if cfg.MaxLoadedCells > 0 {
			p, err := NewLRUPolicy(cfg.MaxLoadedCells)
			if err != nil {
				return nil, err
			}
			c.policy = p
		} else {
			c.policy = RetainAll{}
		}
	}

	c.store = NewStore(c.policy)
	c.queue = NewFetchQueue(cfg.NumLevels, cfg.PrefetchCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	for i := 0; i < cfg.NumFetchers; i++ {
		f := newFetcher(i, c)
		c.fetchers = append(c.fetchers, f)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			f.run(ctx)
		}()
	}

	c.log.Info("cell cache started",
		zap.Int("levels", cfg.NumLevels),
		zap.Int("fetchers", cfg.NumFetchers),
		zap.Int("max_loaded_cells", cfg.MaxLoadedCells),
	)
	return c, nil
}

// Close stops the fetchers and waits for them to exit.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
	return nil
}

// NumLevels returns the number of priority levels.
func (c *Cache) NumLevels() int { return c.cfg.NumLevels }

// Frame returns the current frame number.
func (c *Cache) Frame() int64 { return c.frame.Load() }

// Store returns the underlying store.
func (c *Cache) Store() *Store { return c.store }

// Queue returns the underlying fetch queue.
func (c *Cache) Queue() *FetchQueue { return c.queue }

// Fetchers returns the background fetchers.
func (c *Cache) Fetchers() []*Fetcher { return c.fetchers }

// PrepareNextFrame moves the pending fetch requests to the holding area,
// forgets reclaimed entries and advances the frame counter, which makes
// every entry eligible for queueing again. The owner of the render loop must
// call it exactly once between frames.
func (c *Cache) PrepareNextFrame() {
	c.queue.Clear()
	removed := c.store.FinalizeRemovedCacheEntries()
	frame := c.frame.Add(1)

	c.metrics.frame(c.store.Len(), c.queue.Len(), removed)
	if removed > 0 {
		c.log.Debug("swept reclaimed cells", zap.Int64("frame", frame), zap.Int("removed", removed))
	}
}

// ClearCache forgets every entry and every pending request.
func (c *Cache) ClearCache() {
	c.store.Clear()
	c.queue.Purge()
	c.PrepareNextFrame()
	c.log.Info("cell cache cleared")
}

// PauseFetchersFor pauses all fetchers for d.
func (c *Cache) PauseFetchersFor(d time.Duration) {
	c.PauseFetchersUntil(time.Now().Add(d))
}

// PauseFetchersUntil pauses all fetchers until t.
func (c *Cache) PauseFetchersUntil(t time.Time) {
	for _, f := range c.fetchers {
		f.PauseUntil(t)
	}
}

// WakeFetchers ends any pause immediately.
func (c *Cache) WakeFetchers() {
	for _, f := range c.fetchers {
		f.WakeUp()
	}
}

// enqueue puts e on the fetch queue unless it was already queued this frame.
func (c *Cache) enqueue(e *Entry, priority int, toFront bool) bool {
	if !e.markEnqueued(c.frame.Load()) {
		return false
	}
	c.queue.Put(e.key, priority, toFront)
	c.metrics.enqueued()
	return true
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Frame          int64 `json:"frame"`
	Entries        int   `json:"entries"`
	ValidEntries   int   `json:"valid_entries"`
	Queued         int   `json:"queued"`
	QueuedPerLevel []int `json:"queued_per_level"`
	Prefetch       int   `json:"prefetch"`
	Fetchers       int   `json:"fetchers"`
	PausedFetchers int   `json:"paused_fetchers"`
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	lens := c.queue.LevelLens()
	st := Stats{
		Frame:          c.Frame(),
		Entries:        c.store.Len(),
		ValidEntries:   c.store.CountValid(),
		QueuedPerLevel: lens[:len(lens)-1],
		Prefetch:       lens[len(lens)-1],
		Fetchers:       len(c.fetchers),
	}
	for _, n := range lens {
		st.Queued += n
	}
	for _, f := range c.fetchers {
		if f.Paused() {
			st.PausedFetchers++
		}
	}
	return st
}
