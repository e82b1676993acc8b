package cellcache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Fetcher is a background worker draining the FetchQueue. It can be paused
// without losing queued work.
type Fetcher struct {
	id    int
	cache *Cache

	mu         sync.Mutex
	pauseUntil time.Time
	cancelOp   context.CancelFunc
	loading    bool

	wake chan struct{}
}

func newFetcher(id int, c *Cache) *Fetcher {
	return &Fetcher{
		id:    id,
		cache: c,
		wake:  make(chan struct{}, 1),
	}
}

// ID returns the fetcher's index in the pool.
func (f *Fetcher) ID() int { return f.id }

func (f *Fetcher) run(ctx context.Context) {
	log := f.cache.log.With(zap.Int("fetcher", f.id))
	log.Debug("fetcher started")
	defer log.Debug("fetcher stopped")

	var (
		key  Key
		have bool
	)
	for ctx.Err() == nil {
		if !have {
			if !f.waitWhilePaused(ctx) {
				return
			}
			opCtx := f.beginOp(ctx)
			k, err := f.cache.queue.Take(opCtx)
			f.endOp()
			if err != nil {
				// Interrupted by a pause or by shutdown; the loop condition decides.
				continue
			}
			key, have = k, true
		}

		if !f.waitWhilePaused(ctx) {
			return
		}

		e := f.cache.store.Get(key)
		if e == nil || e.IsValid() {
			have = false
			continue
		}

		opCtx := f.beginOp(ctx)
		f.setLoading(true)
		loaded, err := e.load(opCtx)
		f.setLoading(false)
		interrupted := opCtx.Err() != nil
		f.endOp()

		switch {
		case err == nil:
			if loaded {
				f.cache.metrics.loaded("fetcher")
			}
		case IsInterrupted(err) && interrupted:
			// Paused or shutting down: keep the key and try again.
			continue
		case IsInterrupted(err):
			log.Debug("load interrupted", zap.Stringer("key", key), zap.Error(err))
		default:
			f.cache.metrics.loadFailed()
			log.Warn("load failed", zap.Stringer("key", key), zap.Error(err))
		}
		have = false
	}
}

// beginOp returns a context cancelled by PauseUntil. If a pause is already
// pending the context is returned cancelled.
func (f *Fetcher) beginOp(ctx context.Context) context.Context {
	opCtx, cancel := context.WithCancel(ctx)

	f.mu.Lock()
	f.cancelOp = cancel
	paused := f.pauseUntil.After(time.Now())
	f.mu.Unlock()

	if paused {
		cancel()
	}
	return opCtx
}

func (f *Fetcher) endOp() {
	f.mu.Lock()
	cancel := f.cancelOp
	f.cancelOp = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (f *Fetcher) setLoading(v bool) {
	f.mu.Lock()
	f.loading = v
	f.mu.Unlock()
}

// waitWhilePaused blocks while a pause deadline lies in the future. It
// returns false if ctx is done.
func (f *Fetcher) waitWhilePaused(ctx context.Context) bool {
	for {
		f.mu.Lock()
		d := time.Until(f.pauseUntil)
		f.mu.Unlock()
		if d <= 0 {
			return true
		}

		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-f.wake:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
		timer.Stop()
	}
}

// PauseUntil suspends loading until t. A take or load in progress is
// interrupted so the pause takes effect promptly; its key is retried later.
func (f *Fetcher) PauseUntil(t time.Time) {
	f.mu.Lock()
	f.pauseUntil = t
	cancel := f.cancelOp
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// WakeUp ends any pause immediately.
func (f *Fetcher) WakeUp() {
	f.mu.Lock()
	f.pauseUntil = time.Time{}
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Paused reports whether a pause deadline lies in the future.
func (f *Fetcher) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauseUntil.After(time.Now())
}

// Loading reports whether the fetcher is running a load right now.
func (f *Fetcher) Loading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loading
}
