package cellcache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scope is one caller's handle into a shared Cache, typically one per view.
// It owns the caller's I/O statistics and time budget.
type Scope struct {
	c     *Cache
	stats *IoStatistics
}

// NewScope creates a scope with fresh statistics and no budget.
func (c *Cache) NewScope() *Scope {
	return &Scope{c: c, stats: NewIoStatistics()}
}

// Cache returns the cache the scope belongs to.
func (s *Scope) Cache() *Cache { return s.c }

// Stats returns the scope's I/O statistics.
func (s *Scope) Stats() *IoStatistics { return s.stats }

// InitIoTimeBudget (re-)initialises the time the scope may spend blocking on
// loads in the coming frame. partial holds nanoseconds for levels 0..n; later
// levels reuse the last value.
func (s *Scope) InitIoTimeBudget(partial []int64) {
	s.stats.InitBudget(s.c.cfg.NumLevels, partial)
}

// GetIfCached returns the value for key if an entry exists, applying hints
// to it. A present value is not necessarily valid.
func (s *Scope) GetIfCached(ctx context.Context, key Key, hints Hints) (Value, bool) {
	e := s.c.store.Get(key)
	if e == nil {
		return nil, false
	}
	s.loadWithHints(ctx, e, hints)
	return e.Value(), true
}

// CreateOrGet returns the value for key, creating an empty entry with loader
// if none exists, and applies hints to it.
func (s *Scope) CreateOrGet(ctx context.Context, key Key, hints Hints, loader Loader) Value {
	e, _ := s.c.store.PutIfAbsent(key, loader)
	s.loadWithHints(ctx, e, hints)
	return e.Value()
}

func (s *Scope) loadWithHints(ctx context.Context, e *Entry, hints Hints) {
	valid := e.IsValid()
	s.c.metrics.request(hints.Strategy, valid)
	if valid {
		return
	}

	switch hints.Strategy {
	case Blocking:
		s.loadBlocking(ctx, e)
	case Budgeted:
		s.loadOrEnqueue(ctx, e, hints.Priority, hints.EnqueueToFront)
	case DontLoad:
	default:
		s.c.enqueue(e, hints.Priority, hints.EnqueueToFront)
	}
}

// loadBlocking loads e, retrying across interruptions. It gives up only if
// ctx is done or the loader fails outright.
func (s *Scope) loadBlocking(ctx context.Context, e *Entry) {
	for !e.IsValid() {
		s.stats.Start()
		loaded, err := e.load(ctx)
		s.stats.Stop()

		switch {
		case err == nil:
			if loaded {
				s.c.metrics.loaded("blocking")
			}
			return
		case IsInterrupted(err):
			if ctx.Err() != nil {
				return
			}
		default:
			s.c.metrics.loadFailed()
			s.c.log.Warn("blocking load failed", zap.Stringer("key", e.key), zap.Error(err))
			return
		}
	}
}

// loadOrEnqueue queues e and, while the budget for priority lasts, waits for
// whoever loads it. The time actually waited is charged to the budget.
func (s *Scope) loadOrEnqueue(ctx context.Context, e *Entry, priority int, toFront bool) {
	budget := s.stats.Budget()
	if budget == nil {
		// No budget means unlimited.
		s.loadBlocking(ctx, e)
		return
	}

	timeLeft := budget.TimeLeft(priority)
	if timeLeft <= 0 {
		s.c.enqueue(e, priority, toFront)
		return
	}
	if e.IsValid() {
		return
	}

	s.c.enqueue(e, priority, toFront)

	s.stats.Start()
	t0 := s.stats.IoNanoTime()
	e.wait(ctx, time.Duration(timeLeft))
	t1 := s.stats.Stop()

	used := t1 - t0
	budget.Use(used, priority)
	s.c.metrics.budgetWait(time.Duration(used))
}
