package cellcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is a single cache slot. The invalid→valid transition happens under mu
// and closes ready, which releases every waiter at once.
type Entry struct {
	key    Key
	loader Loader

	mu    sync.Mutex
	value atomic.Value // holds valueBox
	ready chan struct{}

	enqueueFrame atomic.Int64
	reclaimed    atomic.Bool

	// onLoad is called after a successful load, outside mu.
	onLoad func(*Entry)
}

// valueBox keeps atomic.Value happy with differing concrete Value types.
type valueBox struct{ v Value }

func newEntry(key Key, loader Loader, onLoad func(*Entry)) *Entry {
	e := &Entry{
		key:    key,
		loader: loader,
		ready:  make(chan struct{}),
		onLoad: onLoad,
	}
	e.value.Store(valueBox{loader.CreateEmpty(key)})
	e.enqueueFrame.Store(-1)
	return e
}

// Key returns the key the entry was created with.
func (e *Entry) Key() Key { return e.key }

// Value returns the current value, valid or not.
func (e *Entry) Value() Value {
	return e.value.Load().(valueBox).v
}

// IsValid reports whether the value has been loaded. It never blocks.
func (e *Entry) IsValid() bool {
	v := e.Value()
	return v != nil && v.Valid()
}

// Reclaimed reports whether the reclaim policy has released the entry.
func (e *Entry) Reclaimed() bool { return e.reclaimed.Load() }

// EnqueueFrame returns the last frame the entry was queued for, or -1.
func (e *Entry) EnqueueFrame() int64 { return e.enqueueFrame.Load() }

// LoadIfNotValid loads the value unless it is already valid. Concurrent calls
// are serialised on the entry lock, so at most one of them runs the loader.
func (e *Entry) LoadIfNotValid(ctx context.Context) error {
	_, err := e.load(ctx)
	return err
}

// load is LoadIfNotValid that also reports whether this call did the load.
func (e *Entry) load(ctx context.Context) (bool, error) {
	loaded, err := e.loadLocked(ctx)
	if err != nil {
		return false, err
	}
	if loaded && e.onLoad != nil {
		e.onLoad(e)
	}
	return loaded, nil
}

func (e *Entry) loadLocked(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.IsValid() {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}

	v, err := e.loader.Load(ctx, e.key)
	if err != nil {
		if IsInterrupted(err) {
			return false, fmt.Errorf("%w: %s: %v", ErrInterrupted, e.key, err)
		}
		return false, fmt.Errorf("load %s: %w", e.key, err)
	}
	if v == nil || !v.Valid() {
		return false, fmt.Errorf("load %s: loader returned an invalid value", e.key)
	}

	e.value.Store(valueBox{v})
	close(e.ready)
	return true, nil
}

// wait blocks until the entry is valid, d elapses, or ctx is done. It reports
// whether the entry became valid.
func (e *Entry) wait(ctx context.Context, d time.Duration) bool {
	if e.IsValid() {
		return true
	}
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-e.ready:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	return e.IsValid()
}

// Ready returns a channel that is closed once the entry becomes valid.
func (e *Entry) Ready() <-chan struct{} { return e.ready }

// tryReclaim marks the entry as released. The store forgets it on the next sweep.
func (e *Entry) tryReclaim() {
	e.reclaimed.Store(true)
}

// markEnqueued stamps the entry with frame and reports whether the caller won
// the right to enqueue it for that frame.
func (e *Entry) markEnqueued(frame int64) bool {
	for {
		cur := e.enqueueFrame.Load()
		if cur >= frame {
			return false
		}
		if e.enqueueFrame.CompareAndSwap(cur, frame) {
			return true
		}
	}
}
