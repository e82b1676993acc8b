package cellcache

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

// FetchQueue is a multi-level priority queue of keys waiting for a
// background load. Level 0 is served first. Keys left over from earlier
// frames sit in a holding area that is only served once all levels are empty.
type FetchQueue struct {
	mu       sync.Mutex
	levels   []*deque.Deque[Key]
	prefetch *deque.Deque[Key]

	// prefetchCapacity bounds the holding area; 0 means unbounded.
	prefetchCapacity int

	// signal is closed and replaced whenever keys are added.
	signal chan struct{}
}

// NewFetchQueue creates a queue with numLevels priority levels.
func NewFetchQueue(numLevels, prefetchCapacity int) *FetchQueue {
	if numLevels < 1 {
		numLevels = 1
	}
	q := &FetchQueue{
		levels:           make([]*deque.Deque[Key], numLevels),
		prefetch:         deque.New[Key](),
		prefetchCapacity: prefetchCapacity,
		signal:           make(chan struct{}),
	}
	for i := range q.levels {
		q.levels[i] = deque.New[Key]()
	}
	return q
}

// NumLevels returns the number of priority levels.
func (q *FetchQueue) NumLevels() int { return len(q.levels) }

// Put adds key at the given priority level, at the head if toFront is set.
// Out-of-range levels are clamped.
func (q *FetchQueue) Put(key Key, level int, toFront bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d := q.levels[q.clamp(level)]
	if toFront {
		d.PushFront(key)
	} else {
		d.PushBack(key)
	}
	q.notifyLocked()
}

// Take blocks until a key is available and returns the one with the highest
// priority. It returns ctx's error if ctx is done first.
func (q *FetchQueue) Take(ctx context.Context) (Key, error) {
	for {
		q.mu.Lock()
		if key, ok := q.pollLocked(); ok {
			q.mu.Unlock()
			return key, nil
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return Key{}, ctx.Err()
		}
	}
}

// Poll returns the highest priority key without blocking.
func (q *FetchQueue) Poll() (Key, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pollLocked()
}

func (q *FetchQueue) pollLocked() (Key, bool) {
	for _, d := range q.levels {
		if d.Len() > 0 {
			return d.PopFront(), true
		}
	}
	if q.prefetch.Len() > 0 {
		return q.prefetch.PopFront(), true
	}
	return Key{}, false
}

// Clear moves all pending keys into the holding area. Keys of the frame just
// finished go in front of older leftovers, level 0 first, keeping their
// order within a level. Nothing is dropped unless the holding area has a
// capacity, in which case the oldest leftovers go first.
func (q *FetchQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(q.levels) - 1; i >= 0; i-- {
		d := q.levels[i]
		for d.Len() > 0 {
			q.prefetch.PushFront(d.PopBack())
		}
	}
	if q.prefetchCapacity > 0 {
		for q.prefetch.Len() > q.prefetchCapacity {
			q.prefetch.PopBack()
		}
	}
}

// Purge drops every pending key, including the holding area.
func (q *FetchQueue) Purge() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, d := range q.levels {
		d.Clear()
	}
	q.prefetch.Clear()
}

// Len returns the total number of pending keys.
func (q *FetchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.prefetch.Len()
	for _, d := range q.levels {
		n += d.Len()
	}
	return n
}

// LevelLens returns the number of pending keys per level followed by the
// size of the holding area.
func (q *FetchQueue) LevelLens() []int {
	q.mu.Lock()
	defer q.mu.Unlock()

	lens := make([]int, 0, len(q.levels)+1)
	for _, d := range q.levels {
		lens = append(lens, d.Len())
	}
	return append(lens, q.prefetch.Len())
}

func (q *FetchQueue) clamp(level int) int {
	if level < 0 {
		return 0
	}
	if level >= len(q.levels) {
		return len(q.levels) - 1
	}
	return level
}

func (q *FetchQueue) notifyLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}
