package cellcache

import (
	"sync"
)

// IoTimeBudget is the time (in nanoseconds) a scope may spend blocking on
// loads per frame, per priority level. Levels are drained independently.
type IoTimeBudget struct {
	mu     sync.Mutex
	budget []int64
}

// NewIoTimeBudget creates an exhausted budget for numLevels levels.
func NewIoTimeBudget(numLevels int) *IoTimeBudget {
	if numLevels < 1 {
		numLevels = 1
	}
	return &IoTimeBudget{budget: make([]int64, numLevels)}
}

// Reset re-initialises the budget from partial. Levels beyond len(partial)
// get the last supplied value. A level never gets more than the level
// before it.
func (b *IoTimeBudget) Reset(partial []int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(partial) == 0 {
		for i := range b.budget {
			b.budget[i] = 0
		}
		return
	}
	for i := range b.budget {
		v := partial[len(partial)-1]
		if i < len(partial) {
			v = partial[i]
		}
		if i > 0 && v > b.budget[i-1] {
			v = b.budget[i-1]
		}
		b.budget[i] = v
	}
}

// TimeLeft returns the remaining nanoseconds for level. It is zero or
// negative when the level is exhausted or out of range.
func (b *IoTimeBudget) TimeLeft(level int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if level < 0 || level >= len(b.budget) {
		return 0
	}
	return b.budget[level]
}

// Use charges nanos to level. The remainder may become negative.
func (b *IoTimeBudget) Use(nanos int64, level int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if level < 0 || level >= len(b.budget) {
		return
	}
	b.budget[level] -= nanos
}

// NumLevels returns the number of priority levels.
func (b *IoTimeBudget) NumLevels() int {
	return len(b.budget)
}

// Snapshot returns a copy of the remaining time per level.
func (b *IoTimeBudget) Snapshot() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]int64, len(b.budget))
	copy(out, b.budget)
	return out
}
