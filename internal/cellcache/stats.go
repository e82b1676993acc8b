package cellcache

import (
	"sync"
	"time"
)

// IoStatistics tracks the time a scope spends blocked on I/O and optionally
// holds the scope's per-frame IoTimeBudget.
type IoStatistics struct {
	mu      sync.Mutex
	running int
	started time.Time
	ioNanos int64

	timeoutAt int64
	timeoutFn func()
	armed     bool

	budget *IoTimeBudget

	// now is replaced in tests.
	now func() time.Time
}

// NewIoStatistics creates statistics with no budget and no timeout.
func NewIoStatistics() *IoStatistics {
	return &IoStatistics{now: time.Now}
}

// Start opens a measured window. Windows may nest; the clock runs while at
// least one is open.
func (s *IoStatistics) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running == 0 {
		s.started = s.now()
	}
	s.running++
}

// Stop closes a window opened by Start and returns the cumulative I/O time.
// An armed timeout that has been crossed fires here.
func (s *IoStatistics) Stop() int64 {
	s.mu.Lock()
	if s.running > 0 {
		s.running--
		if s.running == 0 {
			s.ioNanos += s.now().Sub(s.started).Nanoseconds()
		}
	}
	t := s.ioNanoTimeLocked()
	fn := s.takeTimeoutLocked(t)
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
	return t
}

// IoNanoTime returns the cumulative I/O time including any open window.
func (s *IoStatistics) IoNanoTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ioNanoTimeLocked()
}

func (s *IoStatistics) ioNanoTimeLocked() int64 {
	t := s.ioNanos
	if s.running > 0 {
		t += s.now().Sub(s.started).Nanoseconds()
	}
	return t
}

// SetIoNanoTimeout arms fn to run once when the cumulative I/O time exceeds
// deadline. fn may be nil.
func (s *IoStatistics) SetIoNanoTimeout(deadline int64, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timeoutAt = deadline
	s.timeoutFn = fn
	s.armed = true
}

// ClearIoNanoTimeout disarms any timeout.
func (s *IoStatistics) ClearIoNanoTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timeoutFn = nil
	s.armed = false
}

// CheckTimeout fires an armed timeout if the deadline has been crossed and
// reports whether it did.
func (s *IoStatistics) CheckTimeout() bool {
	s.mu.Lock()
	fn := s.takeTimeoutLocked(s.ioNanoTimeLocked())
	fired := fn != nil
	s.mu.Unlock()

	if fired {
		fn()
	}
	return fired
}

func (s *IoStatistics) takeTimeoutLocked(t int64) func() {
	if !s.armed || t <= s.timeoutAt {
		return nil
	}
	fn := s.timeoutFn
	s.armed = false
	s.timeoutFn = nil
	return fn
}

// Budget returns the budget, or nil if none was initialised. A nil budget
// means unlimited and must be checked before use.
func (s *IoStatistics) Budget() *IoTimeBudget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget
}

// InitBudget creates the budget on first use and resets it from partial.
func (s *IoStatistics) InitBudget(numLevels int, partial []int64) *IoTimeBudget {
	s.mu.Lock()
	if s.budget == nil {
		s.budget = NewIoTimeBudget(numLevels)
	}
	b := s.budget
	s.mu.Unlock()

	b.Reset(partial)
	return b
}
