package cellcache

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type testValue struct {
	valid bool
	index int
}

func (v *testValue) Valid() bool { return v.valid }

// testLoader counts loads. If gate is set, loads wait for it (or ctx).
// The first failInterrupted loads fail with ErrInterrupted.
type testLoader struct {
	loads           atomic.Int32
	attempts        atomic.Int32
	gate            chan struct{}
	failInterrupted int32
	err             error
}

func (l *testLoader) CreateEmpty(key Key) Value {
	return &testValue{index: key.Index}
}

func (l *testLoader) Load(ctx context.Context, key Key) (Value, error) {
	n := l.attempts.Add(1)
	if n <= l.failInterrupted {
		return nil, ErrInterrupted
	}
	if l.err != nil {
		return nil, l.err
	}
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	l.loads.Add(1)
	return &testValue{valid: true, index: key.Index}, nil
}

func testKey(index int) Key {
	return Key{Timepoint: 0, Setup: 0, Level: 0, Index: index, CellDims: []int{4, 4, 4}, CellMin: []int64{0, 0, int64(index) * 4}}
}

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}
