package render

import (
	"context"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellview/server/internal/cellcache"
)

// gradient samples x+y*1000, optionally sleeping inside a measured I/O window
// to simulate cache misses.
type gradient struct {
	stats   *cellcache.IoStatistics
	ioDelay time.Duration
	samples atomic.Int64
}

func (g *gradient) Sampler(ctx context.Context) Sampler[int] {
	return gradientSampler{g: g}
}

type gradientSampler struct{ g *gradient }

func (s gradientSampler) At(x, y int) int {
	s.g.samples.Add(1)
	if s.g.ioDelay > 0 && x == 0 {
		s.g.stats.Start()
		time.Sleep(s.g.ioDelay)
		s.g.stats.Stop()
	}
	return x + y*1000
}

type intTarget struct {
	bounds image.Rectangle
	pix    []int
}

func newIntTarget(r image.Rectangle) *intTarget {
	t := &intTarget{bounds: r, pix: make([]int, r.Dx()*r.Dy())}
	for i := range t.pix {
		t.pix[i] = -1
	}
	return t
}

func (t *intTarget) Bounds() image.Rectangle { return t.bounds }

func (t *intTarget) Set(x, y int, v int) {
	t.pix[(y-t.bounds.Min.Y)*t.bounds.Dx()+(x-t.bounds.Min.X)] = v
}

func (t *intTarget) at(x, y int) int {
	return t.pix[(y-t.bounds.Min.Y)*t.bounds.Dx()+(x-t.bounds.Min.X)]
}

func identity(v int) int { return v }

func TestSplitBands(t *testing.T) {
	tests := []struct {
		name         string
		minY, height int
		n            int
		want         [][2]int
	}{
		{"even", 0, 8, 4, [][2]int{{0, 2}, {2, 4}, {4, 6}, {6, 8}}},
		{"remainder to last", 10, 10, 4, [][2]int{{10, 12}, {12, 15}, {15, 17}, {17, 20}}},
		{"more bands than rows", 0, 2, 4, [][2]int{{0, 1}, {1, 2}}},
		{"single", 5, 3, 1, [][2]int{{5, 8}}},
		{"empty", 0, 0, 4, [][2]int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitBands(tt.minY, tt.height, tt.n))
		})
	}
}

func TestBandCount(t *testing.T) {
	assert.Equal(t, 1, bandCount(0))
	assert.Equal(t, 4, bandCount(1))
	assert.Equal(t, 32, bandCount(8))
}

func TestInterruptible_CompletesFullRaster(t *testing.T) {
	src := &gradient{}
	r := NewInterruptible[int, int](src, identity, cellcache.NewIoStatistics(), nil)
	target := newIntTarget(image.Rect(3, 7, 40, 50))

	require.True(t, r.MapMultithreaded(context.Background(), target, 3))

	for y := 7; y < 50; y++ {
		for x := 3; x < 40; x++ {
			require.Equal(t, x+y*1000, target.at(x, y), "pixel %d,%d", x, y)
		}
	}
	assert.Equal(t, int64(37*43), src.samples.Load())
	assert.GreaterOrEqual(t, r.LastRenderNanos(), int64(0))
	assert.Equal(t, int64(0), r.LastIoNanos())
}

func TestInterruptible_MapUsesDefaultThreads(t *testing.T) {
	r := NewInterruptible[int, int](&gradient{}, identity, nil, NewMetrics(nil))
	target := newIntTarget(image.Rect(0, 0, 16, 100))

	assert.Equal(t, int64(-1), r.LastIoNanos())
	assert.True(t, r.Map(context.Background(), target))
	assert.Equal(t, 15+99*1000, target.at(15, 99))
}

func TestInterruptible_IoTimeoutCancels(t *testing.T) {
	stats := cellcache.NewIoStatistics()
	src := &gradient{stats: stats, ioDelay: 2 * time.Millisecond}
	r := NewInterruptible[int, int](src, identity, stats, nil)

	var fired atomic.Int32
	r.SetIoTimeout((5 * time.Millisecond).Nanoseconds(), func() { fired.Add(1) })

	target := newIntTarget(image.Rect(0, 0, 4, 400))
	complete := r.MapMultithreaded(context.Background(), target, 1)

	assert.False(t, complete)
	assert.Equal(t, int32(1), fired.Load())
	assert.Less(t, src.samples.Load(), int64(4*400))
	assert.GreaterOrEqual(t, r.LastIoNanos(), (5 * time.Millisecond).Nanoseconds())

	// Rows not reached keep their prior contents.
	assert.Equal(t, -1, target.at(0, 399))

	// Disabling the timeout lets the next run complete.
	r.SetIoTimeout(0, nil)
	src.ioDelay = 0
	assert.True(t, r.MapMultithreaded(context.Background(), target, 2))
	assert.Equal(t, 399000, target.at(0, 399))
}

func TestInterruptible_CancelFromAnotherGoroutine(t *testing.T) {
	stats := cellcache.NewIoStatistics()
	src := &gradient{stats: stats, ioDelay: time.Millisecond}
	r := NewInterruptible[int, int](src, identity, stats, nil)

	done := make(chan bool, 1)
	go func() {
		done <- r.MapMultithreaded(context.Background(), newIntTarget(image.Rect(0, 0, 2, 2000)), 2)
	}()

	time.Sleep(10 * time.Millisecond)
	r.Cancel()

	select {
	case complete := <-done:
		assert.False(t, complete)
	case <-time.After(2 * time.Second):
		t.Fatal("render did not stop after Cancel")
	}
	assert.Less(t, src.samples.Load(), int64(2*2000))
}

func TestInterruptible_ContextCancelled(t *testing.T) {
	r := NewInterruptible[int, int](&gradient{}, identity, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	target := newIntTarget(image.Rect(0, 0, 8, 8))
	assert.False(t, r.Map(ctx, target))
	assert.Equal(t, -1, target.at(0, 0))
}

func TestImageTarget_RendersColors(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 5, 5))
	toColor := func(v int) color.RGBA { return color.RGBA{R: uint8(v % 256), A: 255} }

	r := NewInterruptible[int, color.RGBA](&gradient{}, toColor, nil, nil)
	require.True(t, r.MapMultithreaded(context.Background(), NewImageTarget(img), 2))

	assert.Equal(t, color.RGBA{R: 4, A: 255}, img.RGBAAt(4, 0))
	assert.Equal(t, color.RGBA{R: 186, A: 255}, img.RGBAAt(2, 3))
}
