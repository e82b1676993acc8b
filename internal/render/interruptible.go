// Package render projects cached volume data onto 2D rasters.
package render

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cellview/server/internal/cellcache"
)

// DefaultThreads is the number of band workers used by Map.
const DefaultThreads = 8

// Sampler reads source samples at target pixel coordinates. A sampler is
// used by one band worker only.
type Sampler[A any] interface {
	At(x, y int) A
}

// Source creates independent samplers, one per band. ctx is the render's
// context and must be honoured by any blocking load.
type Source[A any] interface {
	Sampler(ctx context.Context) Sampler[A]
}

// Converter maps one source sample to one target sample. It is called
// concurrently from all bands and must not have side effects.
type Converter[A, B any] func(A) B

// Target is the raster being rendered into.
type Target[B any] interface {
	Bounds() image.Rectangle
	Set(x, y int, v B)
}

// Interruptible renders a Source into a Target in parallel horizontal bands.
// A run stops early when Cancel is called, when ctx is done, or when the
// owning scope's I/O time since the start of the run exceeds the configured
// timeout. Rows already written by a cancelled run are left in place.
type Interruptible[A, B any] struct {
	source  Source[A]
	convert Converter[A, B]
	stats   *cellcache.IoStatistics
	metrics *Metrics

	mu        sync.Mutex
	ioTimeout int64
	onTimeout func()
	stop      context.CancelFunc

	canceled   atomic.Bool
	lastRender atomic.Int64
	lastIo     atomic.Int64
}

// NewInterruptible creates a renderer. stats belongs to the scope whose
// loads the source performs; it may be nil, in which case no I/O time is
// accounted and timeouts never fire.
func NewInterruptible[A, B any](source Source[A], convert Converter[A, B], stats *cellcache.IoStatistics, metrics *Metrics) *Interruptible[A, B] {
	r := &Interruptible[A, B]{
		source:    source,
		convert:   convert,
		stats:     stats,
		metrics:   metrics,
		ioTimeout: -1,
	}
	r.lastRender.Store(-1)
	r.lastIo.Store(-1)
	return r
}

// SetIoTimeout makes the following runs cancel themselves once more than
// nanos of I/O time have been spent since the run started. fn, if not nil,
// is called when that happens. A non-positive nanos disables the timeout.
func (r *Interruptible[A, B]) SetIoTimeout(nanos int64, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ioTimeout = nanos
	r.onTimeout = fn
}

// Map renders target with DefaultThreads workers.
func (r *Interruptible[A, B]) Map(ctx context.Context, target Target[B]) bool {
	return r.MapMultithreaded(ctx, target, DefaultThreads)
}

// MapMultithreaded renders target using at most numThreads concurrent band
// workers and reports whether the run completed.
func (r *Interruptible[A, B]) MapMultithreaded(ctx context.Context, target Target[B], numThreads int) bool {
	if numThreads < 1 {
		numThreads = 1
	}
	r.canceled.Store(false)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	r.mu.Lock()
	r.stop = stop
	ioTimeout, onTimeout := r.ioTimeout, r.onTimeout
	r.mu.Unlock()

	start := time.Now()
	var startIo int64
	if r.stats != nil {
		startIo = r.stats.IoNanoTime()
		if ioTimeout > 0 {
			r.stats.SetIoNanoTimeout(startIo+ioTimeout, func() {
				if onTimeout != nil {
					onTimeout()
				}
				r.canceled.Store(true)
				stop()
			})
		} else {
			r.stats.ClearIoNanoTimeout()
		}
	}

	bounds := target.Bounds()
	height := bounds.Dy()
	numTasks := bandCount(numThreads)

	var g errgroup.Group
	g.SetLimit(numThreads)
	for _, band := range splitBands(bounds.Min.Y, height, numTasks) {
		g.Go(func() error {
			r.renderBand(runCtx, target, bounds.Min.X, bounds.Max.X, band[0], band[1])
			return nil
		})
	}
	_ = g.Wait()
	if r.stats != nil {
		r.stats.ClearIoNanoTimeout()
	}

	r.mu.Lock()
	r.stop = nil
	r.mu.Unlock()

	total := time.Since(start).Nanoseconds()
	var io int64
	if r.stats != nil {
		io = r.stats.IoNanoTime() - startIo
	}
	r.lastIo.Store(io)
	r.lastRender.Store(total - io)

	if ctx.Err() != nil {
		r.canceled.Store(true)
	}
	complete := !r.canceled.Load()
	r.metrics.run(complete, time.Duration(total-io), time.Duration(io))
	return complete
}

// splitBands partitions height rows starting at minY into n contiguous
// [from, to) bands. The last band absorbs the rounding remainder.
// bandCount returns the number of bands a raster is split into for
// numThreads workers. A single thread still gets several bands.
func bandCount(numThreads int) int {
	return max(1, numThreads*4)
}

func splitBands(minY, height, n int) [][2]int {
	if n < 1 {
		n = 1
	}
	h := float64(height) / float64(n)
	bands := make([][2]int, 0, n)
	for i := 0; i < n; i++ {
		from := minY + int(float64(i)*h)
		to := minY + int(float64(i)*h+h)
		if i == n-1 {
			to = minY + height
		}
		if to > from {
			bands = append(bands, [2]int{from, to})
		}
	}
	return bands
}

func (r *Interruptible[A, B]) renderBand(ctx context.Context, target Target[B], minX, maxX, fromY, toY int) {
	sampler := r.source.Sampler(ctx)
	for y := fromY; y < toY; y++ {
		if r.interrupted(ctx) {
			return
		}
		for x := minX; x < maxX; x++ {
			target.Set(x, y, r.convert(sampler.At(x, y)))
		}
	}
}

func (r *Interruptible[A, B]) interrupted(ctx context.Context) bool {
	if r.canceled.Load() || ctx.Err() != nil {
		return true
	}
	if r.stats != nil {
		// Fires the timeout callback, which sets canceled.
		r.stats.CheckTimeout()
	}
	return r.canceled.Load()
}

// Cancel stops the current run. Bands notice on their next row; blocking
// loads issued through the run's context are released immediately.
func (r *Interruptible[A, B]) Cancel() {
	r.canceled.Store(true)
	if r.stats != nil {
		r.stats.SetIoNanoTimeout(r.stats.IoNanoTime(), nil)
	}

	r.mu.Lock()
	stop := r.stop
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// LastRenderNanos returns the wall time of the last run minus its I/O time,
// or -1 before the first run.
func (r *Interruptible[A, B]) LastRenderNanos() int64 { return r.lastRender.Load() }

// LastIoNanos returns the I/O time spent by the scope during the last run,
// or -1 before the first run.
func (r *Interruptible[A, B]) LastIoNanos() int64 { return r.lastIo.Load() }
