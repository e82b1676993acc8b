package volume

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellview/server/internal/cellcache"
	"github.com/cellview/server/internal/render"
)

func TestGrid_Geometry(t *testing.T) {
	g := Grid{Dims: [3]int64{10, 7, 3}, CellDims: [3]int{4, 4, 2}}
	require.NoError(t, g.Validate())

	assert.Equal(t, [3]int64{3, 2, 2}, g.GridDims())
	assert.Equal(t, 12, g.NumCells())

	for i := 0; i < g.NumCells(); i++ {
		assert.Equal(t, i, g.CellIndex(g.CellPos(i)))
	}

	dims, min := g.CellGeometry(g.CellIndex([3]int64{2, 1, 1}))
	assert.Equal(t, []int{2, 3, 1}, dims)
	assert.Equal(t, []int64{8, 4, 2}, min)

	assert.Equal(t, g.CellIndex([3]int64{2, 1, 1}), g.CellOf(9, 6, 2))
	assert.True(t, g.Contains(9, 6, 2))
	assert.False(t, g.Contains(10, 0, 0))
	assert.False(t, g.Contains(0, -1, 0))

	assert.Error(t, Grid{Dims: [3]int64{1, 1, 0}, CellDims: [3]int{1, 1, 1}}.Validate())
}

// rampArrays fills each voxel with x + 100*y + 10000*z.
type rampArrays struct {
	loads atomic.Int32
	fail  error
}

func (a *rampArrays) EmptyArray(dims []int) []float32 { return nil }

func (a *rampArrays) LoadArray(ctx context.Context, timepoint, setup, level int, dims []int, min []int64) ([]float32, error) {
	if a.fail != nil {
		return nil, a.fail
	}
	a.loads.Add(1)
	out := make([]float32, 0, dims[0]*dims[1]*dims[2])
	for z := int64(0); z < int64(dims[2]); z++ {
		for y := int64(0); y < int64(dims[1]); y++ {
			for x := int64(0); x < int64(dims[0]); x++ {
				out = append(out, float32((min[0]+x)+100*(min[1]+y)+10000*(min[2]+z)))
			}
		}
	}
	return out, nil
}

func newScope(t *testing.T, cfg cellcache.Config) *cellcache.Scope {
	t.Helper()
	c, err := cellcache.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c.NewScope()
}

func TestCellLoader(t *testing.T) {
	arrays := &rampArrays{}
	loader := CellLoader{Arrays: arrays}
	key := cellcache.Key{Level: 1, Index: 3, CellDims: []int{2, 2, 1}, CellMin: []int64{4, 2, 5}}

	empty := loader.CreateEmpty(key).(*Cell)
	assert.False(t, empty.Valid())
	assert.Equal(t, float32(0), empty.At(4, 2, 5))

	v, err := loader.Load(context.Background(), key)
	require.NoError(t, err)
	cell := v.(*Cell)
	assert.True(t, cell.Valid())
	assert.Equal(t, float32(5+100*3+10000*5), cell.At(5, 3, 5))

	arrays.fail = errors.New("short read")
	_, err = loader.Load(context.Background(), key)
	assert.Error(t, err)
}

func TestCellCache_BlockingLoad(t *testing.T) {
	scope := newScope(t, cellcache.Config{NumLevels: 2})
	arrays := &rampArrays{}
	g := Grid{Dims: [3]int64{8, 8, 8}, CellDims: [3]int{4, 4, 4}}
	cells := NewCellCache(scope, CellLoader{Arrays: arrays}, g, 0, 0, 1)

	_, ok := cells.Get(context.Background(), 0)
	assert.False(t, ok)

	cells.SetHints(cellcache.Hints{Strategy: cellcache.Blocking, Priority: 1})
	cell := cells.Load(context.Background(), g.CellOf(5, 1, 6))
	require.True(t, cell.Valid())
	assert.Equal(t, float32(5+100*1+10000*6), cell.At(5, 1, 6))

	got, ok := cells.Get(context.Background(), g.CellOf(5, 1, 6))
	require.True(t, ok)
	assert.Same(t, cell, got)
	assert.Equal(t, int32(1), arrays.loads.Load())
}

type floatTarget struct {
	mu     sync.Mutex
	bounds image.Rectangle
	pix    map[image.Point]float32
}

func (t *floatTarget) Bounds() image.Rectangle { return t.bounds }

func (t *floatTarget) Set(x, y int, v float32) {
	t.mu.Lock()
	t.pix[image.Pt(x, y)] = v
	t.mu.Unlock()
}

func TestSliceSource_RendersPlane(t *testing.T) {
	scope := newScope(t, cellcache.Config{NumLevels: 1})
	g := Grid{Dims: [3]int64{10, 10, 4}, CellDims: [3]int{3, 3, 2}}
	cells := NewCellCache(scope, CellLoader{Arrays: &rampArrays{}}, g, 0, 0, 0)
	cells.SetHints(cellcache.Hints{Strategy: cellcache.Blocking})

	src := &SliceSource{Cells: cells, Z: 3, OffsetX: 2, OffsetY: -1}
	target := &floatTarget{bounds: image.Rect(0, 0, 9, 6), pix: map[image.Point]float32{}}

	r := render.NewInterruptible[float32, float32](src, func(v float32) float32 { return v }, scope.Stats(), nil)
	require.True(t, r.MapMultithreaded(context.Background(), target, 2))

	// Row 0 maps to y = -1, outside the volume.
	assert.Equal(t, float32(0), target.pix[image.Pt(4, 0)])
	assert.Equal(t, float32((4+2)+100*(3-1)+10000*3), target.pix[image.Pt(4, 3)])
	// x = 8+2 lies past the right border.
	assert.Equal(t, float32(0), target.pix[image.Pt(8, 3)])
	assert.Len(t, target.pix, 9*6)
	assert.False(t, src.Missing())
}

func TestSliceSource_MissingWithDontLoad(t *testing.T) {
	scope := newScope(t, cellcache.Config{NumLevels: 1})
	g := Grid{Dims: [3]int64{4, 4, 1}, CellDims: [3]int{2, 2, 1}}
	cells := NewCellCache(scope, CellLoader{Arrays: &rampArrays{}}, g, 0, 0, 0)
	cells.SetHints(cellcache.Hints{Strategy: cellcache.DontLoad})

	src := &SliceSource{Cells: cells}
	target := &floatTarget{bounds: image.Rect(0, 0, 4, 4), pix: map[image.Point]float32{}}
	r := render.NewInterruptible[float32, float32](src, func(v float32) float32 { return v }, scope.Stats(), nil)

	require.True(t, r.Map(context.Background(), target))
	assert.True(t, src.Missing())
	assert.Equal(t, float32(0), target.pix[image.Pt(3, 3)])
}

func TestSliceSource_VolatileThenFetched(t *testing.T) {
	c, err := cellcache.New(cellcache.Config{NumLevels: 1, NumFetchers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	scope := c.NewScope()

	g := Grid{Dims: [3]int64{8, 8, 1}, CellDims: [3]int{4, 4, 1}}
	cells := NewCellCache(scope, CellLoader{Arrays: &rampArrays{}}, g, 0, 0, 0)
	src := &SliceSource{Cells: cells}
	target := &floatTarget{bounds: image.Rect(0, 0, 8, 8), pix: map[image.Point]float32{}}
	r := render.NewInterruptible[float32, float32](src, func(v float32) float32 { return v }, scope.Stats(), nil)

	require.True(t, r.Map(context.Background(), target))
	require.Eventually(t, func() bool {
		return c.Store().CountValid() == g.NumCells()
	}, 2*time.Second, 5*time.Millisecond)

	c.PrepareNextFrame()
	require.True(t, r.Map(context.Background(), target))
	assert.Equal(t, float32(7+100*5), target.pix[image.Pt(7, 5)])
}
