package volume

import (
	"context"
	"fmt"

	"github.com/cellview/server/internal/cellcache"
)

// Cell is the cached value of one grid cell. Data is laid out with x varying
// fastest. An invalid cell carries placeholder data.
type Cell struct {
	Dims  []int
	Min   []int64
	Data  []float32
	valid bool
}

// Valid implements cellcache.Value.
func (c *Cell) Valid() bool { return c.valid }

// At returns the sample at global voxel (x, y, z), or 0 if the cell has no
// data for it.
func (c *Cell) At(x, y, z int64) float32 {
	lx := x - c.Min[0]
	ly := y - c.Min[1]
	lz := z - c.Min[2]
	i := lx + int64(c.Dims[0])*(ly+int64(c.Dims[1])*lz)
	if i < 0 || i >= int64(len(c.Data)) {
		return 0
	}
	return c.Data[i]
}

// ArrayLoader reads the voxels of one cell. Implementations must be safe for
// concurrent use with distinct cells.
type ArrayLoader interface {
	// EmptyArray returns placeholder data for a cell that is not loaded
	// yet. It may return nil.
	EmptyArray(dims []int) []float32
	// LoadArray reads the cell of extent dims at min. It returns an error
	// satisfying cellcache.IsInterrupted if ctx is cancelled.
	LoadArray(ctx context.Context, timepoint, setup, level int, dims []int, min []int64) ([]float32, error)
}

// CellLoader adapts an ArrayLoader to cellcache.Loader.
type CellLoader struct {
	Arrays ArrayLoader
}

// CreateEmpty implements cellcache.Loader.
func (l CellLoader) CreateEmpty(key cellcache.Key) cellcache.Value {
	return &Cell{
		Dims: key.CellDims,
		Min:  key.CellMin,
		Data: l.Arrays.EmptyArray(key.CellDims),
	}
}

// Load implements cellcache.Loader.
func (l CellLoader) Load(ctx context.Context, key cellcache.Key) (cellcache.Value, error) {
	data, err := l.Arrays.LoadArray(ctx, key.Timepoint, key.Setup, key.Level, key.CellDims, key.CellMin)
	if err != nil {
		return nil, err
	}
	n := 1
	for _, d := range key.CellDims {
		n *= d
	}
	if len(data) < n {
		return nil, fmt.Errorf("cell %s: got %d samples, want %d", key.ID(), len(data), n)
	}
	return &Cell{Dims: key.CellDims, Min: key.CellMin, Data: data, valid: true}, nil
}
