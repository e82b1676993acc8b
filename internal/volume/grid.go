// Package volume describes cell-gridded 3D image volumes and adapts them to
// the cell cache and the renderer.
package volume

import "fmt"

// Grid partitions a volume of Dims voxels (x, y, z) into cells of CellDims.
// Cells on the upper border are truncated to the volume.
type Grid struct {
	Dims     [3]int64
	CellDims [3]int
}

// Validate checks the grid for non-positive extents.
func (g Grid) Validate() error {
	for d := 0; d < 3; d++ {
		if g.Dims[d] <= 0 || g.CellDims[d] <= 0 {
			return fmt.Errorf("invalid grid: dims %v cell dims %v", g.Dims, g.CellDims)
		}
	}
	return nil
}

// GridDims returns the number of cells along each axis.
func (g Grid) GridDims() [3]int64 {
	var n [3]int64
	for d := 0; d < 3; d++ {
		c := int64(g.CellDims[d])
		n[d] = (g.Dims[d] + c - 1) / c
	}
	return n
}

// NumCells returns the total number of cells.
func (g Grid) NumCells() int {
	n := g.GridDims()
	return int(n[0] * n[1] * n[2])
}

// CellIndex returns the flat index of the cell at grid position pos. x
// varies fastest.
func (g Grid) CellIndex(pos [3]int64) int {
	n := g.GridDims()
	return int(pos[0] + n[0]*(pos[1]+n[1]*pos[2]))
}

// CellPos is the inverse of CellIndex.
func (g Grid) CellPos(index int) [3]int64 {
	n := g.GridDims()
	i := int64(index)
	return [3]int64{i % n[0], (i / n[0]) % n[1], i / (n[0] * n[1])}
}

// Contains reports whether voxel (x, y, z) lies inside the volume.
func (g Grid) Contains(x, y, z int64) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < g.Dims[0] && y < g.Dims[1] && z < g.Dims[2]
}

// CellOf returns the index of the cell containing voxel (x, y, z). The voxel
// must be inside the volume.
func (g Grid) CellOf(x, y, z int64) int {
	return g.CellIndex([3]int64{
		x / int64(g.CellDims[0]),
		y / int64(g.CellDims[1]),
		z / int64(g.CellDims[2]),
	})
}

// CellGeometry returns the extent and the minimum voxel of cell index.
func (g Grid) CellGeometry(index int) (dims []int, min []int64) {
	pos := g.CellPos(index)
	dims = make([]int, 3)
	min = make([]int64, 3)
	for d := 0; d < 3; d++ {
		c := int64(g.CellDims[d])
		min[d] = pos[d] * c
		dims[d] = int(minInt64(c, g.Dims[d]-min[d]))
	}
	return dims, min
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
