package volume

import (
	"context"
	"sync/atomic"

	"github.com/cellview/server/internal/render"
)

// SliceSource samples the z-plane Z of a CellCache. Target pixel (x, y) maps
// to voxel (x+OffsetX, y+OffsetY, Z). Voxels outside the volume and voxels
// of cells that are not loaded sample as 0.
type SliceSource struct {
	Cells   *CellCache
	Z       int64
	OffsetX int64
	OffsetY int64

	missing atomic.Bool
}

// Missing reports whether a sampled voxel belonged to a cell that was not
// loaded.
func (s *SliceSource) Missing() bool { return s.missing.Load() }

// Sampler implements render.Source.
func (s *SliceSource) Sampler(ctx context.Context) render.Sampler[float32] {
	return &sliceSampler{src: s, ctx: ctx, index: -1}
}

type sliceSampler struct {
	src   *SliceSource
	ctx   context.Context
	index int
	cell  *Cell
}

func (s *sliceSampler) At(x, y int) float32 {
	vx := int64(x) + s.src.OffsetX
	vy := int64(y) + s.src.OffsetY
	vz := s.src.Z

	g := s.src.Cells.Grid()
	if !g.Contains(vx, vy, vz) {
		return 0
	}
	index := g.CellOf(vx, vy, vz)
	if index != s.index {
		s.cell = s.src.Cells.Load(s.ctx, index)
		s.index = index
		if !s.cell.Valid() {
			s.src.missing.Store(true)
		}
	}
	return s.cell.At(vx, vy, vz)
}
