package volume

import (
	"context"
	"sync"

	"github.com/cellview/server/internal/cellcache"
)

// CellCache exposes the cells of one (timepoint, setup, level) image through
// a cache scope. Requests are made with the hints last set by SetHints.
type CellCache struct {
	scope     *cellcache.Scope
	loader    cellcache.Loader
	grid      Grid
	timepoint int
	setup     int
	level     int

	mu    sync.RWMutex
	hints cellcache.Hints
}

// NewCellCache creates a cell cache view. The default hints request
// volatile loads at the image's level.
func NewCellCache(scope *cellcache.Scope, loader cellcache.Loader, grid Grid, timepoint, setup, level int) *CellCache {
	return &CellCache{
		scope:     scope,
		loader:    loader,
		grid:      grid,
		timepoint: timepoint,
		setup:     setup,
		level:     level,
		hints:     cellcache.Hints{Strategy: cellcache.Volatile, Priority: level},
	}
}

// Grid returns the cell grid.
func (c *CellCache) Grid() Grid { return c.grid }

// SetHints changes the hints used for subsequent requests.
func (c *CellCache) SetHints(h cellcache.Hints) {
	c.mu.Lock()
	c.hints = h
	c.mu.Unlock()
}

// Hints returns the current hints.
func (c *CellCache) Hints() cellcache.Hints {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hints
}

func (c *CellCache) key(index int) cellcache.Key {
	dims, min := c.grid.CellGeometry(index)
	return cellcache.Key{
		Timepoint: c.timepoint,
		Setup:     c.setup,
		Level:     c.level,
		Index:     index,
		CellDims:  dims,
		CellMin:   min,
	}
}

// Get returns the cell if it has been requested before.
func (c *CellCache) Get(ctx context.Context, index int) (*Cell, bool) {
	v, ok := c.scope.GetIfCached(ctx, c.key(index), c.Hints())
	if !ok {
		return nil, false
	}
	return v.(*Cell), true
}

// Load returns the cell, creating its cache entry if needed. The returned
// cell may be invalid depending on the hints.
func (c *CellCache) Load(ctx context.Context, index int) *Cell {
	return c.scope.CreateOrGet(ctx, c.key(index), c.Hints(), c.loader).(*Cell)
}
