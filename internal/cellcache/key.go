// Package cellcache provides an asynchronous, priority-scheduled cache for
// fixed-size cells of multi-resolution, multi-timepoint, multi-setup volumes.
//
// Callers ask for a cell through a Scope. Missing cells are created empty and,
// depending on the loading strategy, loaded synchronously, loaded within a
// per-frame I/O time budget, or handed to a pool of background fetchers while
// the (possibly invalid) value is returned immediately.
package cellcache

import (
	"context"
	"errors"
	"fmt"
)

// ErrInterrupted is returned by loads that were interrupted before finishing.
// It is never terminal: the entry stays invalid and may be loaded again.
var ErrInterrupted = errors.New("cellcache: load interrupted")

// KeyID is the identity part of a Key and is used as the map key of the store.
type KeyID struct {
	Timepoint int
	Setup     int
	Level     int
	Index     int
}

func (id KeyID) String() string {
	return fmt.Sprintf("t%d/s%d/l%d/%d", id.Timepoint, id.Setup, id.Level, id.Index)
}

// Key identifies a cell. CellDims and CellMin are only carried along to build
// the value; they are not part of the identity.
type Key struct {
	Timepoint int
	Setup     int
	Level     int
	Index     int

	CellDims []int
	CellMin  []int64
}

// ID returns the identity of the key.
func (k Key) ID() KeyID {
	return KeyID{Timepoint: k.Timepoint, Setup: k.Setup, Level: k.Level, Index: k.Index}
}

// Equal reports whether k and o address the same cache slot.
func (k Key) Equal(o Key) bool {
	return k.ID() == o.ID()
}

func (k Key) String() string {
	return k.ID().String()
}

// Value is a cached cell value. An invalid value is a placeholder that can be
// used for display but does not hold loaded data yet.
type Value interface {
	Valid() bool
}

// Loader produces values for keys.
type Loader interface {
	// CreateEmpty returns the invalid placeholder installed for a new entry.
	CreateEmpty(key Key) Value
	// Load produces the valid value. It must return an error matching
	// ErrInterrupted (or the ctx error) when ctx is cancelled.
	Load(ctx context.Context, key Key) (Value, error)
}

// IsInterrupted reports whether err signals an interrupted load.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
