package cellcache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ReclaimPolicy decides how long entries stay retained. Released entries
// are only marked; the store forgets them lazily on the next sweep.
type ReclaimPolicy interface {
	// Admit is called when an entry is created and again once it has
	// become valid.
	Admit(e *Entry)
	// Touch is called when a retained entry is accessed.
	Touch(e *Entry)
	// Forget is called after the store has removed the entry for id.
	Forget(id KeyID)
	// Purge drops every reference.
	Purge()
}

// RetainAll never reclaims anything.
type RetainAll struct{}

func (RetainAll) Admit(*Entry) {}

func (RetainAll) Touch(*Entry) {}

func (RetainAll) Forget(KeyID) {}

func (RetainAll) Purge() {}

// LRUPolicy keeps at most a fixed number of entries, loaded or still
// pending; the least recently used entry beyond that is reclaimed.
type LRUPolicy struct {
	retained *lru.Cache[KeyID, *Entry]
}

// NewLRUPolicy creates an LRU reclaim policy holding at most size entries.
func NewLRUPolicy(size int) (*LRUPolicy, error) {
	retained, err := lru.NewWithEvict[KeyID, *Entry](size, func(_ KeyID, e *Entry) {
		e.tryReclaim()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lru policy: %w", err)
	}
	return &LRUPolicy{retained: retained}, nil
}

// Admit retains e. An entry reclaimed while its load was in flight is
// retained again once the load lands.
func (p *LRUPolicy) Admit(e *Entry) {
	e.reclaimed.Store(false)
	p.retained.Add(e.key.ID(), e)
}

func (p *LRUPolicy) Touch(e *Entry) {
	p.retained.Get(e.key.ID())
}

func (p *LRUPolicy) Forget(id KeyID) {
	p.retained.Remove(id)
}

// Purge drops all retained entries. Purged entries are marked reclaimed.
func (p *LRUPolicy) Purge() {
	p.retained.Purge()
}

// Len returns the number of retained entries.
func (p *LRUPolicy) Len() int {
	return p.retained.Len()
}
