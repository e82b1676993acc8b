package cellcache

import (
	"sync"
)

// Store maps cell identities to entries. Creation is serialised by a single
// lock held only for check-and-insert, never during a load.
type Store struct {
	mu      sync.RWMutex
	entries map[KeyID]*Entry
	policy  ReclaimPolicy
}

// NewStore creates an empty store. A nil policy retains everything.
func NewStore(policy ReclaimPolicy) *Store {
	if policy == nil {
		policy = RetainAll{}
	}
	return &Store{
		entries: make(map[KeyID]*Entry),
		policy:  policy,
	}
}

// Get returns the entry for key, or nil. It never triggers a load.
func (s *Store) Get(key Key) *Entry {
	s.mu.RLock()
	e := s.entries[key.ID()]
	s.mu.RUnlock()

	if e != nil {
		s.policy.Touch(e)
	}
	return e
}

// PutIfAbsent returns the entry for key, installing a new one built from
// loader if none exists. Concurrent callers for the same identity all get the
// entry installed by the first of them; created reports whether this call
// installed it.
func (s *Store) PutIfAbsent(key Key, loader Loader) (e *Entry, created bool) {
	id := key.ID()

	s.mu.Lock()
	if existing := s.entries[id]; existing != nil {
		s.mu.Unlock()
		s.policy.Touch(existing)
		return existing, false
	}
	e = newEntry(key, loader, s.policy.Admit)
	s.entries[id] = e
	s.mu.Unlock()

	s.policy.Admit(e)
	return e, true
}

// FinalizeRemovedCacheEntries forgets all entries the reclaim policy has
// released since the last sweep and returns how many were removed.
func (s *Store) FinalizeRemovedCacheEntries() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if e.Reclaimed() {
			delete(s.entries, id)
			s.policy.Forget(id)
			removed++
		}
	}
	return removed
}

// Clear forgets every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[KeyID]*Entry)
	s.mu.Unlock()

	s.policy.Purge()
}

// Len returns the number of entries, valid or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// CountValid returns the number of entries holding loaded values.
func (s *Store) CountValid() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if e.IsValid() {
			n++
		}
	}
	return n
}
