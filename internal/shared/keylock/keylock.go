// Package keylock serializes work per string key.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Set hands out one mutex per key. Entries are dropped once no goroutine
// holds or waits for them, so the map stays bounded by concurrency rather
// than by the number of keys ever seen.
type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock set
func New() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// Lock blocks until key is held and returns its release func.
func (s *Set) Lock(key string) (unlock func()) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.entries, key)
		}
		s.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
