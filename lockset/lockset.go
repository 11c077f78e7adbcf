// Package lockset provides keyed mutexes so that mutations of one entity are
// serialized while different entities proceed in parallel.
package lockset

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Set hands out one exclusive lock per key. Entries are reference counted and
// dropped once no goroutine holds or waits on them.
type Set struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Set {
	return &Set{locks: make(map[string]*entry)}
}

// Lock blocks until the caller owns key and returns the matching unlock.
func (s *Set) Lock(key string) func() {
	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Len reports the number of keys currently held or awaited.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
