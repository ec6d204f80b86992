// Package lockset provides per-key mutual exclusion for entities that must not be
// mutated concurrently, such as a grant's workflow or a milestone's release.
package lockset

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Set is a collection of mutexes keyed by string. The zero value is ready to use.
type Set struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// Lock blocks until key is held by the caller and returns the matching unlock func.
func (s *Set) Lock(key string) func() {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = map[string]*entry{}
	}
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

// TryLock acquires key only if nobody holds or waits for it.
func (s *Set) TryLock(key string) (func(), bool) {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = map[string]*entry{}
	}
	if _, busy := s.locks[key]; busy {
		s.mu.Unlock()
		return nil, false
	}
	e := &entry{refs: 1}
	e.mu.Lock()
	s.locks[key] = e
	s.mu.Unlock()
	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}, true
}

// Len reports how many keys are currently held or awaited.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
