package resourcefilter

import (
	"runtime"
	"sync"
	"weak"
)

// identitySet remembers objects by identity without keeping them alive. Entries disappear once the
// object is garbage collected.
type identitySet[T any] struct {
	mu      sync.Mutex
	members map[weak.Pointer[T]]struct{}
}

func newIdentitySet[T any]() *identitySet[T] {
	return &identitySet[T]{members: make(map[weak.Pointer[T]]struct{})}
}

// claim adds p and reports whether it was absent.
func (s *identitySet[T]) claim(p *T) bool {
	wp := weak.Make(p)
	s.mu.Lock()
	if _, ok := s.members[wp]; ok {
		s.mu.Unlock()
		return false
	}
	s.members[wp] = struct{}{}
	s.mu.Unlock()
	runtime.AddCleanup(p, s.forget, wp)
	return true
}

func (s *identitySet[T]) contains(p *T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[weak.Make(p)]
	return ok
}

func (s *identitySet[T]) forget(wp weak.Pointer[T]) {
	s.mu.Lock()
	delete(s.members, wp)
	s.mu.Unlock()
}

func (s *identitySet[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

func weakOf[T any](p *T) weak.Pointer[T] {
	return weak.Make(p)
}
