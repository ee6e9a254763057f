package bus

import "sync"

// Scope groups handler registrations that belong to one mounted view (the
// conversation list, an open thread). Close removes all of them at once, so
// switching conversations cannot leak handlers bound to the previous one.
type Scope struct {
	bus    *Bus
	mu     sync.Mutex
	offs   []func()
	closed bool
}

// NewScope creates an empty scope on b.
func (b *Bus) NewScope() *Scope {
	return &Scope{bus: b}
}

// On registers h on the underlying bus and tracks it in the scope.
// Registering on a closed scope is a no-op.
func (s *Scope) On(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.offs = append(s.offs, s.bus.On(name, h))
}

// Close unregisters every handler added through the scope.
func (s *Scope) Close() {
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.closed = true
	s.mu.Unlock()
	for _, off := range offs {
		off()
	}
}
