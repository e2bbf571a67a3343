package template

import (
	"sync"
	"sync/atomic"
)

// Sequencer assigns strictly increasing generation ids, starting at 1.
type Sequencer struct {
	last atomic.Uint64
}

// Stamp returns a copy of t carrying the next generation id.
func (s *Sequencer) Stamp(t *BlockTemplate) *BlockTemplate {
	stamped := *t
	stamped.Generation = s.last.Add(1)
	return &stamped
}

func (s *Sequencer) Last() uint64 {
	return s.last.Load()
}

// Snapshot publishes the current template. Readers never block writers; waiters are
// woken on every Store.
type Snapshot struct {
	current atomic.Pointer[BlockTemplate]

	lock    sync.Mutex
	changed chan struct{}
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		changed: make(chan struct{}),
	}
}

// Load returns the current template, nil before the first Store.
func (s *Snapshot) Load() *BlockTemplate {
	return s.current.Load()
}

func (s *Snapshot) Generation() uint64 {
	if t := s.current.Load(); t != nil {
		return t.Generation
	}
	return 0
}

// IsCurrent reports whether generation is the published one.
func (s *Snapshot) IsCurrent(generation uint64) bool {
	return generation != 0 && s.Generation() == generation
}

// Store publishes t and returns the replaced template.
func (s *Snapshot) Store(t *BlockTemplate) (previous *BlockTemplate) {
	s.lock.Lock()
	defer s.lock.Unlock()
	previous = s.current.Swap(t)
	close(s.changed)
	s.changed = make(chan struct{})
	return previous
}

// Changed returns a channel closed on the next Store.
func (s *Snapshot) Changed() <-chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.changed
}
