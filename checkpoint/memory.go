package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory checkpoint store for tests.
type MemoryStore struct {
	mu       sync.Mutex
	current  *Checkpoint
	archived []Checkpoint

	// LoadErr and SaveErr, when set, are returned by the respective
	// operations to simulate an unreachable store.
	LoadErr error
	SaveErr error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	if s.current == nil {
		return nil, ErrNotFound
	}
	cp := *s.current
	return &cp, nil
}

func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	merged := *cp
	if s.current != nil {
		merged.TotalEvents = s.current.TotalEvents + cp.EventsSinceSave
		merged.SaveCount = s.current.SaveCount + 1
	} else {
		merged.TotalEvents = cp.EventsSinceSave
		merged.SaveCount = 1
	}
	s.current = &merged
	return nil
}

func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.archived = append(s.archived, *s.current)
		s.current = nil
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// SetSaveErr changes the injected save error while the store is in
// use by another goroutine.
func (s *MemoryStore) SetSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveErr = err
}

// Archived returns the archived checkpoints, newest last.
func (s *MemoryStore) Archived() []Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Checkpoint, len(s.archived))
	copy(out, s.archived)
	return out
}
