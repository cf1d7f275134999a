package jobs

import (
	"fmt"
	"sync"
)

// Store is a concurrency-safe table of job records keyed by id.
//
// Mutate runs fn on the live record while the store is locked, so a state
// check and the transition it guards are one atomic step; readers never
// observe a half-updated record. Get and List hand out clones.
type Store interface {
	Create(j *Job) error
	Get(id string) (*Job, error)
	Mutate(id string, fn func(*Job) error) (*Job, error)
	// List returns records in submission order, optionally filtered to a
	// single state ("" means all).
	List(filter State) ([]*Job, error)
	Close() error
}

// MemoryStore is the default, non-persistent Store.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Job
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Job)}
}

func (s *MemoryStore) Create(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[j.ID]; exists {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	s.byID[j.ID] = j.Clone()
	s.order = append(s.order, j.ID)
	return nil
}

func (s *MemoryStore) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Mutate(id string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	// fn works on a clone; the record only changes when fn succeeds.
	work := j.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	s.byID[id] = work
	return work.Clone(), nil
}

func (s *MemoryStore) List(filter State) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		j := s.byID[id]
		if filter != "" && j.State != filter {
			continue
		}
		out = append(out, j.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
