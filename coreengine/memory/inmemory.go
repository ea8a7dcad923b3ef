package memory

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps memories in process. Used for tests and the default
// "memory" backend.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Memory
	byID    map[string]int
	now     func() time.Time
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID: make(map[string]int),
		now:  time.Now,
	}
}

func (s *InMemoryStore) Append(ctx context.Context, m Memory) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m = prepare(m, s.now())
	if _, exists := s.byID[m.ID]; exists {
		return nil, ErrDuplicateID
	}
	s.byID[m.ID] = len(s.records)
	s.records = append(s.records, m)

	out := m
	return &out, nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := s.records[idx]
	return &out, nil
}

func (s *InMemoryStore) ExistsByID(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok, nil
}

// RecentByUser walks records backwards, so insertion order breaks
// timestamp ties.
func (s *InMemoryStore) RecentByUser(ctx context.Context, userID string, limit int) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Memory
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].UserID != userID {
			continue
		}
		out = append(out, s.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored memories.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *InMemoryStore) Close() error { return nil }

var _ Store = (*InMemoryStore)(nil)
