package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps histories in process memory; they are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	closed  bool
}

var _ HistoryStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Load(_ context.Context, name string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, ErrStoreClosed
	}
	rec, ok := s.records[name]
	if !ok {
		return Record{}, ErrNotFound
	}
	return Record{Roles: rec.Roles.Clone(), UpdatedAt: rec.UpdatedAt}, nil
}

func (s *MemoryStore) Save(_ context.Context, name string, history History) error {
	if name == "" {
		return ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.records[name] = Record{Roles: history.Clone(), UpdatedAt: time.Now()}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.records, name)
	return nil
}

func (s *MemoryStore) All(_ context.Context) (map[string]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make(map[string]Record, len(s.records))
	for name, rec := range s.records {
		out[name] = Record{Roles: rec.Roles.Clone(), UpdatedAt: rec.UpdatedAt}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
