package store

import (
	"context"
	"sync"
)

// MemoryStore implements StateStore without persistence. Used by tests and
// for single-run deployments that do not need crash recovery.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Upsert(_ context.Context, collection, key string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[collection]
	if !ok {
		c = make(map[string][]byte)
		s.data[collection] = c
	}
	cp := make([]byte, len(doc))
	copy(cp, doc)
	c[key] = cp
	return nil
}

func (s *MemoryStore) GetAll(_ context.Context, collection string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.data[collection]))
	for k, v := range s.data[collection] {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.data[collection]; ok {
		delete(c, key)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
