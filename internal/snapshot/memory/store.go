// Package memory stores snapshots in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Store keeps snapshot payloads in a map and returns pseudo URIs.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewStore creates an in-memory snapshot store.
func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

// PutObject persists the content and returns a memory:// URI.
func (s *Store) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns a stored payload, if present.
func (s *Store) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	return data, ok
}
