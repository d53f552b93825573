package storage

import (
	"context"
	"fmt"
	"sync"
)

var _ SecureStore = (*InMemoryStore)(nil)

// InMemoryStore keeps items for the lifetime of the process.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items: make(map[string]string),
	}
}

func (s *InMemoryStore) GetItem(_ context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, fmt.Errorf("key is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.items[key]
	return value, ok, nil
}

func (s *InMemoryStore) SetItem(_ context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = value
	return nil
}

func (s *InMemoryStore) RemoveItem(_ context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

// Len reports the number of stored items.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
