package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory implements Store in-memory; intended for tests and local dev.
type Memory struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]json.RawMessage)}
}

// Get returns a copy of the value stored for key.
func (s *Memory) Get(_ context.Context, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return CloneValue(v), nil
}

// Set stores a copy of value under key.
func (s *Memory) Set(_ context.Context, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = CloneValue(value)
	return nil
}

// Delete removes key; deleting an absent key is a no-op.
func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// GetAll returns a copy of the full key space.
func (s *Memory) GetAll(_ context.Context) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneAll(s.values), nil
}

// Clear removes every key.
func (s *Memory) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]json.RawMessage)
	return nil
}
