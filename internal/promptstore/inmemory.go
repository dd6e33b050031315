package promptstore

import (
	"context"
	"sync"
)

// InMemoryStore is used when no database is configured, and by tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	prompts map[string]string
	lookups int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{prompts: make(map[string]string)}
}

func (s *InMemoryStore) Set(callID, prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[callID] = prompt
}

func (s *InMemoryStore) LookupPrompt(_ context.Context, callID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	prompt, ok := s.prompts[callID]
	if !ok {
		return "", ErrNotFound
	}
	return prompt, nil
}

// Lookups reports how many lookups reached the store.
func (s *InMemoryStore) Lookups() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookups
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
