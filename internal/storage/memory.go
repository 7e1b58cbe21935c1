package storage

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.RWMutex
	mapping map[int64]string
	dedup   map[string]time.Time
}

// NewMemory returns a Store that lives only as long as the process.
func NewMemory() Store {
	return &memoryStore{mapping: map[int64]string{}, dedup: map[string]time.Time{}}
}

func (s *memoryStore) Get(_ context.Context, identity int64) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.mapping[identity]
	return v, ok, nil
}

func (s *memoryStore) Set(_ context.Context, identity int64, accountID string) error {
	s.mu.Lock()
	s.mapping[identity] = accountID
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) All(context.Context) (map[int64]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMapping(s.mapping), nil
}

func (s *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.dedup[key] = until
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.dedup[key]
	return v, ok, nil
}

func (s *memoryStore) Close() error { return nil }
