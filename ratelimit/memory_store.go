package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process CounterStore. It backs tests and the
// single-instance deployment mode where no redis is configured.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	now      func() time.Time
}

type memCounter struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore builds an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memCounter),
		now:      time.Now,
	}
}

func (s *MemoryStore) get(key string) *memCounter {
	c, ok := s.counters[key]
	if !ok || s.now().After(c.expiresAt) {
		return nil
	}
	return c
}

// CheckAndIncr implements CounterStore.
func (s *MemoryStore) CheckAndIncr(_ context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(key)
	if c == nil {
		if limit <= 0 {
			return 0, false, nil
		}
		s.counters[key] = &memCounter{count: 1, expiresAt: s.now().Add(ttl)}
		return 1, true, nil
	}
	if c.count >= limit {
		return c.count, false, nil
	}
	c.count++
	return c.count, true, nil
}

// Decr implements CounterStore.
func (s *MemoryStore) Decr(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.get(key); c != nil && c.count > 0 {
		c.count--
	}
	return nil
}

// Ping implements CounterStore.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}
