package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is the process-local Store backend.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	lockMu sync.Mutex
	locks  map[string]*memoryMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		locks:   make(map[string]*memoryMutex),
	}
}

func (s *MemoryStore) Store(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()

		return nil, false, nil
	}

	return append([]byte(nil), entry.value...), true, nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)

	return ok, err
}

func (s *MemoryStore) Lock(key string) Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if m, ok := s.locks[key]; ok {
		return m
	}

	m := &memoryMutex{}
	s.locks[key] = m

	return m
}

func (s *MemoryStore) Close() error {
	return nil
}

type memoryMutex struct {
	mu sync.Mutex
}

func (m *memoryMutex) Lock(_ context.Context) error {
	m.mu.Lock()

	return nil
}

func (m *memoryMutex) Unlock() error {
	m.mu.Unlock()

	return nil
}
