package store

import (
	"context"
	"sync"
)

type memoryEntry struct {
	value   []byte
	version int64
}

// MemoryBackend is an in-memory Backend for tests and ephemeral agents.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memoryEntry)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, 0, nil
	}
	return append([]byte(nil), e.value...), e.version, nil
}

func (m *MemoryBackend) Put(_ context.Context, key string, value []byte, expect int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.entries[key]
	if cur.version != expect {
		return 0, ErrConflict
	}
	next := memoryEntry{value: append([]byte(nil), value...), version: expect + 1}
	m.entries[key] = next
	return next.version, nil
}

func (m *MemoryBackend) Ping(_ context.Context) error {
	return nil
}
