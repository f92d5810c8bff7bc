package ledger

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and offline verification.
type MemoryStore struct {
	mu       sync.Mutex
	chain    []Block
	tampered bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadChain(_ context.Context) ([]Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneChain(m.chain), nil
}

func (m *MemoryStore) UpdateChain(_ context.Context, fn func([]Block) ([]Block, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(cloneChain(m.chain))
	if err != nil {
		return err
	}
	m.chain = cloneChain(next)
	return nil
}

func (m *MemoryStore) SetTampered(_ context.Context, tampered bool) error {
	m.mu.Lock()
	m.tampered = tampered
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Tampered(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tampered, nil
}

func cloneChain(chain []Block) []Block {
	if chain == nil {
		return nil
	}
	out := make([]Block, len(chain))
	copy(out, chain)
	for i := range out {
		out[i].Signals = append([]string(nil), chain[i].Signals...)
	}
	return out
}
