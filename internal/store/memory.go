package store

import (
	"context"
	"sync"
)

type memoryBackend struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore returns a credential store that lives as long as the process.
func NewMemoryStore() *Store {
	return &Store{b: &memoryBackend{values: make(map[string]string)}}
}

func (b *memoryBackend) get(_ context.Context, key string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.values[key], nil
}

func (b *memoryBackend) set(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	return nil
}

func (b *memoryBackend) del(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.values, k)
	}
	return nil
}

func (b *memoryBackend) close() error { return nil }
