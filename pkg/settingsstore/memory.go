package settingsstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store, used in tests in place of SQLiteStore.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
	c    *coalescer
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string), c: newCoalescer()}
}

func (m *MemoryStore) GetString(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key], nil
}

func (m *MemoryStore) SetString(ctx context.Context, key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	m.c.notify(key)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	m.c.notify(key)
	return nil
}

func (m *MemoryStore) Subscribe(keys []string, fn func(key string)) func() {
	return m.c.subscribe(keys, fn)
}

var _ Store = (*MemoryStore)(nil)
