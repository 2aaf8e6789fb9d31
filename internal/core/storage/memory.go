package storage

import (
	"sort"
	"sync"
)

// MemoryBackend keeps entries in a map. It lives as long as the process.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]string)}
}

func (m *MemoryBackend) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *MemoryBackend) Set(key, value string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.entries[key]
	m.entries[key] = value
	return old, ok, nil
}

func (m *MemoryBackend) Delete(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	return old, ok, nil
}

// Keys returns all keys in lexical order.
func (m *MemoryBackend) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }
