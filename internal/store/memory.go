package store

import (
	"bytes"
	"sort"
	"sync"
)

// MemStore is an ephemeral Store used by tests and by the memory backend.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (m *MemStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return nil, ErrClosed
	}
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (m *MemStore) Write(b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return ErrClosed
	}
	b.Replay(
		func(k, v []byte) { m.data[string(k)] = clone(v) },
		func(k []byte) { delete(m.data, string(k)) },
	)
	return nil
}

func (m *MemStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.RLock()
	if m.data == nil {
		m.mu.RUnlock()
		return ErrClosed
	}
	keys := make([]string, 0)
	values := make(map[string][]byte)
	for k, v := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
			values[k] = clone(v)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), values[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return ErrClosed
	}
	m.data = nil
	return nil
}
