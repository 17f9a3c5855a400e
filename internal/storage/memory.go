package storage

import (
	"strings"
	"sync"

	"github.com/google/btree"
)

type memItem struct {
	key   string
	value []byte
}

func memLess(a, b memItem) bool { return a.key < b.key }

// Memory is an in-process KV ordered by key. Nothing survives Close.
type Memory struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[memItem]
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tree: btree.NewG(16, memLess)}
}

func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	it, ok := m.tree.Get(memItem{key: key})
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), it.value...), true, nil
}

func (m *Memory) Set(key string, value []byte) error {
	return m.Batch([]Pair{{Key: key, Value: value}})
}

func (m *Memory) Batch(pairs []Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, p := range pairs {
		m.tree.ReplaceOrInsert(memItem{key: p.Key, value: append([]byte(nil), p.Value...)})
	}
	return nil
}

func (m *Memory) Each(prefix string, fn func(key string, value []byte) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	var items []memItem
	m.tree.AscendGreaterOrEqual(memItem{key: prefix}, func(it memItem) bool {
		if !strings.HasPrefix(it.key, prefix) {
			return false
		}
		items = append(items, it)
		return true
	})
	m.mu.RUnlock()

	for _, it := range items {
		if err := fn(it.key, append([]byte(nil), it.value...)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}
