// Package storage provides the key-value store the node persists its address
// book, committed blocks and commit cursor through. Three backends share one
// interface: SQLite (default, with file backups), Badger and an in-memory
// B-tree used by tests and throwaway nodes.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Pair is one key/value write.
type Pair struct {
	Key   string
	Value []byte
}

// KV is the persistence boundary used by the node.
type KV interface {
	// Get returns the value stored at key. ok is false when the key is absent.
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	// Batch writes all pairs atomically.
	Batch(pairs []Pair) error
	// Each calls fn for every key with the given prefix in ascending key
	// order. Iteration stops at the first error fn returns.
	Each(prefix string, fn func(key string, value []byte) error) error
	Close() error
}

// Snapshotter is implemented by backends that can back themselves up to a
// single file.
type Snapshotter interface {
	BackupCurrent(maxBackups int) (string, error)
	ExportSnapshot() ([]byte, error)
}

// Open opens the named backend rooted at dir.
func Open(backend, dir string) (KV, error) {
	switch backend {
	case "", "sqlite":
		return NewSQLite(filepath.Join(dir, defaultDBFile))
	case "badger":
		return NewBadger(filepath.Join(dir, "badger"))
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
