// Package peers keeps the node's view of the network: the grow-only address
// book of every peer location ever learned, and the peer table holding the
// latest record and local liveness observations for each of them.
package peers

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"valqueue.node/vqn/internal/storage"
	"valqueue.node/vqn/internal/types"
)

const addrPrefix = "addr/"

type bookEntry struct {
	key  types.HexKey
	addr types.NodeAddress
}

func bookLess(a, b bookEntry) bool { return a.key < b.key }

// AddressBook is the ordered, grow-only set of known node addresses.
type AddressBook struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[bookEntry]
	digest string
	kv     storage.KV
	log    *zap.Logger
}

// NewAddressBook returns an empty address book persisting through kv. A nil
// kv keeps the book in memory only.
func NewAddressBook(kv storage.KV, log *zap.Logger) *AddressBook {
	if log == nil {
		log = zap.NewNop()
	}
	b := &AddressBook{
		tree: btree.NewG(8, bookLess),
		kv:   kv,
		log:  log.Named("addressbook"),
	}
	b.digest = b.computeLocked()
	return b
}

// Load restores persisted addresses. Entries that no longer parse are
// skipped with a warning.
func (b *AddressBook) Load() (int, error) {
	if b.kv == nil {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	err := b.kv.Each(addrPrefix, func(key string, value []byte) error {
		addr, err := types.ParseAddress(string(value))
		if err != nil {
			b.log.Warn("skipping stored address", zap.String("key", key), zap.Error(err))
			return nil
		}
		b.tree.ReplaceOrInsert(bookEntry{key: addr.Key(), addr: addr})
		n++
		return nil
	})
	b.digest = b.computeLocked()
	if err != nil {
		return n, fmt.Errorf("load address book: %w", err)
	}
	return n, nil
}

// Add inserts addr. It reports whether the address was new; only new
// addresses are persisted. A persistence failure keeps the address in memory
// and is returned alongside novel=true.
func (b *AddressBook) Add(addr types.NodeAddress) (bool, error) {
	key := addr.Key()

	b.mu.Lock()
	if _, ok := b.tree.Get(bookEntry{key: key}); ok {
		b.mu.Unlock()
		return false, nil
	}
	b.tree.ReplaceOrInsert(bookEntry{key: key, addr: addr})
	b.digest = b.computeLocked()
	b.mu.Unlock()

	if b.kv != nil {
		if err := b.kv.Set(addrPrefix+string(key), []byte(addr.String())); err != nil {
			return true, fmt.Errorf("persist address %s: %w", addr, err)
		}
	}
	b.log.Debug("learned address", zap.String("addr", addr.String()), zap.String("key", string(key)))
	return true, nil
}

// Merge parses and adds every address in addrs, returning the newly learned
// ones. Unparseable entries are skipped.
func (b *AddressBook) Merge(addrs []string) []types.NodeAddress {
	var added []types.NodeAddress
	for _, s := range addrs {
		addr, err := types.ParseAddress(s)
		if err != nil {
			b.log.Debug("ignoring address", zap.String("addr", s), zap.Error(err))
			continue
		}
		novel, err := b.Add(addr)
		if err != nil {
			b.log.Error("address not persisted", zap.Error(err))
		}
		if novel {
			added = append(added, addr)
		}
	}
	return added
}

// Contains reports whether key is known.
func (b *AddressBook) Contains(key types.HexKey) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.tree.Get(bookEntry{key: key})
	return ok
}

// Get returns the address stored under key.
func (b *AddressBook) Get(key types.HexKey) (types.NodeAddress, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.tree.Get(bookEntry{key: key})
	return e.addr, ok
}

// List returns all addresses in key order.
func (b *AddressBook) List() []types.NodeAddress {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.NodeAddress, 0, b.tree.Len())
	b.tree.Ascend(func(e bookEntry) bool {
		out = append(out, e.addr)
		return true
	})
	return out
}

// Strings returns all addresses as ip:port in key order.
func (b *AddressBook) Strings() []string {
	list := b.List()
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.String()
	}
	return out
}

// Len returns the number of known addresses.
func (b *AddressBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Len()
}

// Digest returns the hash of the sorted key set.
func (b *AddressBook) Digest() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.digest
}

func (b *AddressBook) computeLocked() string {
	keys := make([]string, 0, b.tree.Len())
	b.tree.Ascend(func(e bookEntry) bool {
		keys = append(keys, string(e.key))
		return true
	})
	return types.Hash(strings.Join(keys, ","))
}
