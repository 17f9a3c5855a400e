package peers

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"valqueue.node/vqn/internal/types"
)

// Table maps HexKey to the latest PeerRecord for every known address,
// including the node itself. Records are never removed.
type Table struct {
	mu     sync.RWMutex
	self   types.HexKey
	peers  map[types.HexKey]*types.PeerRecord
	book   *AddressBook
	digest string
	log    *zap.Logger
}

// NewTable creates a table seeded with the node's own record and one Unknown
// record per address already in book.
func NewTable(self types.PeerRecord, book *AddressBook, log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	self.Status = types.PeerOnline
	self.ErrorCount = 0
	self.LastErrorTime = time.Time{}

	t := &Table{
		self:  self.Key(),
		peers: make(map[types.HexKey]*types.PeerRecord),
		book:  book,
		log:   log.Named("peers"),
	}
	t.peers[t.self] = &self
	if _, err := book.Add(self.Address); err != nil {
		t.log.Error("self address not persisted", zap.Error(err))
	}
	for _, addr := range book.List() {
		t.ensureLocked(addr)
	}
	t.RecomputeDigest()
	return t
}

// SelfKey returns the node's own HexKey.
func (t *Table) SelfKey() types.HexKey { return t.self }

// Book returns the address book backing the table.
func (t *Table) Book() *AddressBook { return t.book }

// Self returns a copy of the node's own record.
func (t *Table) Self() types.PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return *t.peers[t.self]
}

// UpdateSelf applies fn to the node's own record. Liveness fields stay
// pinned to Online.
func (t *Table) UpdateSelf(fn func(*types.PeerRecord)) {
	t.mu.Lock()
	r := t.peers[t.self]
	fn(r)
	r.Status = types.PeerOnline
	r.ErrorCount = 0
	r.LastErrorTime = time.Time{}
	t.mu.Unlock()
}

// Ensure makes sure addr is in the address book and has a record. New
// records start Unknown. It reports whether the address was new to the
// table.
func (t *Table) Ensure(addr types.NodeAddress) bool {
	if _, err := t.book.Add(addr); err != nil {
		t.log.Error("address not persisted", zap.Error(err))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureLocked(addr)
}

func (t *Table) ensureLocked(addr types.NodeAddress) bool {
	k := addr.Key()
	if _, ok := t.peers[k]; ok {
		return false
	}
	t.peers[k] = &types.PeerRecord{Address: addr, Status: types.PeerUnknown}
	return true
}

// AddOrUpdate merges a record reported by a peer about itself. The local
// liveness fields (Status, ErrorCount, LastErrorTime) are kept. Records
// claiming the node's own address are ignored.
func (t *Table) AddOrUpdate(r types.PeerRecord) bool {
	k := r.Key()
	if k == t.self {
		return false
	}
	if _, err := t.book.Add(r.Address); err != nil {
		t.log.Error("address not persisted", zap.Error(err))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.peers[k]
	if !ok {
		cur = &types.PeerRecord{Address: r.Address, Status: types.PeerUnknown}
		t.peers[k] = cur
	}
	if cur.InstanceID != "" && r.InstanceID != "" && cur.InstanceID != r.InstanceID {
		t.log.Info("peer restarted",
			zap.String("peer", string(k)),
			zap.String("instance", r.InstanceID))
	}
	cur.Wallet = r.Wallet
	cur.InstanceID = r.InstanceID
	cur.Ready = r.Ready
	cur.LocalClockSample = r.LocalClockSample
	cur.WorldClockSample = r.WorldClockSample
	cur.Height = r.Height
	cur.StateDigest = r.StateDigest
	cur.Signature = r.Signature
	return !ok
}

// Get returns a copy of the record stored under key.
func (t *Table) Get(key types.HexKey) (types.PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.peers[key]
	if !ok {
		return types.PeerRecord{}, false
	}
	return *r, true
}

// ByWallet returns the record for wallet, preferring an Online one when
// several addresses claim the same wallet.
func (t *Table) ByWallet(wallet string) (types.PeerRecord, bool) {
	if wallet == "" {
		return types.PeerRecord{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		found types.PeerRecord
		ok    bool
	)
	for _, r := range t.peers {
		if r.Wallet != wallet {
			continue
		}
		if !ok || (r.Status == types.PeerOnline && found.Status != types.PeerOnline) {
			found, ok = *r, true
		}
	}
	return found, ok
}

// Snapshot returns copies of all records ordered by key.
func (t *Table) Snapshot() []types.PeerRecord {
	t.mu.RLock()
	out := make([]types.PeerRecord, 0, len(t.peers))
	for _, r := range t.peers {
		out = append(out, *r)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Others returns copies of every record except the node's own.
func (t *Table) Others() []types.PeerRecord {
	all := t.Snapshot()
	out := all[:0]
	for _, r := range all {
		if r.Key() != t.self {
			out = append(out, r)
		}
	}
	return out
}

// Eligible returns the records that may take part in an election: Online,
// no recorded errors, Ready. The node's own record is included when ready.
func (t *Table) Eligible() []types.PeerRecord {
	all := t.Snapshot()
	out := all[:0]
	for _, r := range all {
		if r.Eligible() {
			out = append(out, r)
		}
	}
	return out
}

// ActiveReadyCount counts eligible records, self included.
func (t *Table) ActiveReadyCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, r := range t.peers {
		if r.Eligible() {
			n++
		}
	}
	return n
}

// Len returns the number of records, self included.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// MarkSuccess records a successful exchange with key.
func (t *Table) MarkSuccess(key types.HexKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.peers[key]
	if !ok || key == t.self {
		return
	}
	if r.Status != types.PeerOnline {
		t.log.Info("peer online", zap.String("peer", r.Address.String()))
	}
	r.Status = types.PeerOnline
	r.ErrorCount = 0
	r.LastErrorTime = time.Time{}
}

// MarkFailure records a failed exchange with key. status is PeerOffline for
// transport failures and PeerError for malformed replies.
func (t *Table) MarkFailure(key types.HexKey, status types.PeerStatus, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.peers[key]
	if !ok || key == t.self {
		return
	}
	r.ErrorCount++
	r.Status = status
	r.LastErrorTime = now
}

// SetReady marks every record carrying wallet as ready and reports whether
// any record changed.
func (t *Table) SetReady(wallet string) bool {
	if wallet == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for _, r := range t.peers {
		if r.Wallet == wallet && !r.Ready {
			r.Ready = true
			changed = true
		}
	}
	return changed
}

// Digest returns the last computed peer table digest.
func (t *Table) Digest() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.digest
}

// RecomputeDigest hashes the sorted wallet ids, the sorted addresses and
// the sorted world-clock samples of the table and stores the result. The
// records are read and the digest stored under one lock, so a slower
// recompute can never overwrite a newer digest with an older one.
func (t *Table) RecomputeDigest() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var wallets, addrs, samples []string
	for key, r := range t.peers {
		addrs = append(addrs, string(key))
		if r.Wallet != "" {
			wallets = append(wallets, r.Wallet)
		}
		if !r.WorldClockSample.IsZero() {
			samples = append(samples, strconv.FormatInt(r.WorldClockSample.UnixMilli(), 10))
		}
	}
	sort.Strings(wallets)
	sort.Strings(addrs)
	sort.Slice(samples, func(i, j int) bool {
		a, _ := strconv.ParseInt(samples[i], 10, 64)
		b, _ := strconv.ParseInt(samples[j], 10, 64)
		return a < b
	})

	t.digest = types.Hash(
		strings.Join(wallets, ","),
		strings.Join(addrs, ","),
		strings.Join(samples, ","),
	)
	return t.digest
}
