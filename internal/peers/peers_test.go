package peers

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"valqueue.node/vqn/internal/storage"
	"valqueue.node/vqn/internal/types"
)

func addr(t *testing.T, s string) types.NodeAddress {
	t.Helper()
	a, err := types.ParseAddress(s)
	require.NoError(t, err)
	return a
}

// countingKV records how many writes reach the store.
type countingKV struct {
	*storage.Memory
	sets int
	fail bool
}

func (c *countingKV) Set(key string, value []byte) error {
	c.sets++
	if c.fail {
		return errors.New("disk full")
	}
	return c.Memory.Set(key, value)
}

func TestAddressBookPersistsOnlyNovel(t *testing.T) {
	kv := &countingKV{Memory: storage.NewMemory()}
	book := NewAddressBook(kv, nil)
	empty := book.Digest()

	novel, err := book.Add(addr(t, "10.0.0.2:8080"))
	require.NoError(t, err)
	require.True(t, novel)
	d1 := book.Digest()
	require.NotEqual(t, empty, d1)

	novel, err = book.Add(addr(t, "10.0.0.2:8080"))
	require.NoError(t, err)
	require.False(t, novel)
	require.Equal(t, d1, book.Digest())
	require.Equal(t, 1, kv.sets)

	added := book.Merge([]string{"10.0.0.1:8080", "garbage", "10.0.0.2:8080"})
	require.Len(t, added, 1)
	require.Equal(t, 2, kv.sets)
	require.Equal(t, []string{"10.0.0.1:8080", "10.0.0.2:8080"}, book.Strings())

	restored := NewAddressBook(kv, nil)
	n, err := restored.Load()
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, book.Digest(), restored.Digest())
}

func TestAddressBookKeepsAddressWhenPersistFails(t *testing.T) {
	kv := &countingKV{Memory: storage.NewMemory(), fail: true}
	book := NewAddressBook(kv, nil)

	novel, err := book.Add(addr(t, "10.0.0.3:8080"))
	require.Error(t, err)
	require.True(t, novel)
	require.True(t, book.Contains(addr(t, "10.0.0.3:8080").Key()))
}

func TestAddressBookDigestIsOrderIndependent(t *testing.T) {
	a := NewAddressBook(nil, nil)
	b := NewAddressBook(nil, nil)
	a.Merge([]string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.3:1"})
	b.Merge([]string{"10.0.0.3:1", "10.0.0.1:1", "10.0.0.2:1"})
	require.Equal(t, a.Digest(), b.Digest())
}

func newTable(t *testing.T, self string, wallet string) *Table {
	t.Helper()
	return NewTable(types.PeerRecord{
		Wallet:           wallet,
		Address:          addr(t, self),
		Ready:            true,
		WorldClockSample: time.UnixMilli(1000),
	}, NewAddressBook(nil, nil), nil)
}

func TestTableSeedsUnknownAndKeepsLocalLiveness(t *testing.T) {
	tbl := newTable(t, "10.0.0.1:8080", "w1")
	require.Equal(t, 1, tbl.ActiveReadyCount())

	peer := addr(t, "10.0.0.2:8080")
	require.True(t, tbl.Ensure(peer))
	require.False(t, tbl.Ensure(peer))

	r, ok := tbl.Get(peer.Key())
	require.True(t, ok)
	require.Equal(t, types.PeerUnknown, r.Status)

	tbl.MarkFailure(peer.Key(), types.PeerOffline, time.Now())
	novel := tbl.AddOrUpdate(types.PeerRecord{
		Wallet:     "w2",
		Address:    peer,
		Ready:      true,
		Status:     types.PeerOnline,
		ErrorCount: 0,
	})
	require.False(t, novel)

	r, _ = tbl.Get(peer.Key())
	require.Equal(t, "w2", r.Wallet)
	require.Equal(t, types.PeerOffline, r.Status, "remote status must not override local observation")
	require.Equal(t, uint(1), r.ErrorCount)
	require.False(t, r.Eligible())

	tbl.MarkSuccess(peer.Key())
	require.Equal(t, 2, tbl.ActiveReadyCount())
	require.Len(t, tbl.Eligible(), 2)
}

func TestTableIgnoresRecordsForSelf(t *testing.T) {
	tbl := newTable(t, "10.0.0.1:8080", "w1")
	require.False(t, tbl.AddOrUpdate(types.PeerRecord{Wallet: "evil", Address: addr(t, "10.0.0.1:8080")}))
	require.Equal(t, "w1", tbl.Self().Wallet)

	tbl.MarkFailure(tbl.SelfKey(), types.PeerOffline, time.Now())
	require.Equal(t, types.PeerOnline, tbl.Self().Status)
}

func TestTableSetReadyAndByWallet(t *testing.T) {
	tbl := newTable(t, "10.0.0.1:8080", "w1")
	p := addr(t, "10.0.0.2:8080")
	tbl.AddOrUpdate(types.PeerRecord{Wallet: "w2", Address: p})
	tbl.MarkSuccess(p.Key())
	require.Equal(t, 1, tbl.ActiveReadyCount())

	require.True(t, tbl.SetReady("w2"))
	require.False(t, tbl.SetReady("w2"))
	require.Equal(t, 2, tbl.ActiveReadyCount())

	r, ok := tbl.ByWallet("w2")
	require.True(t, ok)
	require.Equal(t, p, r.Address)

	_, ok = tbl.ByWallet("nobody")
	require.False(t, ok)
}

func TestTableDigestConverges(t *testing.T) {
	a := newTable(t, "10.0.0.1:8080", "w1")
	b := newTable(t, "10.0.0.2:8080", "w2")
	require.NotEqual(t, a.RecomputeDigest(), b.RecomputeDigest())

	a.AddOrUpdate(b.Self())
	b.AddOrUpdate(a.Self())

	// Liveness differs between the two views but does not enter the digest.
	a.MarkSuccess(b.SelfKey())
	require.Equal(t, a.RecomputeDigest(), b.RecomputeDigest())

	b.UpdateSelf(func(r *types.PeerRecord) { r.WorldClockSample = time.UnixMilli(2000) })
	require.NotEqual(t, a.RecomputeDigest(), b.RecomputeDigest())
}

func TestSnapshotIsACopy(t *testing.T) {
	tbl := newTable(t, "10.0.0.1:8080", "w1")
	snap := tbl.Snapshot()
	snap[0].Wallet = "changed"
	require.Equal(t, "w1", tbl.Self().Wallet)
	require.Empty(t, tbl.Others())
}

func TestDigestTracksLatestStateUnderConcurrentRecompute(t *testing.T) {
	tbl := newTable(t, "10.0.0.1:8080", "w1")

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.UpdateSelf(func(r *types.PeerRecord) { r.WorldClockSample = time.UnixMilli(int64(2000 + i)) })
			tbl.RecomputeDigest()
		}()
	}
	wg.Wait()

	stored := tbl.Digest()
	require.Equal(t, tbl.RecomputeDigest(), stored)
}
