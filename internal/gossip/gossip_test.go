package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"valqueue.node/vqn/internal/identity"
	"valqueue.node/vqn/internal/peers"
	"valqueue.node/vqn/internal/storage"
	"valqueue.node/vqn/internal/transport"
	"valqueue.node/vqn/internal/types"
)

// network routes frames between in-process exchanges.
type network struct {
	mu    sync.Mutex
	nodes map[types.HexKey]*Exchange
	down  map[types.HexKey]bool
	sent  map[string]int
}

func newNetwork() *network {
	return &network{
		nodes: make(map[types.HexKey]*Exchange),
		down:  make(map[types.HexKey]bool),
		sent:  make(map[string]int),
	}
}

type wire struct {
	net  *network
	self types.HexKey
}

func (w *wire) Send(ctx context.Context, to types.NodeAddress, tag, payload string) (string, error) {
	w.net.mu.Lock()
	dst, ok := w.net.nodes[to.Key()]
	down := w.net.down[to.Key()]
	w.net.sent[tag]++
	w.net.mu.Unlock()
	if !ok || down {
		return "", fmt.Errorf("dial %s: connection refused", to)
	}
	reply, err := dst.Handle(ctx, transport.Frame{Tag: tag, From: w.self, Payload: payload})
	var rej *Reject
	if errors.As(err, &rej) {
		return "", &transport.RemoteError{Tag: tag, Code: rej.Code}
	}
	return reply, err
}

func (w *wire) FetchBlock(context.Context, types.NodeAddress, uint64) (types.Block, error) {
	return types.Block{}, errors.New("not served")
}

// fakeClock is a world clock the test advances by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	return Config{
		GossipInterval:     20 * time.Second,
		ReclassifyInterval: 5 * time.Second,
		FailureBackoff:     60 * time.Second,
		SendTimeout:        time.Second,
		FanoutLimit:        4,
	}
}

type testNode struct {
	addr  types.NodeAddress
	table *peers.Table
	x     *Exchange
}

func at(port uint16) types.NodeAddress {
	return types.NodeAddress{IP: "10.0.0.1", Port: port}
}

func addNode(t *testing.T, n *network, clk *fakeClock, addr types.NodeAddress, wallet string, signer Signer, known ...types.NodeAddress) *testNode {
	t.Helper()
	book := peers.NewAddressBook(storage.NewMemory(), nil)
	for _, k := range known {
		_, err := book.Add(k)
		require.NoError(t, err)
	}
	table := peers.NewTable(types.PeerRecord{Wallet: wallet, Address: addr, Ready: true}, book, nil)
	x := New(testConfig(), Deps{
		Table:  table,
		Sender: &wire{net: n, self: addr.Key()},
		Signer: signer,
		Now:    clk.Now,
	})
	n.mu.Lock()
	n.nodes[addr.Key()] = x
	n.mu.Unlock()
	return &testNode{addr: addr, table: table, x: x}
}

func TestDigestsConverge(t *testing.T) {
	n := newNetwork()
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}

	// A knows B, B knows C, C knows D, D knows nobody.
	nodes := []*testNode{
		addNode(t, n, clk, at(9001), "A", nil, at(9002)),
		addNode(t, n, clk, at(9002), "B", nil, at(9003)),
		addNode(t, n, clk, at(9003), "C", nil, at(9004)),
		addNode(t, n, clk, at(9004), "D", nil),
	}

	converged := func() bool {
		for _, nd := range nodes[1:] {
			if nd.table.Book().Digest() != nodes[0].table.Book().Digest() ||
				nd.table.Digest() != nodes[0].table.Digest() {
				return false
			}
		}
		return true
	}

	rounds := 0
	for ; rounds < 20 && !converged(); rounds++ {
		for _, nd := range nodes {
			nd.x.Cycle(context.Background())
		}
		clk.Advance(21 * time.Second)
	}
	require.True(t, converged(), "no convergence after %d rounds", rounds)

	// Peers learned from inbound frames are classified on the next cycles.
	for i := 0; i < 2; i++ {
		for _, nd := range nodes {
			nd.x.Cycle(context.Background())
		}
		clk.Advance(21 * time.Second)
	}
	require.True(t, converged())
	for _, nd := range nodes {
		require.Equal(t, 4, nd.table.Book().Len())
		require.Equal(t, 4, nd.table.ActiveReadyCount(), "node %s", nd.addr)
	}
}

func TestProbeReplies(t *testing.T) {
	n := newNetwork()
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	a := addNode(t, n, clk, at(9001), "A", nil, at(9002))
	b := addNode(t, n, clk, at(9002), "B", nil, at(9001))

	peerB, ok := a.table.Get(b.addr.Key())
	require.True(t, ok)

	// Same addresses, but neither side knows the other's wallet yet.
	reply, err := b.x.Handle(context.Background(), transport.Frame{Tag: types.TagHash, From: a.addr.Key(), Payload: a.x.ProbePayload()})
	require.NoError(t, err)
	require.Equal(t, types.ProbePeerDiffer, reply)

	require.NoError(t, a.x.ExchangeNode(context.Background(), peerB))
	reply, err = b.x.Handle(context.Background(), transport.Frame{Tag: types.TagHash, From: a.addr.Key(), Payload: a.x.ProbePayload()})
	require.NoError(t, err)
	require.Equal(t, types.ProbeEqual, reply)

	c := addNode(t, n, clk, at(9003), "C", nil)
	a.table.Ensure(c.addr)
	a.table.RecomputeDigest()
	reply, err = b.x.Handle(context.Background(), transport.Frame{Tag: types.TagHash, From: a.addr.Key(), Payload: a.x.ProbePayload()})
	require.NoError(t, err)
	require.Equal(t, types.ProbeAddressDiffer, reply)

	_, err = b.x.Handle(context.Background(), transport.Frame{Tag: types.TagHash, From: a.addr.Key(), Payload: "short:bad"})
	var rej *Reject
	require.ErrorAs(t, err, &rej)
	require.Equal(t, CodeMalformed, rej.Code)
}

func TestFailureAndBackoff(t *testing.T) {
	n := newNetwork()
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	dead := types.NodeAddress{IP: "10.0.0.9", Port: 9009}
	a := addNode(t, n, clk, at(9001), "A", nil, dead)

	a.x.Cycle(context.Background())
	r, ok := a.table.Get(dead.Key())
	require.True(t, ok)
	require.Equal(t, types.PeerOffline, r.Status)
	require.Equal(t, uint(1), r.ErrorCount)
	require.False(t, r.LastErrorTime.IsZero())

	_, err := a.x.Send(context.Background(), r, types.TagReady, "A")
	require.ErrorIs(t, err, ErrBackoff)

	// The peer comes up; nothing is sent until the backoff has elapsed.
	addNode(t, n, clk, dead, "B", nil)
	clk.Advance(30 * time.Second)
	a.x.Cycle(context.Background())
	r, _ = a.table.Get(dead.Key())
	require.Equal(t, types.PeerOffline, r.Status)

	clk.Advance(31 * time.Second)
	a.x.Cycle(context.Background())
	r, _ = a.table.Get(dead.Key())
	require.Equal(t, types.PeerOnline, r.Status)
	require.Zero(t, r.ErrorCount)
	require.True(t, r.LastErrorTime.IsZero())
}

func TestSendSuppression(t *testing.T) {
	n := newNetwork()
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	a := addNode(t, n, clk, at(9001), "A", nil)
	b := addNode(t, n, clk, at(9002), "B", nil)
	a.table.Ensure(b.addr)
	peerB, _ := a.table.Get(b.addr.Key())

	_, err := a.x.Send(context.Background(), peerB, types.TagHash, a.x.ProbePayload())
	require.NoError(t, err)
	_, err = a.x.Send(context.Background(), peerB, types.TagHash, a.x.ProbePayload())
	require.ErrorIs(t, err, ErrSuppressed)
	// Other tags have their own window.
	_, err = a.x.Send(context.Background(), peerB, types.TagReady, "A")
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = a.x.Send(context.Background(), peerB, types.TagHash, a.x.ProbePayload())
	require.NoError(t, err)

	_, err = a.x.Send(context.Background(), peerB, types.TagReady, "A")
	require.ErrorIs(t, err, ErrSuppressed)

	// Directives are never suppressed.
	for i := 0; i < 3; i++ {
		_, err = a.x.Send(context.Background(), peerB, types.TagTime, "1700000002000")
		require.NoError(t, err)
	}
}

func TestHandleDirectives(t *testing.T) {
	n := newNetwork()
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	a := addNode(t, n, clk, at(9001), "A", nil)

	var (
		when, next time.Time
		pointer    string
	)
	a.x.hooks = Hooks{
		OnWhen: func(at time.Time, _ types.PeerRecord) { when = at },
		OnTime: func(at time.Time, _ types.PeerRecord) { next = at },
		OnBlock: func(_ context.Context, row uint64, wallet string, _ types.PeerRecord) error {
			if wallet == "nobody" {
				return &Reject{Code: types.BlockErrUnknownProposer}
			}
			pointer = types.FormatPointer(row, wallet)
			return nil
		},
	}
	from := types.NodeAddress{IP: "10.0.0.2", Port: 9002}.Key()
	ctx := context.Background()

	reply, err := a.x.Handle(ctx, transport.Frame{Tag: types.TagWhen, From: from, Payload: "1700000020000"})
	require.NoError(t, err)
	require.Equal(t, types.ReplyDone, reply)
	require.Equal(t, time.UnixMilli(1_700_000_020_000), when)

	reply, err = a.x.Handle(ctx, transport.Frame{Tag: types.TagTime, From: from, Payload: "1700000002000"})
	require.NoError(t, err)
	require.Equal(t, types.ReplyOK, reply)
	require.Equal(t, time.UnixMilli(1_700_000_002_000), next)

	reply, err = a.x.Handle(ctx, transport.Frame{Tag: types.TagBlock, From: from, Payload: "7:B"})
	require.NoError(t, err)
	require.Equal(t, types.ReplyDone, reply)
	require.Equal(t, "7:B", pointer)

	var rej *Reject
	_, err = a.x.Handle(ctx, transport.Frame{Tag: types.TagBlock, From: from, Payload: "seven"})
	require.ErrorAs(t, err, &rej)
	require.Equal(t, types.BlockErrMalformed, rej.Code)
	_, err = a.x.Handle(ctx, transport.Frame{Tag: types.TagBlock, From: from, Payload: "7:nobody"})
	require.ErrorAs(t, err, &rej)
	require.Equal(t, types.BlockErrUnknownProposer, rej.Code)

	_, err = a.x.Handle(ctx, transport.Frame{Tag: "gossip", From: from, Payload: ""})
	require.ErrorAs(t, err, &rej)
	require.Equal(t, CodeUnknownTag, rej.Code)

	// Every frame teaches the receiver its sender's address.
	require.True(t, a.table.Book().Contains(from))
}

func TestHandleReady(t *testing.T) {
	n := newNetwork()
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	a := addNode(t, n, clk, at(9001), "A", nil)
	bAddr := at(9002)
	a.table.AddOrUpdate(types.PeerRecord{Wallet: "B", Address: bAddr})
	a.table.MarkSuccess(bAddr.Key())

	_, err := a.x.Handle(context.Background(), transport.Frame{Tag: types.TagReady, From: bAddr.Key(), Payload: "C"})
	var rej *Reject
	require.ErrorAs(t, err, &rej)
	require.Equal(t, CodeForbidden, rej.Code)

	reply, err := a.x.Handle(context.Background(), transport.Frame{Tag: types.TagReady, From: bAddr.Key(), Payload: "B"})
	require.NoError(t, err)
	require.Equal(t, types.ReplyDone, reply)
	r, _ := a.table.Get(bAddr.Key())
	require.True(t, r.Ready)
	require.True(t, r.Eligible())
}

func TestSignedRecords(t *testing.T) {
	n := newNetwork()
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	idA, idB := identity.NewEphemeral(), identity.NewEphemeral()
	a := addNode(t, n, clk, at(9001), idA.Wallet(), idA, at(9002))
	b := addNode(t, n, clk, at(9002), idB.Wallet(), idB)

	peerB, _ := a.table.Get(b.addr.Key())
	require.NoError(t, a.x.ExchangeNode(context.Background(), peerB))
	got, ok := a.table.ByWallet(idB.Wallet())
	require.True(t, ok)
	require.Equal(t, b.addr, got.Address)

	// A record whose signature does not match its wallet is refused.
	raw := fmt.Sprintf(`{"wallet":%q,"address":{"ip":"10.0.0.1","port":9001},"ready":false,"signature":"AAAA"}`, idA.Wallet())
	_, err := b.x.Handle(context.Background(), transport.Frame{Tag: types.TagNode, From: a.addr.Key(), Payload: raw})
	var rej *Reject
	require.ErrorAs(t, err, &rej)
	require.Equal(t, CodeMalformed, rej.Code)
}

func TestBroadcastReportsAcceptingPeers(t *testing.T) {
	n := newNetwork()
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	a := addNode(t, n, clk, at(9001), "A", nil)
	b := addNode(t, n, clk, at(9002), "B", nil)
	c := addNode(t, n, clk, at(9003), "C", nil)
	a.table.Ensure(b.addr)
	a.table.Ensure(c.addr)
	n.down[c.addr.Key()] = true

	accepted := a.x.Broadcast(context.Background(), a.table.Snapshot(), types.TagWhen, "1700000020000")
	require.Equal(t, []types.HexKey{b.addr.Key()}, accepted)
	rc, _ := a.table.Get(c.addr.Key())
	require.Equal(t, types.PeerOffline, rc.Status)
}
