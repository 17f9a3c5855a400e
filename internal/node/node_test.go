package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"valqueue.node/vqn/internal/chain"
	"valqueue.node/vqn/internal/clock"
	"valqueue.node/vqn/internal/config"
	"valqueue.node/vqn/internal/gossip"
	"valqueue.node/vqn/internal/identity"
	"valqueue.node/vqn/internal/peers"
	"valqueue.node/vqn/internal/storage"
	"valqueue.node/vqn/internal/transport"
	"valqueue.node/vqn/internal/types"
)

// mesh routes frames and block fetches between in-process nodes.
type mesh struct {
	mu    sync.Mutex
	nodes map[types.HexKey]*Node
}

func newMesh() *mesh {
	return &mesh{nodes: make(map[types.HexKey]*Node)}
}

func (m *mesh) lookup(k types.HexKey) (*Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[k]
	return n, ok
}

type link struct {
	mesh *mesh
	self types.HexKey
}

func (l *link) Send(ctx context.Context, to types.NodeAddress, tag, payload string) (string, error) {
	dst, ok := l.mesh.lookup(to.Key())
	if !ok {
		return "", fmt.Errorf("dial %s: connection refused", to)
	}
	reply, err := dst.HandleFrame(ctx, transport.Frame{Tag: tag, From: l.self, Payload: payload})
	var rej *gossip.Reject
	if errors.As(err, &rej) {
		return "", &transport.RemoteError{Tag: tag, Code: rej.Code}
	}
	return reply, err
}

func (l *link) FetchBlock(_ context.Context, from types.NodeAddress, row uint64) (types.Block, error) {
	src, ok := l.mesh.lookup(from.Key())
	if !ok {
		return types.Block{}, fmt.Errorf("dial %s: connection refused", from)
	}
	return src.Block(row)
}

func fastConfig(port int, minimum int) *config.Config {
	cfg := config.Default()
	cfg.NodeIP = "10.0.0.1"
	cfg.Port = port
	cfg.MinimumNodeCount = minimum
	cfg.GossipInterval = config.Duration(50 * time.Millisecond)
	cfg.ReclassifyInterval = config.Duration(50 * time.Millisecond)
	cfg.FailureBackoff = config.Duration(time.Second)
	cfg.SendTimeout = config.Duration(time.Second)
	cfg.RoundCadence = config.Duration(40 * time.Millisecond)
	cfg.StartCadence = config.Duration(100 * time.Millisecond)
	cfg.RendezvousTimeout = config.Duration(time.Second)
	cfg.QuorumPollInterval = config.Duration(10 * time.Millisecond)
	cfg.LoopInterval = config.Duration(5 * time.Millisecond)
	return cfg
}

func (m *mesh) add(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	addr := types.NodeAddress{IP: cfg.NodeIP, Port: uint16(cfg.Port)}
	n, err := New(cfg, Deps{
		Identity: identity.NewEphemeral(),
		KV:       storage.NewMemory(),
		Source:   clock.LocalSource{},
		Sender:   &link{mesh: m, self: addr.Key()},
	})
	require.NoError(t, err)
	m.mu.Lock()
	m.nodes[addr.Key()] = n
	m.mu.Unlock()
	return n
}

func runNode(ctx context.Context, n *Node) <-chan error {
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	return done
}

func TestSingleNodeProducesBlocks(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newMesh()
	n := m.add(t, fastConfig(9100, 0))

	var (
		mu   sync.Mutex
		rows []uint64
	)
	n.OnBlockCommitted(func(b types.Block) {
		mu.Lock()
		rows = append(rows, b.Row)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runNode(ctx, n)

	require.Eventually(t, func() bool {
		return n.NextExpectedRow() > 3
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, r := range rows {
		require.Equal(t, uint64(i+1), r)
	}

	st := n.Status()
	require.True(t, st.Ready)
	require.False(t, st.ElectionStarted)
	require.NotNil(t, st.Head)
	require.Equal(t, n.Wallet(), st.Head.Proposer)
}

func TestBlocksSurviveRestart(t *testing.T) {
	kv := storage.NewMemory()
	id := identity.NewEphemeral()
	m := newMesh()
	cfg := fastConfig(9110, 0)

	first, err := New(cfg, Deps{Identity: id, KV: kv, Source: clock.LocalSource{}, Sender: &link{mesh: m}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := runNode(ctx, first)
	require.Eventually(t, func() bool { return first.NextExpectedRow() > 2 }, 10*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	head, ok := first.Head()
	require.True(t, ok)

	second, err := New(cfg, Deps{Identity: id, KV: kv, Source: clock.LocalSource{}, Sender: &link{mesh: m}})
	require.NoError(t, err)
	_, err = second.chain.Replay()
	require.NoError(t, err)
	replayed, ok := second.Head()
	require.True(t, ok)
	require.Equal(t, head.Hash, replayed.Hash)
	require.Equal(t, head.Row+1, second.NextExpectedRow())
}

func TestThreeNodesReachQuorumAndCommit(t *testing.T) {
	m := newMesh()
	a := m.add(t, fastConfig(9201, 2))
	b := m.add(t, fastConfig(9202, 2))
	c := m.add(t, fastConfig(9203, 2))

	// A knows B, B knows C: the rest is learned through gossip.
	require.True(t, a.AddPeer(b.Address()))
	require.True(t, b.AddPeer(c.Address()))

	ctx, cancel := context.WithCancel(context.Background())
	dones := []<-chan error{runNode(ctx, a), runNode(ctx, b), runNode(ctx, c)}
	defer func() {
		cancel()
		for _, d := range dones {
			<-d
		}
	}()

	nodes := []*Node{a, b, c}
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if !n.Status().QuorumOpen {
				return false
			}
		}
		return true
	}, 20*time.Second, 20*time.Millisecond, "quorum never opened on every node")

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.NextExpectedRow() < 3 {
				return false
			}
		}
		return true
	}, 20*time.Second, 20*time.Millisecond, "blocks did not reach every node")

	require.Eventually(t, func() bool { return sameChain(nodes, 3) }, 10*time.Second, 20*time.Millisecond,
		"nodes disagree on a committed row")

	for _, n := range nodes {
		st := n.Status()
		require.Equal(t, 3, st.ActiveReady)
		require.Len(t, n.Addresses(), 3)
	}
}

// sameChain reports whether every node has committed at least rows rows and
// all nodes hold the same block for every row they have in common.
func sameChain(nodes []*Node, rows uint64) bool {
	common := nodes[0].NextExpectedRow() - 1
	for _, n := range nodes[1:] {
		common = min(common, n.NextExpectedRow()-1)
	}
	if common < rows {
		return false
	}
	for row := uint64(1); row <= common; row++ {
		want, err := nodes[0].Block(row)
		if err != nil {
			return false
		}
		for _, n := range nodes[1:] {
			b, err := n.Block(row)
			if err != nil || b.Hash != want.Hash {
				return false
			}
		}
	}
	return true
}

func TestLateJoinerFollowsTheChain(t *testing.T) {
	m := newMesh()
	a := m.add(t, fastConfig(9501, 2))
	b := m.add(t, fastConfig(9502, 2))
	c := m.add(t, fastConfig(9503, 2))
	require.True(t, a.AddPeer(b.Address()))
	require.True(t, b.AddPeer(c.Address()))

	ctx, cancel := context.WithCancel(context.Background())
	dones := []<-chan error{runNode(ctx, a), runNode(ctx, b), runNode(ctx, c)}
	defer func() {
		cancel()
		for _, d := range dones {
			<-d
		}
	}()

	early := []*Node{a, b, c}
	require.Eventually(t, func() bool { return sameChain(early, 12) }, 30*time.Second, 20*time.Millisecond,
		"first three nodes did not build a common chain")

	late := fastConfig(9504, 2)
	late.CatchUpLimit = 2
	d := m.add(t, late)
	require.True(t, d.AddPeer(a.Address()))
	dones = append(dones, runNode(ctx, d))

	// The joiner starts at row 1 while the others are far ahead. It has to
	// catch up instead of proposing on its empty chain.
	all := []*Node{a, b, c, d}
	target := a.NextExpectedRow() + 5
	require.Eventually(t, func() bool { return sameChain(all, target) }, 30*time.Second, 20*time.Millisecond,
		"late joiner did not converge on the common chain")
	require.Eventually(t, func() bool { return d.Status().ActiveReady == 4 }, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return sameChain(all, target+5) }, 30*time.Second, 20*time.Millisecond,
		"chain stopped growing after the joiner became eligible")
}

func TestQuorumStaysClosedAtMinimum(t *testing.T) {
	m := newMesh()
	a := m.add(t, fastConfig(9301, 2))
	b := m.add(t, fastConfig(9302, 2))
	require.True(t, a.AddPeer(b.Address()))

	ctx, cancel := context.WithCancel(context.Background())
	da, db := runNode(ctx, a), runNode(ctx, b)
	defer func() {
		cancel()
		<-da
		<-db
	}()

	require.Eventually(t, func() bool {
		return a.Status().ActiveReady == 2 && b.Status().ActiveReady == 2
	}, 10*time.Second, 20*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	for _, n := range []*Node{a, b} {
		st := n.Status()
		require.False(t, st.QuorumOpen)
		require.False(t, st.ElectionStarted)
		require.Equal(t, uint64(1), n.NextExpectedRow())
	}
}

func TestBehindNodeSyncsInsteadOfProposing(t *testing.T) {
	ctx := context.Background()
	m := newMesh()
	a := m.add(t, fastConfig(9601, 0))
	for i := 0; i < 4; i++ {
		a.propose(ctx, time.UnixMilli(1_700_000_000_000+int64(i)*1000), nil)
	}
	require.Equal(t, uint64(5), a.NextExpectedRow())
	require.Equal(t, uint64(4), a.table.Self().Height)

	b := m.add(t, fastConfig(9602, 0))
	defer b.relay.Stop()
	require.False(t, b.Behind())
	b.table.AddOrUpdate(a.table.Self())
	b.table.MarkSuccess(a.table.SelfKey())
	require.True(t, b.Behind())
	require.True(t, b.Status().Behind)

	// Elected while behind: the boundary goes out, no block is built.
	b.MyNodeIsReady()
	b.engine.Start(time.UnixMilli(0))
	b.round(ctx, b.clock.Now())
	b.bg.Wait()
	require.True(t, b.MyTurn())
	require.Equal(t, uint64(1), b.NextExpectedRow())

	p, ok := b.aheadPeer()
	require.True(t, ok)
	require.Equal(t, a.Address(), p.Address)
	require.True(t, b.relay.Sync(p.Address, p.Height))
	b.relay.Wait()
	require.True(t, sameChain([]*Node{a, b}, 4))
	require.False(t, b.Behind())
	require.Equal(t, uint64(4), b.table.Self().Height)
}

// servedChain answers block fetches from a prepared chain and counts them.
type servedChain struct {
	mu      sync.Mutex
	blocks  map[uint64]types.Block
	fetches int
	fail    bool
	hold    chan struct{}
}

func (s *servedChain) Send(context.Context, types.NodeAddress, string, string) (string, error) {
	return "", errors.New("not routed")
}

func (s *servedChain) FetchBlock(ctx context.Context, _ types.NodeAddress, row uint64) (types.Block, error) {
	s.mu.Lock()
	hold := s.hold
	s.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return types.Block{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fail {
		return types.Block{}, errors.New("connection refused")
	}
	b, ok := s.blocks[row]
	if !ok {
		return types.Block{}, chain.ErrNotFound
	}
	return b, nil
}

func (s *servedChain) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// signedChain builds rows signed by proposer on top of prefix.
func signedChain(t *testing.T, proposer *identity.Identity, prefix []types.Block, rows int) []types.Block {
	t.Helper()
	src := chain.New(storage.NewMemory(), nil)
	for _, b := range prefix {
		_, err := src.Commit(b)
		require.NoError(t, err)
	}
	out := append([]types.Block(nil), prefix...)
	for i := 0; i < rows; i++ {
		b := src.Next([]byte(proposer.Wallet()[:8]))
		b.Timestamp = time.UnixMilli(1_700_000_000_000 + int64(len(out))*1000)
		proposer.SignBlock(&b)
		_, err := src.Commit(b)
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func relayFixture(t *testing.T, rows int, limit int) (*Relay, *chain.Pipeline, *servedChain, string) {
	t.Helper()
	proposer := identity.NewEphemeral()
	served := &servedChain{blocks: make(map[uint64]types.Block)}
	for _, b := range signedChain(t, proposer, nil, rows) {
		served.blocks[b.Row] = b
	}

	table := peers.NewTable(types.PeerRecord{
		Wallet:  "self",
		Address: types.NodeAddress{IP: "10.0.0.1", Port: 9400},
	}, peers.NewAddressBook(storage.NewMemory(), nil), nil)
	table.AddOrUpdate(types.PeerRecord{
		Wallet:  proposer.Wallet(),
		Address: types.NodeAddress{IP: "10.0.0.2", Port: 9400},
	})

	dst := chain.New(storage.NewMemory(), nil)
	r, err := NewRelay(RelayConfig{CatchUpLimit: limit, FetchTimeout: time.Second}, dst, table, served, nil)
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r, dst, served, proposer.Wallet()
}

func TestRelayCatchesUp(t *testing.T) {
	r, dst, served, wallet := relayFixture(t, 5, 64)
	ctx := context.Background()

	require.NoError(t, r.HandlePointer(ctx, 3, wallet, types.PeerRecord{}))
	r.Wait()
	require.Equal(t, uint64(4), dst.NextExpectedRow())
	require.Equal(t, 3, served.count())

	// A repeated pointer is not fetched again.
	require.NoError(t, r.HandlePointer(ctx, 3, wallet, types.PeerRecord{}))
	r.Wait()
	require.Equal(t, 3, served.count())

	require.NoError(t, r.HandlePointer(ctx, 5, wallet, types.PeerRecord{}))
	r.Wait()
	require.Equal(t, uint64(6), dst.NextExpectedRow())
	require.Empty(t, dst.Pending())
}

func TestRelayCatchUpIsBounded(t *testing.T) {
	r, dst, _, wallet := relayFixture(t, 6, 2)

	require.NoError(t, r.HandlePointer(context.Background(), 6, wallet, types.PeerRecord{}))
	r.Wait()
	require.Equal(t, uint64(3), dst.NextExpectedRow())
	require.Equal(t, []uint64{6}, dst.Pending())
}

func TestRelayAnswersBeforeFetching(t *testing.T) {
	r, dst, served, wallet := relayFixture(t, 1, 64)
	hold := make(chan struct{})
	served.mu.Lock()
	served.hold = hold
	served.mu.Unlock()

	returned := make(chan error, 1)
	go func() { returned <- r.HandlePointer(context.Background(), 1, wallet, types.PeerRecord{}) }()
	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pointer answered only after the fetch")
	}
	require.Equal(t, uint64(1), r.Fetching())

	close(hold)
	r.Wait()
	require.Zero(t, r.Fetching())
	require.Equal(t, uint64(2), dst.NextExpectedRow())
}

func TestRelayRejections(t *testing.T) {
	r, dst, served, wallet := relayFixture(t, 2, 64)
	ctx := context.Background()

	err := r.HandlePointer(ctx, 1, "stranger", types.PeerRecord{})
	var rej *gossip.Reject
	require.ErrorAs(t, err, &rej)
	require.Equal(t, types.BlockErrUnknownProposer, rej.Code)

	// Fetch failures are logged, not answered; the pointer is retried.
	served.mu.Lock()
	served.fail = true
	served.mu.Unlock()
	require.NoError(t, r.HandlePointer(ctx, 1, wallet, types.PeerRecord{}))
	r.Wait()
	require.Equal(t, uint64(1), dst.NextExpectedRow())

	served.mu.Lock()
	served.fail = false
	good := served.blocks[1]
	tampered := good
	tampered.Payload = []byte("tampered")
	served.blocks[1] = tampered
	served.mu.Unlock()
	require.NoError(t, r.HandlePointer(ctx, 1, wallet, types.PeerRecord{}))
	r.Wait()
	require.Equal(t, uint64(1), dst.NextExpectedRow())

	served.mu.Lock()
	served.blocks[1] = good
	served.mu.Unlock()
	require.NoError(t, r.HandlePointer(ctx, 1, wallet, types.PeerRecord{}))
	r.Wait()
	require.Equal(t, uint64(2), dst.NextExpectedRow())
}

func TestRelayReplacesForkedRows(t *testing.T) {
	r, dst, served, wallet := relayFixture(t, 5, 64)

	// The local chain shares rows 1-2 and then carries a row of its own.
	served.mu.Lock()
	shared := []types.Block{served.blocks[1], served.blocks[2]}
	served.mu.Unlock()
	own := signedChain(t, identity.NewEphemeral(), shared, 1)
	for _, b := range own {
		_, err := dst.Commit(b)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(4), dst.NextExpectedRow())

	require.NoError(t, r.HandlePointer(context.Background(), 5, wallet, types.PeerRecord{}))
	r.Wait()
	require.Equal(t, uint64(6), dst.NextExpectedRow())
	for row := uint64(1); row <= 5; row++ {
		b, err := dst.Block(row)
		require.NoError(t, err)
		require.Equal(t, served.blocks[row].Hash, b.Hash, "row %d", row)
	}
}

func TestRelaySyncReplacesOwnFirstRow(t *testing.T) {
	r, dst, served, _ := relayFixture(t, 4, 2)

	own := signedChain(t, identity.NewEphemeral(), nil, 1)
	_, err := dst.Commit(own[0])
	require.NoError(t, err)

	from := types.NodeAddress{IP: "10.0.0.2", Port: 9400}
	require.True(t, r.Sync(from, 4))
	r.Wait()
	require.Equal(t, uint64(2), dst.NextExpectedRow())
	b, err := dst.Block(1)
	require.NoError(t, err)
	require.Equal(t, served.blocks[1].Hash, b.Hash)

	require.True(t, r.Sync(from, 4))
	r.Wait()
	require.True(t, r.Sync(from, 4))
	r.Wait()
	require.Equal(t, uint64(5), dst.NextExpectedRow())
}

func TestRelayStopCancelsFetch(t *testing.T) {
	r, dst, served, wallet := relayFixture(t, 1, 64)
	served.mu.Lock()
	served.hold = make(chan struct{})
	served.mu.Unlock()

	require.NoError(t, r.HandlePointer(context.Background(), 1, wallet, types.PeerRecord{}))
	r.Stop()
	require.Equal(t, uint64(1), dst.NextExpectedRow())
	require.False(t, r.Sync(types.NodeAddress{IP: "10.0.0.2", Port: 9400}, 1))
}

func TestProducerSignsOnHead(t *testing.T) {
	id := identity.NewEphemeral()
	c := chain.New(storage.NewMemory(), nil)
	p := NewProducer(c, id, PayloadFunc(func(_ context.Context, row uint64) ([]byte, error) {
		return []byte(fmt.Sprintf("row-%d", row)), nil
	}), nil)

	at := time.UnixMilli(1_700_000_000_123)
	first, err := p.Build(context.Background(), at)
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Row)
	require.Empty(t, first.PrevHash)
	require.Equal(t, []byte("row-1"), first.Payload)
	require.NoError(t, identity.VerifyBlock(&first))

	_, err = c.Commit(first)
	require.NoError(t, err)

	second, err := p.Build(context.Background(), at.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Row)
	require.Equal(t, first.Hash, second.PrevHash)
}
