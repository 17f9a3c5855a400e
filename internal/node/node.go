// Package node wires the validator queue node together: the clock, the
// address book and peer table, gossip, the quorum gate, the election engine,
// the commit pipeline, the block producer and the block relay. Run drives
// them from one cancellable background loop.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"valqueue.node/vqn/internal/chain"
	"valqueue.node/vqn/internal/clock"
	"valqueue.node/vqn/internal/config"
	"valqueue.node/vqn/internal/election"
	"valqueue.node/vqn/internal/gossip"
	"valqueue.node/vqn/internal/identity"
	"valqueue.node/vqn/internal/metrics"
	"valqueue.node/vqn/internal/peers"
	"valqueue.node/vqn/internal/storage"
	"valqueue.node/vqn/internal/transport"
	"valqueue.node/vqn/internal/types"
)

// Deps are the node's external collaborators. Nil fields get defaults built
// from the configuration.
type Deps struct {
	Identity *identity.Identity
	KV       storage.KV
	Source   clock.Source
	Sender   transport.Sender
	Payload  PayloadSource
	Log      *zap.Logger
}

// Node is one validator queue participant.
type Node struct {
	cfg      *config.Config
	id       *identity.Identity
	kv       storage.KV
	instance string
	log      *zap.Logger

	clock    *clock.Clock
	book     *peers.AddressBook
	table    *peers.Table
	exchange *gossip.Exchange
	gate     *election.Gate
	engine   *election.Engine
	chain    *chain.Pipeline
	producer *Producer
	relay    *Relay

	mu        sync.Mutex
	announced map[types.HexKey]string
	started   time.Time

	bg sync.WaitGroup
}

// New builds a node from cfg. The address book is loaded from the store; the
// persisted chain is replayed by Run.
func New(cfg *config.Config, deps Deps) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Identity == nil {
		return nil, errors.New("node identity is required")
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	kv := deps.KV
	if kv == nil {
		kv = storage.NewMemory()
	}

	addr, err := types.ParseAddress(net.JoinHostPort(cfg.NodeIP, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("node address: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		id:        deps.Identity,
		kv:        kv,
		instance:  uuid.NewString(),
		log:       log.Named("node"),
		announced: make(map[types.HexKey]string),
	}

	source := deps.Source
	if source == nil {
		source = clock.NewSource(cfg.TimeServers, cfg.SendTimeout.D())
	}
	n.clock = clock.New(source, cfg.ResyncInterval.D(), cfg.RetryAfterFailure.D(), log)

	n.book = peers.NewAddressBook(kv, log)
	if loaded, err := n.book.Load(); err != nil {
		n.log.Warn("address book not restored", zap.Error(err))
	} else if loaded > 0 {
		n.log.Info("address book restored", zap.Int("addresses", loaded))
	}
	n.seedBootstrap(addr)

	n.table = peers.NewTable(types.PeerRecord{
		Wallet:     n.id.Wallet(),
		Address:    addr,
		InstanceID: n.instance,
	}, n.book, log)

	sender := deps.Sender
	if sender == nil {
		sender = transport.NewClient(addr.Key(), cfg.SendTimeout.D())
	}

	n.chain = chain.New(kv, log)
	n.chain.OnBlockCommitted(func(b types.Block) {
		metrics.BlocksCommitted.Inc()
		n.setHeight(b.Row)
	})

	n.engine = election.NewEngine(n.id.Wallet(), cfg.RoundCadence.D(), nil, log)
	n.gate = election.NewGate(election.GateConfig{
		MinimumNodeCount:  cfg.MinimumNodeCount,
		StartCadence:      cfg.StartCadence.D(),
		RendezvousTimeout: cfg.RendezvousTimeout.D(),
	}, n.id.Wallet(), nil, log)

	n.relay, err = NewRelay(RelayConfig{
		CatchUpLimit: cfg.CatchUpLimit,
		FetchTimeout: cfg.SendTimeout.D(),
	}, n, n.table, sender, log)
	if err != nil {
		return nil, err
	}

	n.exchange = gossip.New(gossip.Config{
		GossipInterval:     cfg.GossipInterval.D(),
		ReclassifyInterval: cfg.ReclassifyInterval.D(),
		FailureBackoff:     cfg.FailureBackoff.D(),
		SendTimeout:        cfg.SendTimeout.D(),
		FanoutLimit:        cfg.FanoutLimit,
	}, gossip.Deps{
		Table:  n.table,
		Sender: sender,
		Signer: n.id,
		Now:    n.clock.Now,
		Hooks: gossip.Hooks{
			OnWhen:       n.onWhen,
			OnTime:       n.onTime,
			OnBlock:      n.relay.HandlePointer,
			OnPeerDiffer: n.onPeerDiffer,
		},
		Log: log,
	})

	n.producer = NewProducer(n.chain, n.id, deps.Payload, log)
	return n, nil
}

// seedBootstrap adds the configured bootstrap peers for this node's group.
func (n *Node) seedBootstrap(self types.NodeAddress) {
	addrs, err := n.cfg.BootstrapFor(n.cfg.Key())
	if err != nil {
		if n.book.Len() == 0 {
			n.log.Info("no bootstrap peers configured", zap.Error(err))
		}
		return
	}
	var peersOnly []string
	for _, a := range addrs {
		if p, err := types.ParseAddress(a); err == nil && p.Key() == self.Key() {
			continue
		}
		peersOnly = append(peersOnly, a)
	}
	if added := n.book.Merge(peersOnly); len(added) > 0 {
		n.log.Info("bootstrap peers added", zap.Int("count", len(added)))
	}
}

// Commit admits a block into the local chain.
func (n *Node) Commit(b types.Block) (bool, error) {
	applied, err := n.chain.Commit(b)
	if err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, chain.ErrLinkMismatch):
			reason = "link"
		case errors.Is(err, chain.ErrTooFarAhead):
			reason = "ahead"
		}
		metrics.BlocksRejected.WithLabelValues(reason).Inc()
	}
	metrics.PendingBlocks.Set(float64(len(n.chain.Pending())))
	return applied, err
}

// Rollback discards the committed rows above row. Peers learn the lower
// height with the next record exchange.
func (n *Node) Rollback(row uint64) error {
	if err := n.chain.Rollback(row); err != nil {
		return err
	}
	metrics.ChainRollbacks.Inc()
	n.setHeight(n.chain.NextExpectedRow() - 1)
	return nil
}

// setHeight publishes the committed height in the node's own record.
func (n *Node) setHeight(row uint64) {
	metrics.ChainHeight.Set(float64(row))
	n.table.UpdateSelf(func(r *types.PeerRecord) { r.Height = row })
}

// aheadPeer returns the reachable peer with the highest committed height
// when that height is at or past the next expected row.
func (n *Node) aheadPeer() (types.PeerRecord, bool) {
	next := n.chain.NextExpectedRow()
	var best types.PeerRecord
	found := false
	for _, p := range n.table.Others() {
		if p.Status != types.PeerOnline || p.ErrorCount > 0 {
			continue
		}
		if p.Height >= next && (!found || p.Height > best.Height) {
			best, found = p, true
		}
	}
	return best, found
}

// Behind reports whether a peer has committed, or announced, a row this
// node has not. A node that is behind does not propose.
func (n *Node) Behind() bool {
	if n.relay.Fetching() >= n.chain.NextExpectedRow() {
		return true
	}
	_, ahead := n.aheadPeer()
	return ahead
}

// NextExpectedRow returns the row the chain will commit next.
func (n *Node) NextExpectedRow() uint64 {
	return n.chain.NextExpectedRow()
}

// OnBlockCommitted registers fn for every committed row, in row order.
func (n *Node) OnBlockCommitted(fn func(types.Block)) {
	n.chain.OnBlockCommitted(fn)
}

// MyTurn reports whether this node proposes in the current round.
func (n *Node) MyTurn() bool {
	return n.engine.MyTurn()
}

// CurrentWorldTime returns the synchronized world time.
func (n *Node) CurrentWorldTime() time.Time {
	return n.clock.Now()
}

// HandleFrame answers one inbound queue frame.
func (n *Node) HandleFrame(ctx context.Context, f transport.Frame) (string, error) {
	return n.exchange.Handle(ctx, f)
}

// Block returns a committed row.
func (n *Node) Block(row uint64) (types.Block, error) {
	return n.chain.Block(row)
}

// Head returns the last committed block.
func (n *Node) Head() (types.Block, bool) {
	return n.chain.Head()
}

// Peers returns a snapshot of the peer table.
func (n *Node) Peers() []types.PeerRecord {
	return n.table.Snapshot()
}

// Addresses returns every known address.
func (n *Node) Addresses() []string {
	return n.book.Strings()
}

// AddPeer adds a discovered address to the address book and peer table.
func (n *Node) AddPeer(addr types.NodeAddress) bool {
	if addr.Key() == n.table.SelfKey() {
		return false
	}
	added := n.table.Ensure(addr)
	if added {
		n.table.RecomputeDigest()
		n.log.Info("peer discovered", zap.String("peer", addr.String()))
	}
	return added
}

// Wallet returns the node's wallet id.
func (n *Node) Wallet() string {
	return n.id.Wallet()
}

// Address returns the node's own address.
func (n *Node) Address() types.NodeAddress {
	return n.table.Self().Address
}

// Store returns the node's key-value store.
func (n *Node) Store() storage.KV {
	return n.kv
}

// Status is a point-in-time summary of the node.
type Status struct {
	Wallet             string          `json:"wallet"`
	Address            string          `json:"address"`
	InstanceID         string          `json:"instance_id"`
	Ready              bool            `json:"ready"`
	WorldTime          time.Time       `json:"world_time"`
	ClockOffset        string          `json:"clock_offset"`
	ClockSynced        bool            `json:"clock_synced"`
	QuorumOpen         bool            `json:"quorum_open"`
	ActiveReady        int             `json:"active_ready"`
	MinimumNodeCount   int             `json:"minimum_node_count"`
	Coordinator        string          `json:"coordinator,omitempty"`
	StartAt            time.Time       `json:"start_at"`
	ElectionStarted    bool            `json:"election_started"`
	Round              *election.Round `json:"round,omitempty"`
	NextRoundNotBefore time.Time       `json:"next_round_not_before"`
	MyTurn             bool            `json:"my_turn"`
	NextExpectedRow    uint64          `json:"next_expected_row"`
	Head               *types.Block    `json:"head,omitempty"`
	Behind             bool            `json:"behind"`
	Pending            []uint64        `json:"pending"`
	AddressBookDigest  string          `json:"address_book_digest"`
	PeerTableDigest    string          `json:"peer_table_digest"`
	Peers              map[string]int  `json:"peers"`
	Uptime             string          `json:"uptime"`
}

// Status reports the node's current state.
func (n *Node) Status() Status {
	self := n.table.Self()
	s := Status{
		Wallet:             n.id.Wallet(),
		Address:            self.Address.String(),
		InstanceID:         n.instance,
		Ready:              self.Ready,
		WorldTime:          n.clock.Now(),
		ClockOffset:        n.clock.Offset().String(),
		ClockSynced:        n.clock.Synced(),
		QuorumOpen:         n.gate.IsOpen(),
		ActiveReady:        n.table.ActiveReadyCount(),
		MinimumNodeCount:   n.cfg.MinimumNodeCount,
		Coordinator:        n.gate.Coordinator(),
		StartAt:            n.gate.StartAt(),
		ElectionStarted:    n.engine.Started(),
		NextRoundNotBefore: n.engine.NextRoundNotBefore(),
		MyTurn:             n.engine.MyTurn(),
		NextExpectedRow:    n.chain.NextExpectedRow(),
		Pending:            n.chain.Pending(),
		Behind:             n.Behind(),
		AddressBookDigest:  n.book.Digest(),
		PeerTableDigest:    n.table.Digest(),
		Peers:              make(map[string]int),
	}
	if r, ok := n.engine.Current(); ok {
		s.Round = &r
	}
	if h, ok := n.chain.Head(); ok {
		s.Head = &h
	}
	for _, p := range n.table.Snapshot() {
		s.Peers[string(p.Status)]++
	}
	n.mu.Lock()
	if !n.started.IsZero() {
		s.Uptime = time.Since(n.started).Round(time.Second).String()
	}
	n.mu.Unlock()
	return s
}
