package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"valqueue.node/vqn/internal/election"
	"valqueue.node/vqn/internal/metrics"
	"valqueue.node/vqn/internal/types"
)

// Run replays the persisted chain, marks the node ready and drives gossip,
// the quorum gate and election rounds until ctx is cancelled. Broadcasts
// still in flight at cancellation finish on their own send timeout before
// Run returns; block fetches are cancelled.
func (n *Node) Run(ctx context.Context) error {
	if _, err := n.chain.Replay(); err != nil {
		return fmt.Errorf("replay chain: %w", err)
	}
	if _, err := n.clock.Refresh(ctx, true); err != nil {
		n.log.Warn("initial clock sync failed, using local time", zap.Error(err))
	}
	metrics.InitInfo(n.id.Wallet())

	n.mu.Lock()
	n.started = time.Now()
	n.mu.Unlock()
	n.MyNodeIsReady()

	n.log.Info("node running",
		zap.String("address", n.Address().String()),
		zap.String("wallet", types.Prefix(n.id.Wallet(), 12)),
		zap.String("instance", n.instance),
		zap.Uint64("next_expected_row", n.chain.NextExpectedRow()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.gossipLoop(gctx) })
	g.Go(func() error { return n.mainLoop(gctx) })
	err := g.Wait()
	n.bg.Wait()
	n.relay.Stop()

	n.engine.Stop()
	n.log.Info("node stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// MyNodeIsReady marks the node's own record ready. Peers learn it through
// the ready announcement and through the record itself.
func (n *Node) MyNodeIsReady() {
	n.table.UpdateSelf(func(r *types.PeerRecord) { r.Ready = true })
	n.table.RecomputeDigest()
}

func (n *Node) gossipTick() time.Duration {
	tick := time.Second
	for _, d := range []time.Duration{n.cfg.GossipInterval.D(), n.cfg.ReclassifyInterval.D()} {
		if d > 0 && d < tick {
			tick = d
		}
	}
	if floor := n.cfg.LoopInterval.D(); tick < floor {
		tick = floor
	}
	return tick
}

func (n *Node) gossipLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.gossipTick())
	defer ticker.Stop()
	for {
		n.exchange.Cycle(ctx)
		n.announceReady(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) mainLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		open := n.step(ctx)
		wait := n.cfg.LoopInterval.D()
		if !open {
			wait = n.cfg.QuorumPollInterval.D()
		}
		timer.Reset(wait)
	}
}

// step runs one iteration of the main loop and reports whether the quorum
// gate is open.
func (n *Node) step(ctx context.Context) bool {
	if _, err := n.clock.Refresh(ctx, false); err != nil {
		n.log.Debug("clock refresh failed", zap.Error(err))
	}
	metrics.ClockOffset.Set(n.clock.Offset().Seconds())

	if p, ok := n.aheadPeer(); ok && n.relay.Sync(p.Address, p.Height) {
		n.log.Debug("syncing from peer",
			zap.String("peer", p.Address.String()),
			zap.Uint64("height", p.Height),
			zap.Uint64("next_expected_row", n.chain.NextExpectedRow()))
	}

	now := n.clock.Now()
	eligible := n.table.Eligible()
	d := n.gate.Update(eligible, now)
	metrics.RecordQuorum(d.Open)

	if d.Closed {
		n.engine.Stop()
	}
	if !d.Open {
		return false
	}
	if d.Coordinate {
		n.coordinate(ctx, eligible)
	}
	if d.Start {
		n.engine.Start(d.StartAt)
	}

	now = n.clock.Now()
	if n.engine.Due(now) {
		n.round(ctx, now)
	}
	return true
}

// coordinate picks the rendezvous StartAt and announces it.
func (n *Node) coordinate(ctx context.Context, eligible []types.PeerRecord) {
	if _, err := n.clock.Refresh(ctx, true); err != nil {
		n.log.Warn("clock refresh before rendezvous failed", zap.Error(err))
	}
	now := n.clock.Now()
	at := n.gate.ChooseStart(now)
	if !n.gate.SetStartAt(at, n.id.Wallet(), now) {
		return
	}
	n.log.Info("announcing election start",
		zap.Time("start_at", at),
		zap.Int("peers", len(eligible)-1))
	n.broadcast(ctx, eligible, types.TagWhen, types.FormatInstant(at))
}

// round runs one election round and, on this node's turn, announces the next
// boundary and proposes a block.
func (n *Node) round(ctx context.Context, now time.Time) {
	r := n.engine.RunRound(n.table.Snapshot(), now)
	n.table.UpdateSelf(func(p *types.PeerRecord) { p.WorldClockSample = r.Key })
	n.table.RecomputeDigest()

	behind := r.MyTurn && n.Behind()
	role := "follower"
	switch {
	case r.Proposer == "":
		role = "empty"
	case behind:
		role = "behind"
	case r.MyTurn:
		role = "proposer"
	}
	metrics.Rounds.WithLabelValues(role).Inc()
	if !r.MyTurn {
		return
	}

	targets := electedPeers(n.table.Eligible(), r)
	n.broadcast(ctx, targets, types.TagTime, types.FormatInstant(r.NextRoundNotBefore))
	if behind {
		// A block built on a stale head would fork the chain.
		n.log.Info("proposal skipped while behind peers",
			zap.Uint64("next_expected_row", n.chain.NextExpectedRow()))
		return
	}
	n.propose(ctx, now, targets)
}

// electedPeers returns the records ranked in r.
func electedPeers(eligible []types.PeerRecord, r election.Round) []types.PeerRecord {
	ranked := make(map[string]struct{}, len(r.Order))
	for _, o := range r.Order {
		ranked[o.Wallet] = struct{}{}
	}
	out := eligible[:0]
	for _, p := range eligible {
		if _, ok := ranked[p.Wallet]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (n *Node) propose(ctx context.Context, at time.Time, targets []types.PeerRecord) {
	b, err := n.producer.Build(ctx, at)
	if err != nil {
		n.log.Warn("block not built", zap.Error(err))
		return
	}
	if _, err := n.Commit(b); err != nil {
		n.log.Warn("own block rejected", zap.Uint64("row", b.Row), zap.Error(err))
		return
	}
	n.relay.MarkSeen(b.Row, b.Proposer)
	n.log.Info("block proposed",
		zap.Uint64("row", b.Row),
		zap.String("hash", types.Prefix(b.Hash, 12)))
	n.broadcast(ctx, targets, types.TagBlock, b.Pointer())
}

// broadcast sends tag to targets without blocking the loop. Run waits for
// outstanding broadcasts before it returns.
func (n *Node) broadcast(ctx context.Context, targets []types.PeerRecord, tag, payload string) {
	if len(targets) == 0 {
		return
	}
	list := append([]types.PeerRecord(nil), targets...)
	n.bg.Add(1)
	go func() {
		defer n.bg.Done()
		n.exchange.Broadcast(ctx, list, tag, payload)
	}()
}

// announceReady sends the ready announcement to every peer that has not yet
// accepted it from this instance, once quorum is plausible.
func (n *Node) announceReady(ctx context.Context) {
	self := n.table.Self()
	if !self.Ready || n.table.Len() <= n.cfg.MinimumNodeCount {
		return
	}

	var targets []types.PeerRecord
	n.mu.Lock()
	for _, p := range n.table.Others() {
		if inst, ok := n.announced[p.Key()]; ok && inst == p.InstanceID {
			continue
		}
		targets = append(targets, p)
	}
	n.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	accepted := n.exchange.Broadcast(ctx, targets, types.TagReady, self.Wallet)
	if len(accepted) == 0 {
		return
	}
	byKey := make(map[types.HexKey]string, len(targets))
	for _, p := range targets {
		byKey[p.Key()] = p.InstanceID
	}
	n.mu.Lock()
	for _, k := range accepted {
		n.announced[k] = byKey[k]
	}
	n.mu.Unlock()
	n.log.Debug("ready announced", zap.Int("peers", len(accepted)))
}

// onPeerDiffer forgets the ready announcement to a peer whose view of the
// table differs, so it is sent again.
func (n *Node) onPeerDiffer(p types.PeerRecord) {
	n.mu.Lock()
	delete(n.announced, p.Key())
	n.mu.Unlock()
}

func (n *Node) onWhen(at time.Time, sender types.PeerRecord) {
	n.gate.SetStartAt(at, sender.Wallet, n.clock.Now())
}

// onTime adopts a next-round directive from the current round's proposer.
func (n *Node) onTime(next time.Time, sender types.PeerRecord) {
	if r, ok := n.engine.Current(); ok && r.Proposer != sender.Wallet {
		n.log.Debug("next-round directive from non-proposer ignored",
			zap.String("sender", types.Prefix(sender.Wallet, 12)),
			zap.String("proposer", types.Prefix(r.Proposer, 12)))
		return
	}
	if n.engine.Adopt(next) {
		n.log.Debug("next round boundary adopted", zap.Time("next", next))
	}
}
