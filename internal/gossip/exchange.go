// Package gossip keeps the address book and peer table converged across
// nodes. Each cycle probes peers with truncated digests, syncs address books
// on mismatch and swaps self records with peers whose state differs or whose
// status is not yet known. It also answers every inbound queue frame.
package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"valqueue.node/vqn/internal/identity"
	"valqueue.node/vqn/internal/metrics"
	"valqueue.node/vqn/internal/peers"
	"valqueue.node/vqn/internal/transport"
	"valqueue.node/vqn/internal/types"
)

// PrefixLen is the number of digest characters carried by a hash probe.
const PrefixLen = 20

var (
	// ErrSuppressed is returned when the same tag went to the same peer too
	// recently.
	ErrSuppressed = errors.New("send suppressed")
	// ErrBackoff is returned for peers still inside their failure backoff.
	ErrBackoff = errors.New("peer in failure backoff")
	// ErrMalformed is returned for payloads and replies that do not parse.
	ErrMalformed = errors.New("malformed payload")
)

// Suppression windows per tag. Tags not listed are never suppressed.
var suppression = map[string]time.Duration{
	types.TagHash:  time.Second,
	types.TagNode:  2 * time.Second,
	types.TagList:  2 * time.Second,
	types.TagReady: 2 * time.Second,
}

// Config holds the exchange tunables.
type Config struct {
	GossipInterval     time.Duration
	ReclassifyInterval time.Duration
	FailureBackoff     time.Duration
	SendTimeout        time.Duration
	FanoutLimit        int
}

// Signer signs the node's own record before it leaves the node.
type Signer interface {
	SignRecord(r *types.PeerRecord)
}

// Hooks deliver directives owned by other components. Nil hooks accept and
// ignore the directive.
type Hooks struct {
	// OnWhen receives a rendezvous StartAt from sender.
	OnWhen func(at time.Time, sender types.PeerRecord)
	// OnTime receives a next-round directive from sender.
	OnTime func(next time.Time, sender types.PeerRecord)
	// OnBlock handles a relay pointer. A non-nil error should be a *Reject
	// carrying one of the types.BlockErr codes.
	OnBlock func(ctx context.Context, row uint64, wallet string, sender types.PeerRecord) error
	// OnPeerDiffer is told about a peer whose probe reply says its view of
	// the peer table differs from ours.
	OnPeerDiffer func(p types.PeerRecord)
}

// Deps are the collaborators of an Exchange.
type Deps struct {
	Table  *peers.Table
	Sender transport.Sender
	// Signer may be nil for nodes whose wallet is not a key.
	Signer Signer
	// Now returns world time.
	Now   func() time.Time
	Hooks Hooks
	Log   *zap.Logger
}

type sendKey struct {
	peer types.HexKey
	tag  string
}

// Exchange runs outbound gossip and answers inbound frames.
type Exchange struct {
	cfg    Config
	table  *peers.Table
	sender transport.Sender
	signer Signer
	now    func() time.Time
	hooks  Hooks
	log    *zap.Logger

	mu             sync.Mutex
	lastSent       map[sendKey]time.Time
	lastProbe      map[types.HexKey]time.Time
	stale          map[types.HexKey]struct{}
	lastReclassify time.Time
}

// New returns an exchange over deps.Table.
func New(cfg Config, deps Deps) *Exchange {
	if cfg.FanoutLimit <= 0 {
		cfg.FanoutLimit = 8
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Exchange{
		cfg:       cfg,
		table:     deps.Table,
		sender:    deps.Sender,
		signer:    deps.Signer,
		now:       deps.Now,
		hooks:     deps.Hooks,
		log:       deps.Log.Named("gossip"),
		lastSent:  make(map[sendKey]time.Time),
		lastProbe: make(map[types.HexKey]time.Time),
		stale:     make(map[types.HexKey]struct{}),
	}
}

// MarkStale flags a peer for a full record exchange on the next cycle.
func (x *Exchange) MarkStale(key types.HexKey) {
	x.mu.Lock()
	x.stale[key] = struct{}{}
	x.mu.Unlock()
}

func (x *Exchange) takeStale(key types.HexKey) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.stale[key]
	delete(x.stale, key)
	return ok
}

func (x *Exchange) isStale(key types.HexKey) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.stale[key]
	return ok
}

// ProbePayload renders this node's hash probe.
func (x *Exchange) ProbePayload() string {
	return types.Prefix(x.table.Book().Digest(), PrefixLen) + ":" + types.Prefix(x.table.Digest(), PrefixLen)
}

// SelfRecord returns the node's own record, stamped and signed for sending.
func (x *Exchange) SelfRecord() types.PeerRecord {
	r := x.table.Self()
	r.LocalClockSample = time.Now()
	r.StateDigest = x.table.Digest()
	r.Signature = nil
	if x.signer != nil {
		x.signer.SignRecord(&r)
	}
	return r
}

// Cycle runs one gossip pass: probes peers whose interval elapsed, syncs
// what the probes found different, and reclassifies Unknown and Error peers.
func (x *Exchange) Cycle(ctx context.Context) {
	now := x.now()

	x.mu.Lock()
	reclassify := now.Sub(x.lastReclassify) >= x.cfg.ReclassifyInterval
	if reclassify {
		x.lastReclassify = now
	}
	x.mu.Unlock()

	var probe, full []types.PeerRecord
	for _, p := range x.table.Others() {
		if !p.CanRetry(now, x.cfg.FailureBackoff) {
			continue
		}
		key := p.Key()
		switch {
		case reclassify && (p.Status == types.PeerUnknown || p.Status == types.PeerError):
			full = append(full, p)
		case x.isStale(key):
			full = append(full, p)
		default:
			x.mu.Lock()
			due := now.Sub(x.lastProbe[key]) >= x.cfg.GossipInterval
			x.mu.Unlock()
			if due {
				probe = append(probe, p)
			}
		}
	}

	if len(probe) > 0 {
		var fmu sync.Mutex
		x.fanout(ctx, probe, func(ctx context.Context, p types.PeerRecord) {
			x.mu.Lock()
			x.lastProbe[p.Key()] = now
			x.mu.Unlock()
			if x.Probe(ctx, p) {
				fmu.Lock()
				full = append(full, p)
				fmu.Unlock()
			}
		})
	}

	if len(full) > 0 {
		x.fanout(ctx, dedupe(full), func(ctx context.Context, p types.PeerRecord) {
			x.takeStale(p.Key())
			if err := x.ExchangeNode(ctx, p); err != nil && !errors.Is(err, ErrSuppressed) {
				x.MarkStale(p.Key())
			}
		})
	}

	x.table.RecomputeDigest()
	metrics.RecordPeers(x.table.Snapshot())
}

func dedupe(list []types.PeerRecord) []types.PeerRecord {
	seen := make(map[types.HexKey]struct{}, len(list))
	out := list[:0]
	for _, r := range list {
		if _, dup := seen[r.Key()]; dup {
			continue
		}
		seen[r.Key()] = struct{}{}
		out = append(out, r)
	}
	return out
}

// fanout runs fn for every target with at most FanoutLimit in flight and
// waits for all of them.
func (x *Exchange) fanout(ctx context.Context, targets []types.PeerRecord, fn func(context.Context, types.PeerRecord)) {
	var g errgroup.Group
	g.SetLimit(x.cfg.FanoutLimit)
	for _, p := range targets {
		p := p
		g.Go(func() error {
			fn(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
}

// Probe sends a hash probe to p and acts on the reply. It reports whether
// p must get a full record exchange.
func (x *Exchange) Probe(ctx context.Context, p types.PeerRecord) bool {
	reply, err := x.send(ctx, p, types.TagHash, x.ProbePayload())
	switch {
	case errors.Is(err, ErrSuppressed), errors.Is(err, ErrBackoff):
		return false
	case err != nil:
		return true
	}

	switch reply {
	case types.ProbeEqual:
		return false
	case types.ProbeAddressDiffer:
		if err := x.ExchangeList(ctx, p); err != nil && !errors.Is(err, ErrSuppressed) {
			x.log.Debug("address list exchange failed",
				zap.String("peer", p.Address.String()),
				zap.Error(err))
		}
		return false
	case types.ProbePeerDiffer:
		if x.hooks.OnPeerDiffer != nil {
			x.hooks.OnPeerDiffer(p)
		}
		return true
	default:
		x.malformed(p, types.TagHash, fmt.Errorf("%w: probe reply %q", ErrMalformed, reply))
		return true
	}
}

// ExchangeList sends the full address book to p and merges p's reply.
func (x *Exchange) ExchangeList(ctx context.Context, p types.PeerRecord) error {
	raw, err := json.Marshal(x.table.Book().Strings())
	if err != nil {
		return fmt.Errorf("encode address list: %w", err)
	}
	reply, err := x.send(ctx, p, types.TagList, string(raw))
	if err != nil {
		return err
	}

	var addrs []string
	if err := json.Unmarshal([]byte(reply), &addrs); err != nil {
		err = fmt.Errorf("%w: list reply: %v", ErrMalformed, err)
		x.malformed(p, types.TagList, err)
		return err
	}
	x.mergeAddresses(addrs)
	return nil
}

func (x *Exchange) mergeAddresses(addrs []string) {
	added := x.table.Book().Merge(addrs)
	for _, a := range added {
		x.table.Ensure(a)
	}
	// Entries the book already held may still lack a table record.
	for _, s := range addrs {
		if a, err := types.ParseAddress(s); err == nil {
			x.table.Ensure(a)
		}
	}
	if len(added) > 0 {
		x.log.Info("learned addresses", zap.Int("count", len(added)))
		x.table.RecomputeDigest()
	}
}

// ExchangeNode swaps self records with p.
func (x *Exchange) ExchangeNode(ctx context.Context, p types.PeerRecord) error {
	raw, err := json.Marshal(x.SelfRecord())
	if err != nil {
		return fmt.Errorf("encode self record: %w", err)
	}
	reply, err := x.send(ctx, p, types.TagNode, string(raw))
	if err != nil {
		return err
	}

	r, err := decodeRecord(reply)
	if err != nil {
		x.malformed(p, types.TagNode, err)
		return err
	}
	if r.Key() != p.Key() {
		x.log.Debug("peer reports a different address",
			zap.String("contacted", p.Address.String()),
			zap.String("reported", r.Address.String()))
		r.Address = p.Address
	}
	if x.table.AddOrUpdate(r) {
		x.log.Info("new peer", zap.String("peer", r.Address.String()))
	}
	x.table.RecomputeDigest()
	return nil
}

func decodeRecord(s string) (types.PeerRecord, error) {
	var r types.PeerRecord
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return r, fmt.Errorf("%w: record: %v", ErrMalformed, err)
	}
	if r.Address.IP == "" || r.Address.Port == 0 {
		return r, fmt.Errorf("%w: record without address", ErrMalformed)
	}
	if err := identity.VerifyRecord(&r); err != nil {
		return r, fmt.Errorf("%w: record of %s: %v", ErrMalformed, r.Address, err)
	}
	return r, nil
}

// Broadcast sends tag/payload to every target but the node itself and
// returns the keys of the peers that accepted it. Failures only touch the
// peer table.
func (x *Exchange) Broadcast(ctx context.Context, targets []types.PeerRecord, tag, payload string) []types.HexKey {
	self := x.table.SelfKey()
	var (
		mu       sync.Mutex
		accepted []types.HexKey
	)
	list := make([]types.PeerRecord, 0, len(targets))
	for _, p := range targets {
		if p.Key() != self {
			list = append(list, p)
		}
	}
	x.fanout(ctx, list, func(ctx context.Context, p types.PeerRecord) {
		if _, err := x.send(ctx, p, tag, payload); err == nil {
			mu.Lock()
			accepted = append(accepted, p.Key())
			mu.Unlock()
		}
	})
	return accepted
}

// Send delivers one frame to p with suppression and backoff applied.
func (x *Exchange) Send(ctx context.Context, p types.PeerRecord, tag, payload string) (string, error) {
	return x.send(ctx, p, tag, payload)
}

func (x *Exchange) send(ctx context.Context, p types.PeerRecord, tag, payload string) (string, error) {
	now := x.now()
	key := p.Key()

	if cur, ok := x.table.Get(key); ok {
		p = cur
	}
	if !p.CanRetry(now, x.cfg.FailureBackoff) {
		metrics.RecordSend(tag, "backoff", 0)
		return "", ErrBackoff
	}
	if window, ok := suppression[tag]; ok {
		sk := sendKey{peer: key, tag: tag}
		x.mu.Lock()
		last, seen := x.lastSent[sk]
		if seen && now.Sub(last) < window {
			x.mu.Unlock()
			metrics.RecordSend(tag, "suppressed", 0)
			x.log.Debug("send suppressed", zap.String("peer", p.Address.String()), zap.String("tag", tag))
			return "", ErrSuppressed
		}
		x.lastSent[sk] = now
		x.mu.Unlock()
	}

	// Shutdown does not abort a send in flight; it runs to its own timeout.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.cfg.SendTimeout)
	defer cancel()

	started := time.Now()
	reply, err := x.sender.Send(sendCtx, p.Address, tag, payload)
	elapsed := time.Since(started)

	var remote *transport.RemoteError
	switch {
	case err == nil:
		x.table.MarkSuccess(key)
		metrics.RecordSend(tag, "ok", elapsed)
		return reply, nil
	case errors.As(err, &remote):
		// The peer is up and answered; the rejection is about the payload.
		x.table.MarkSuccess(key)
		metrics.RecordSend(tag, "rejected", elapsed)
		return "", err
	default:
		x.table.MarkFailure(key, types.PeerOffline, x.now())
		metrics.RecordSend(tag, "failed", elapsed)
		x.log.Warn("peer unreachable",
			zap.String("peer", p.Address.String()),
			zap.String("tag", tag),
			zap.Error(err))
		return "", err
	}
}

func (x *Exchange) malformed(p types.PeerRecord, tag string, err error) {
	x.table.MarkFailure(p.Key(), types.PeerError, x.now())
	x.log.Warn("malformed reply",
		zap.String("peer", p.Address.String()),
		zap.String("tag", tag),
		zap.Error(err))
}

func splitProbe(payload string) (string, string, bool) {
	a, b, ok := strings.Cut(payload, ":")
	if !ok || len(a) != PrefixLen || len(b) != PrefixLen {
		return "", "", false
	}
	return a, b, true
}
