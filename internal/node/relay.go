package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"valqueue.node/vqn/internal/chain"
	"valqueue.node/vqn/internal/gossip"
	"valqueue.node/vqn/internal/peers"
	"valqueue.node/vqn/internal/transport"
	"valqueue.node/vqn/internal/types"
)

const seenPointers = 4096

// Committer admits blocks into the local chain.
type Committer interface {
	Commit(b types.Block) (bool, error)
	NextExpectedRow() uint64
	Block(row uint64) (types.Block, error)
	// Rollback discards the committed rows above row.
	Rollback(row uint64) error
}

// RelayConfig holds the relay tunables.
type RelayConfig struct {
	// CatchUpLimit bounds the rows fetched for one pointer.
	CatchUpLimit int
	// FetchTimeout bounds each single block fetch.
	FetchTimeout time.Duration
	// RollbackDepth bounds how many committed rows a longer peer chain may
	// replace. Zero means CatchUpLimit.
	RollbackDepth int
}

// Relay turns inbound block pointers into committed blocks: it fetches the
// pointed-to row, and any rows missing before it, from the proposer. Pointers
// are checked while the frame is answered; fetching happens in the
// background so a slow proposer never holds the inbound request open.
type Relay struct {
	cfg    RelayConfig
	commit Committer
	table  *peers.Table
	sender transport.Sender
	seen   *lru.Cache
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	jobsMu sync.Mutex
	closed bool
	jobs   sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[uint64]int
	syncing    atomic.Bool

	// one job touches the chain at a time so catch-up never races itself
	mu sync.Mutex
}

// NewRelay returns a relay committing through commit.
func NewRelay(cfg RelayConfig, commit Committer, table *peers.Table, sender transport.Sender, log *zap.Logger) (*Relay, error) {
	if cfg.CatchUpLimit <= 0 {
		cfg.CatchUpLimit = 64
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.RollbackDepth <= 0 {
		cfg.RollbackDepth = cfg.CatchUpLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	seen, err := lru.New(seenPointers)
	if err != nil {
		return nil, fmt.Errorf("relay cache: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:      cfg,
		commit:   commit,
		table:    table,
		sender:   sender,
		seen:     seen,
		log:      log.Named("relay"),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[uint64]int),
	}, nil
}

// MarkSeen records a pointer this node produced or already handled.
func (r *Relay) MarkSeen(row uint64, wallet string) {
	r.seen.Add(types.FormatPointer(row, wallet), struct{}{})
}

// HandlePointer is the gossip hook for inbound block pointers. It rejects
// pointers naming an unknown proposer with a *gossip.Reject and accepts the
// rest, fetching the block in the background. A pointer whose fetch fails is
// forgotten so a later announcement retries it.
func (r *Relay) HandlePointer(_ context.Context, row uint64, wallet string, _ types.PeerRecord) error {
	ptr := types.FormatPointer(row, wallet)
	if r.seen.Contains(ptr) {
		return nil
	}
	if row < r.commit.NextExpectedRow() {
		r.seen.Add(ptr, struct{}{})
		return nil
	}

	proposer, ok := r.table.ByWallet(wallet)
	if !ok {
		return gossip.Rejectf(types.BlockErrUnknownProposer, "proposer %s", types.Prefix(wallet, 12))
	}
	if dup, _ := r.seen.ContainsOrAdd(ptr, struct{}{}); dup {
		return nil
	}

	r.track(row, 1)
	started := r.spawn(func() {
		defer r.track(row, -1)
		if err := r.follow(proposer.Address, row, wallet); err != nil {
			r.seen.Remove(ptr)
			code := types.BlockErrFetch
			var rej *gossip.Reject
			if errors.As(err, &rej) {
				code = rej.Code
			}
			r.log.Warn("block pointer not followed",
				zap.String("pointer", ptr),
				zap.String("from", proposer.Address.String()),
				zap.String("code", code),
				zap.Error(err))
		}
	})
	if !started {
		r.track(row, -1)
		r.seen.Remove(ptr)
	}
	return nil
}

// Sync catches up from a peer reporting height when no other sync is
// running. It reports whether a sync was started.
func (r *Relay) Sync(from types.NodeAddress, height uint64) bool {
	if !r.syncing.CompareAndSwap(false, true) {
		return false
	}
	started := r.spawn(func() {
		defer r.syncing.Store(false)
		r.mu.Lock()
		defer r.mu.Unlock()
		if err := r.catchUp(from, height); err != nil {
			r.log.Debug("sync stopped",
				zap.String("peer", from.String()),
				zap.Uint64("height", height),
				zap.Error(err))
		}
	})
	if !started {
		r.syncing.Store(false)
	}
	return started
}

// Fetching returns the highest row of a pointer still being fetched, or 0.
func (r *Relay) Fetching() uint64 {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	var top uint64
	for row := range r.inflight {
		top = max(top, row)
	}
	return top
}

// Wait blocks until the background fetches started so far have finished.
func (r *Relay) Wait() {
	r.jobs.Wait()
}

// Stop cancels background fetches and waits for them. Pointers handled
// after Stop are accepted but not fetched.
func (r *Relay) Stop() {
	r.jobsMu.Lock()
	r.closed = true
	r.jobsMu.Unlock()
	r.cancel()
	r.jobs.Wait()
}

func (r *Relay) spawn(fn func()) bool {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()
	if r.closed {
		return false
	}
	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		fn()
	}()
	return true
}

func (r *Relay) track(row uint64, delta int) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	r.inflight[row] += delta
	if r.inflight[row] <= 0 {
		delete(r.inflight, row)
	}
}

// fetch gets one row from a peer under its own timeout.
func (r *Relay) fetch(from types.NodeAddress, row uint64) (types.Block, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.FetchTimeout)
	defer cancel()
	return r.sender.FetchBlock(ctx, from, row)
}

// follow fetches the pointed-to row, commits it and fills the gap before it.
func (r *Relay) follow(from types.NodeAddress, row uint64, wallet string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if row < r.commit.NextExpectedRow() {
		return nil
	}
	b, err := r.fetch(from, row)
	if err != nil {
		return gossip.Rejectf(types.BlockErrFetch, "fetch row %d: %v", row, err)
	}
	if b.Proposer != wallet {
		return gossip.Rejectf(types.BlockErrRejected, "row %d proposed by %s, pointer names %s",
			row, types.Prefix(b.Proposer, 12), types.Prefix(wallet, 12))
	}

	last := row - 1
	_, err = r.commit.Commit(b)
	switch {
	case err == nil, errors.Is(err, chain.ErrTooFarAhead):
	case errors.Is(err, chain.ErrLinkMismatch):
		// The row is next but does not extend our head: the peer's chain
		// is longer and ours forked below it.
		last = row
	default:
		return gossip.Rejectf(types.BlockErrRejected, "row %d: %v", row, err)
	}
	return r.catchUp(from, last)
}

// catchUp fetches the rows between the cursor and last from one peer, at
// most CatchUpLimit of them. A row that does not extend the head makes the
// relay roll back to the last row it shares with the peer, once per call.
func (r *Relay) catchUp(from types.NodeAddress, last uint64) error {
	next := r.commit.NextExpectedRow()
	if next > last {
		return nil
	}
	r.log.Info("catching up",
		zap.Uint64("from_row", next),
		zap.Uint64("to_row", last),
		zap.String("peer", from.String()))

	reconciled := false
	for fetched := 0; fetched < r.cfg.CatchUpLimit; fetched++ {
		next = r.commit.NextExpectedRow()
		if next > last {
			return nil
		}
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		b, err := r.fetch(from, next)
		if err != nil {
			return fmt.Errorf("catch-up fetch row %d: %w", next, err)
		}
		_, err = r.commit.Commit(b)
		if errors.Is(err, chain.ErrLinkMismatch) && !reconciled {
			reconciled = true
			if err = r.reconcile(from, next-1); err == nil {
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("catch-up row %d: %w", next, err)
		}
	}
	return nil
}

// reconcile walks back from head until the local row matches the peer's and
// rolls the chain back to that row.
func (r *Relay) reconcile(from types.NodeAddress, head uint64) error {
	var floor uint64
	if depth := uint64(r.cfg.RollbackDepth); head > depth {
		floor = head - depth
	}
	for row := head; row > floor; row-- {
		mine, err := r.commit.Block(row)
		if err != nil {
			return fmt.Errorf("read row %d: %w", row, err)
		}
		theirs, err := r.fetch(from, row)
		if err != nil {
			return fmt.Errorf("fetch row %d: %w", row, err)
		}
		if theirs.Hash == mine.Hash {
			if row == head {
				return fmt.Errorf("peer %s agrees on head row %d", from, row)
			}
			return r.rollback(from, head, row)
		}
	}
	if floor > 0 {
		return fmt.Errorf("fork with %s is deeper than %d rows", from, r.cfg.RollbackDepth)
	}
	return r.rollback(from, head, 0)
}

func (r *Relay) rollback(from types.NodeAddress, head, to uint64) error {
	r.log.Warn("chain forked from peer, rolling back",
		zap.String("peer", from.String()),
		zap.Uint64("head", head),
		zap.Uint64("common_row", to))
	return r.commit.Rollback(to)
}
