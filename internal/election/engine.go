package election

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"valqueue.node/vqn/internal/types"
)

// Round is the immutable outcome of one election.
type Round struct {
	Number             uint64    `json:"number"`
	Key                time.Time `json:"key"`
	Eligible           int       `json:"eligible"`
	Order              []Ranked  `json:"order"`
	Proposer           string    `json:"proposer"`
	MyTurn             bool      `json:"my_turn"`
	NextRoundNotBefore time.Time `json:"next_round_not_before"`
}

// Engine runs election rounds on a fixed cadence once started.
type Engine struct {
	self    string
	cadence time.Duration
	value   ValueFunc
	log     *zap.Logger

	mu            sync.RWMutex
	started       bool
	nextNotBefore time.Time
	current       *Round
	number        uint64
	lastProposer  string
}

// NewEngine returns a stopped engine for the node whose wallet is self. A
// nil value uses types.WalletValue.
func NewEngine(self string, cadence time.Duration, value ValueFunc, log *zap.Logger) *Engine {
	if value == nil {
		value = types.WalletValue
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		self:    self,
		cadence: cadence,
		value:   value,
		log:     log.Named("election"),
	}
}

// Start arms the engine; the first round opens at startAt.
func (e *Engine) Start(startAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	e.nextNotBefore = startAt
	e.current = nil
	e.log.Info("election started", zap.Time("start_at", startAt))
}

// Stop disarms the engine. The last round is forgotten so MyTurn reports
// false until the next round runs.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.started = false
	e.current = nil
	e.lastProposer = ""
	e.log.Info("election stopped")
}

// Started reports whether rounds may run.
func (e *Engine) Started() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started
}

// Due reports whether a round should run at world time now.
func (e *Engine) Due(now time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started && now.After(e.nextNotBefore)
}

// NextRoundNotBefore returns the boundary the next round opens at.
func (e *Engine) NextRoundNotBefore() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nextNotBefore
}

// RunRound ranks the eligible records of snapshot for the round opened by
// the current boundary and advances the boundary to the next multiple of the
// round cadence after now.
func (e *Engine) RunRound(snapshot []types.PeerRecord, now time.Time) Round {
	var eligible []string
	for _, r := range snapshot {
		if r.Eligible() {
			eligible = append(eligible, r.Wallet)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := e.nextNotBefore
	order := Rank(eligible, key, e.value)
	e.number++

	r := Round{
		Number:             e.number,
		Key:                key,
		Eligible:           len(order),
		Order:              order,
		NextRoundNotBefore: types.CeilTo(now, e.cadence),
	}
	if len(order) > 0 {
		r.Proposer = order[0].Wallet
		r.MyTurn = r.Proposer == e.self
	}
	e.nextNotBefore = r.NextRoundNotBefore
	e.current = &r

	if r.Proposer != e.lastProposer {
		e.log.Info("proposer changed",
			zap.Uint64("round", r.Number),
			zap.String("proposer", types.Prefix(r.Proposer, 12)),
			zap.Bool("my_turn", r.MyTurn),
			zap.Int("eligible", r.Eligible))
		e.lastProposer = r.Proposer
	} else {
		e.log.Debug("round",
			zap.Uint64("round", r.Number),
			zap.Time("key", key),
			zap.Bool("my_turn", r.MyTurn))
	}
	return r
}

// Adopt applies a next-round directive from the proposer. Directives at or
// before the current round's key are ignored.
func (e *Engine) Adopt(next time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return false
	}
	// Before the first round only a later boundary is meaningful; after it,
	// anything past the current round's key re-aligns this node with the
	// proposer, even if it is earlier than the local estimate.
	floor := e.nextNotBefore
	if e.current != nil {
		floor = e.current.Key
	}
	if !next.After(floor) || next.Equal(e.nextNotBefore) {
		return false
	}
	e.nextNotBefore = next
	return true
}

// Current returns the most recent round.
func (e *Engine) Current() (Round, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return Round{}, false
	}
	return *e.current, true
}

// MyTurn reports whether this node proposes in the current round.
func (e *Engine) MyTurn() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current != nil && e.current.MyTurn
}
