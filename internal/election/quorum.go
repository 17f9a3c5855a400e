package election

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"valqueue.node/vqn/internal/types"
)

// GateConfig holds the quorum gate's tunables.
type GateConfig struct {
	MinimumNodeCount  int
	StartCadence      time.Duration
	RendezvousTimeout time.Duration
}

// Decision is what the node must do after a gate update.
type Decision struct {
	// Open is true while ActiveReadyCount > MinimumNodeCount.
	Open bool
	// Opened and Closed mark the update that crossed the threshold.
	Opened bool
	Closed bool
	// Coordinator is the wallet expected to publish StartAt.
	Coordinator string
	// Coordinate is set once per election of this node as coordinator: the
	// node must refresh its clock, pick StartAt and broadcast it.
	Coordinate bool
	// Start is set once per rendezvous, when world time passed StartAt.
	Start   bool
	StartAt time.Time
}

// Gate keeps election rounds from running until enough ready peers are
// online, and runs the start-time rendezvous each time it opens.
type Gate struct {
	cfg   GateConfig
	self  string
	value ValueFunc
	log   *zap.Logger

	mu          sync.Mutex
	evaluated   bool
	open        bool
	started     bool
	startAt     time.Time
	receivedAt  time.Time
	coordinator string
	electedAt   time.Time
	excluded    map[string]struct{}
	announced   bool
}

// NewGate returns a closed gate for the node whose wallet is self.
func NewGate(cfg GateConfig, self string, value ValueFunc, log *zap.Logger) *Gate {
	if value == nil {
		value = types.WalletValue
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RendezvousTimeout <= 0 {
		cfg.RendezvousTimeout = 2 * cfg.StartCadence
	}
	return &Gate{
		cfg:      cfg,
		self:     self,
		value:    value,
		log:      log.Named("quorum"),
		excluded: make(map[string]struct{}),
	}
}

// IsOpen reports the state after the last update.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Coordinator returns the current rendezvous coordinator, if any.
func (g *Gate) Coordinator() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.coordinator
}

// StartAt returns the agreed start instant, zero while unknown.
func (g *Gate) StartAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.startAt
}

// Update evaluates the gate for the current eligible set at world time now.
func (g *Gate) Update(eligible []types.PeerRecord, now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := len(eligible)
	open := count > g.cfg.MinimumNodeCount
	d := Decision{Open: open}

	switch {
	case open && !g.open:
		d.Opened = true
		g.open = true
		g.started = false
		g.excluded = make(map[string]struct{})
		g.coordinator = ""
		g.announced = false
		// A StartAt that arrived shortly before this node saw quorum belongs
		// to this rendezvous.
		if g.startAt.IsZero() || now.Sub(g.receivedAt) > g.cfg.RendezvousTimeout {
			g.startAt = time.Time{}
		}
		g.log.Info("quorum reached",
			zap.Int("active_ready", count),
			zap.Int("minimum", g.cfg.MinimumNodeCount))
	case !open && g.open:
		d.Closed = true
		g.open = false
		g.started = false
		g.startAt = time.Time{}
		g.coordinator = ""
		g.log.Info("waiting for quorum",
			zap.Int("active_ready", count),
			zap.Int("minimum", g.cfg.MinimumNodeCount))
	case !open && !g.evaluated:
		g.log.Info("waiting for quorum",
			zap.Int("active_ready", count),
			zap.Int("minimum", g.cfg.MinimumNodeCount))
	}
	g.evaluated = true
	if !open {
		return d
	}

	if g.startAt.IsZero() {
		g.electLocked(eligible, now)
		d.Coordinator = g.coordinator
		if g.coordinator == g.self && !g.announced {
			g.announced = true
			d.Coordinate = true
		}
		return d
	}

	d.Coordinator = g.coordinator
	d.StartAt = g.startAt
	if !g.started && now.After(g.startAt) {
		g.started = true
		d.Start = true
	}
	return d
}

// electLocked (re)chooses the coordinator: the eligible wallet with the
// smallest value that has not timed out during this rendezvous.
func (g *Gate) electLocked(eligible []types.PeerRecord, now time.Time) {
	present := false
	for _, r := range eligible {
		if r.Wallet == g.coordinator {
			present = true
			break
		}
	}

	if g.coordinator != "" {
		switch {
		case !present:
			g.log.Warn("coordinator left before announcing start",
				zap.String("coordinator", types.Prefix(g.coordinator, 12)))
			g.excluded[g.coordinator] = struct{}{}
			g.coordinator = ""
		case now.Sub(g.electedAt) > g.cfg.RendezvousTimeout:
			g.log.Warn("rendezvous timed out, re-electing coordinator",
				zap.String("coordinator", types.Prefix(g.coordinator, 12)))
			g.excluded[g.coordinator] = struct{}{}
			g.coordinator = ""
		default:
			return
		}
	}

	candidates := make([]string, 0, len(eligible))
	for _, r := range eligible {
		if _, out := g.excluded[r.Wallet]; out || r.Wallet == "" {
			continue
		}
		candidates = append(candidates, r.Wallet)
	}
	if len(candidates) == 0 {
		// Everyone timed out once; start over with the full set.
		g.excluded = make(map[string]struct{})
		candidates = Wallets(eligible)
	}
	sort.Slice(candidates, func(i, j int) bool {
		vi, vj := g.value(candidates[i]), g.value(candidates[j])
		if vi != vj {
			return vi < vj
		}
		return candidates[i] < candidates[j]
	})
	if len(candidates) == 0 {
		return
	}
	g.coordinator = candidates[0]
	g.electedAt = now
	g.announced = false
	g.log.Info("rendezvous coordinator elected",
		zap.String("coordinator", types.Prefix(g.coordinator, 12)),
		zap.Bool("self", g.coordinator == g.self))
}

// ChooseStart returns the coordinator's start instant for world time now:
// the next multiple of the start cadence.
func (g *Gate) ChooseStart(now time.Time) time.Time {
	return types.CeilTo(now, g.cfg.StartCadence)
}

// SetStartAt records a StartAt directive (or this node's own choice as
// coordinator). The first directive of a rendezvous wins; a directive that
// arrives while the gate is still closed is held for the next opening.
func (g *Gate) SetStartAt(at time.Time, from string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if at.IsZero() {
		return false
	}
	if !g.startAt.IsZero() && g.open {
		return false
	}
	g.startAt = at
	g.receivedAt = now
	g.log.Info("start instant agreed",
		zap.Time("start_at", at),
		zap.String("from", types.Prefix(from, 12)))
	return true
}
