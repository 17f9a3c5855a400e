package election

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"valqueue.node/vqn/internal/types"
)

// scenarioValues maps the three scenario wallets to fixed integers.
func scenarioValues(w string) uint64 {
	return map[string]uint64{"A": 30, "B": 10, "C": 20}[w]
}

func record(wallet string, port uint16) types.PeerRecord {
	return types.PeerRecord{
		Wallet:  wallet,
		Address: types.NodeAddress{IP: "10.0.0.1", Port: port},
		Status:  types.PeerOnline,
		Ready:   true,
	}
}

func TestSaltUsesCanonicalOrder(t *testing.T) {
	require.Equal(t, types.Hash("10#20#30"), Salt([]string{"A", "B", "C"}, scenarioValues))
	require.Equal(t, types.Hash("10#20#30"), Salt([]string{"C", "A", "B", "A"}, scenarioValues))
}

func TestRankScenario(t *testing.T) {
	sample := time.UnixMilli(1_700_000_020_000)
	salt := types.Hash("10#20#30")

	// Work out the expected winner by hand from the rank keys.
	keys := map[string]string{}
	for _, w := range []string{"A", "B", "C"} {
		keys[w] = types.Hash(salt, w, "1700000020000")
	}
	want := "A"
	for _, w := range []string{"B", "C"} {
		if keys[w] < keys[want] {
			want = w
		}
	}

	// Three simulated nodes see the same snapshot in different orders.
	inputs := [][]string{{"A", "B", "C"}, {"C", "B", "A"}, {"B", "A", "C"}}
	var first []Ranked
	for i, in := range inputs {
		order := Rank(in, sample, scenarioValues)
		require.Len(t, order, 3)
		require.Equal(t, want, order[0].Wallet, "node %d", i)
		require.Equal(t, 1, order[0].Rank)
		require.Equal(t, keys[want], order[0].RankKey)
		require.True(t, order[0].RankKey < order[1].RankKey)
		require.True(t, order[1].RankKey < order[2].RankKey)
		if first == nil {
			first = order
		}
		require.Equal(t, first, order)
	}
}

func TestRankIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	wallets := make([]string, 25)
	for i := range wallets {
		wallets[i] = types.Hash(string(rune('a' + i)))
	}
	sample := time.UnixMilli(1_700_000_002_000)

	want := Rank(wallets, sample, nil)
	for i := 0; i < 20; i++ {
		shuffled := append([]string(nil), wallets...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		require.Equal(t, want, Rank(shuffled, sample, nil))
	}
}

func TestRankRotatesWithSample(t *testing.T) {
	wallets := []string{"w1", "w2", "w3", "w4", "w5"}
	proposers := map[string]bool{}
	for i := int64(0); i < 50; i++ {
		order := Rank(wallets, time.UnixMilli(1_700_000_000_000+2000*i), nil)
		proposers[order[0].Wallet] = true
	}
	require.Greater(t, len(proposers), 1, "proposer should change between rounds")
}

func TestRankEmptyAndDuplicates(t *testing.T) {
	require.Empty(t, Rank(nil, time.Now(), nil))
	order := Rank([]string{"x", "", "x"}, time.Now(), nil)
	require.Len(t, order, 1)
	require.Equal(t, "x", order[0].Wallet)
}

func TestEngineRounds(t *testing.T) {
	start := time.UnixMilli(1_700_000_020_000)
	snap := []types.PeerRecord{record("A", 1), record("B", 2), record("C", 3)}
	offline := record("D", 4)
	offline.Status = types.PeerOffline
	snap = append(snap, offline)

	engines := map[string]*Engine{}
	for _, w := range []string{"A", "B", "C"} {
		e := NewEngine(w, 2*time.Second, scenarioValues, nil)
		require.False(t, e.Due(start.Add(time.Hour)))
		e.Start(start)
		engines[w] = e
	}

	now := start.Add(15 * time.Millisecond)
	turns := 0
	var proposer string
	for w, e := range engines {
		require.True(t, e.Due(now))
		r := e.RunRound(snap, now)
		require.Equal(t, start, r.Key)
		require.Equal(t, 3, r.Eligible, "offline peer must not be ranked")
		require.Equal(t, start.Add(2*time.Second), r.NextRoundNotBefore)
		require.False(t, e.Due(now))
		if proposer == "" {
			proposer = r.Proposer
		}
		require.Equal(t, proposer, r.Proposer)
		if r.MyTurn {
			turns++
			require.Equal(t, w, r.Proposer)
			require.True(t, e.MyTurn())
		}
	}
	require.Equal(t, 1, turns, "exactly one node proposes")
}

func TestEngineAdopt(t *testing.T) {
	start := time.UnixMilli(1_700_000_020_000)
	e := NewEngine("A", 2*time.Second, nil, nil)
	require.False(t, e.Adopt(start), "stopped engine ignores directives")

	e.Start(start)
	require.False(t, e.Adopt(start.Add(-2*time.Second)))
	require.True(t, e.Adopt(start.Add(2*time.Second)))

	r := e.RunRound([]types.PeerRecord{record("A", 1)}, start.Add(2100*time.Millisecond))
	require.Equal(t, start.Add(2*time.Second), r.Key)
	require.True(t, r.MyTurn)

	require.False(t, e.Adopt(r.Key), "directive for the current round is stale")
	require.False(t, e.Adopt(start.Add(4*time.Second)), "already the local boundary")
	require.True(t, e.Adopt(start.Add(6*time.Second)))
	require.Equal(t, start.Add(6*time.Second), e.NextRoundNotBefore())

	e.Stop()
	require.False(t, e.MyTurn())
	_, ok := e.Current()
	require.False(t, ok)
}

func gateConfig(min int) GateConfig {
	return GateConfig{MinimumNodeCount: min, StartCadence: 20 * time.Second, RendezvousTimeout: 40 * time.Second}
}

func TestGateQuorumThreshold(t *testing.T) {
	now := time.UnixMilli(1_700_000_001_000)
	g := NewGate(gateConfig(2), "A", scenarioValues, nil)

	two := []types.PeerRecord{record("A", 1), record("B", 2)}
	d := g.Update(two, now)
	require.False(t, d.Open)
	require.False(t, d.Coordinate)

	three := append(two, record("C", 3))
	d = g.Update(three, now)
	require.True(t, d.Open)
	require.True(t, d.Opened)
	require.Equal(t, "B", d.Coordinator, "smallest value coordinates")
	require.False(t, d.Coordinate)

	d = g.Update(two, now)
	require.True(t, d.Closed)
	require.False(t, d.Open)
	require.True(t, g.StartAt().IsZero())
}

func TestGateCoordinatorRendezvous(t *testing.T) {
	now := time.UnixMilli(1_700_000_001_000)
	snap := []types.PeerRecord{record("A", 1), record("B", 2), record("C", 3)}

	coord := NewGate(gateConfig(2), "B", scenarioValues, nil)
	other := NewGate(gateConfig(2), "A", scenarioValues, nil)

	d := coord.Update(snap, now)
	require.True(t, d.Coordinate)
	startAt := coord.ChooseStart(now)
	require.Equal(t, time.UnixMilli(1_700_000_020_000), startAt)
	require.True(t, coord.SetStartAt(startAt, "B", now))

	// The directive reaches the other node before its own gate opens.
	require.True(t, other.SetStartAt(startAt, "B", now))
	d = other.Update(snap, now.Add(time.Second))
	require.True(t, d.Opened)
	require.Equal(t, startAt, d.StartAt)
	require.False(t, d.Start)

	// A second directive in the same rendezvous is ignored.
	require.False(t, other.SetStartAt(startAt.Add(20*time.Second), "C", now))

	for _, g := range []*Gate{coord, other} {
		d = g.Update(snap, startAt)
		require.False(t, d.Start, "start requires Now() > StartAt")
		d = g.Update(snap, startAt.Add(time.Millisecond))
		require.True(t, d.Start)
		d = g.Update(snap, startAt.Add(time.Second))
		require.False(t, d.Start, "start fires once")
	}
}

func TestGateReelectsOnTimeout(t *testing.T) {
	now := time.UnixMilli(1_700_000_001_000)
	snap := []types.PeerRecord{record("A", 1), record("B", 2), record("C", 3)}
	g := NewGate(gateConfig(2), "C", scenarioValues, nil)

	d := g.Update(snap, now)
	require.Equal(t, "B", d.Coordinator)
	require.False(t, d.Coordinate)

	d = g.Update(snap, now.Add(39*time.Second))
	require.Equal(t, "B", d.Coordinator)

	d = g.Update(snap, now.Add(41*time.Second))
	require.Equal(t, "C", d.Coordinator, "next smallest value takes over")
	require.True(t, d.Coordinate)

	d = g.Update(snap, now.Add(42*time.Second))
	require.False(t, d.Coordinate, "coordinate fires once per election")
}

func TestGateReelectsWhenCoordinatorLeaves(t *testing.T) {
	now := time.UnixMilli(1_700_000_001_000)
	snap := []types.PeerRecord{record("A", 1), record("B", 2), record("C", 3), record("D", 4)}
	values := func(w string) uint64 {
		return map[string]uint64{"A": 30, "B": 10, "C": 20, "D": 40}[w]
	}
	g := NewGate(gateConfig(2), "C", values, nil)

	d := g.Update(snap, now)
	require.Equal(t, "B", d.Coordinator)

	withoutB := []types.PeerRecord{snap[0], snap[2], snap[3]}
	d = g.Update(withoutB, now.Add(time.Second))
	require.True(t, d.Open)
	require.Equal(t, "C", d.Coordinator)
	require.True(t, d.Coordinate)
}
