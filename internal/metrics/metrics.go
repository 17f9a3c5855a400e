// Package metrics holds the node's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"valqueue.node/vqn/internal/types"
)

const (
	namespace = "vqn"
)

var (
	// MessagesSent counts outbound queue frames
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Queue frames sent to peers",
		},
		[]string{"tag", "result"}, // result: ok/failed/rejected/suppressed/backoff
	)

	// MessagesReceived counts inbound queue frames
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Queue frames received from peers",
		},
		[]string{"tag", "result"}, // result: ok/rejected
	)

	// SendDuration measures round-trip latency of outbound frames
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Queue frame round-trip latency in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2, 5},
		},
		[]string{"tag"},
	)

	// Peers tracks peer table records per status
	Peers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Peer table records by status",
		},
		[]string{"status"},
	)

	// ActiveReady tracks the eligible record count, self included
	ActiveReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_ready_peers",
			Help:      "Online, error-free, ready peers including this node",
		},
	)

	// QuorumOpen is 1 while election rounds may run
	QuorumOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quorum_open",
			Help:      "Whether the quorum gate is open",
		},
	)

	// Rounds counts election rounds
	Rounds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "election_rounds_total",
			Help:      "Election rounds run",
		},
		[]string{"role"}, // proposer/follower/behind/empty
	)

	// BlocksCommitted counts committed rows
	BlocksCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_committed_total",
			Help:      "Rows committed to the local chain",
		},
	)

	// BlocksRejected counts blocks refused by the commit pipeline
	BlocksRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_rejected_total",
			Help:      "Blocks refused by the commit pipeline",
		},
		[]string{"reason"}, // invalid/link/ahead
	)

	// ChainRollbacks counts forks resolved by rolling back local rows
	ChainRollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_rollbacks_total",
			Help:      "Rollbacks of local rows replaced by a longer peer chain",
		},
	)

	// ChainHeight tracks the last committed row
	ChainHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_height",
			Help:      "Last committed row",
		},
	)

	// PendingBlocks tracks rows buffered ahead of the cursor
	PendingBlocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_blocks",
			Help:      "Rows buffered ahead of the commit cursor",
		},
	)

	// ClockOffset tracks the world-time offset applied to the local clock
	ClockOffset = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_offset_seconds",
			Help:      "Offset between world time and the local clock",
		},
	)

	// Info exposes build info
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "vqn node info",
		},
		[]string{"version", "wallet"},
	)
)

// InitInfo initializes the info metric
func InitInfo(wallet string) {
	Info.WithLabelValues(types.Version, types.Prefix(wallet, 12)).Set(1)
}

// RecordSend records one outbound frame
func RecordSend(tag, result string, d time.Duration) {
	MessagesSent.WithLabelValues(tag, result).Inc()
	if d > 0 {
		SendDuration.WithLabelValues(tag).Observe(d.Seconds())
	}
}

// RecordReceive records one inbound frame
func RecordReceive(tag string, ok bool) {
	result := "ok"
	if !ok {
		result = "rejected"
	}
	MessagesReceived.WithLabelValues(tag, result).Inc()
}

// RecordPeers publishes the status breakdown of a peer table snapshot
func RecordPeers(records []types.PeerRecord) {
	counts := map[types.PeerStatus]int{
		types.PeerUnknown: 0,
		types.PeerOnline:  0,
		types.PeerOffline: 0,
		types.PeerError:   0,
	}
	ready := 0
	for _, r := range records {
		counts[r.Status]++
		if r.Eligible() {
			ready++
		}
	}
	for status, n := range counts {
		Peers.WithLabelValues(string(status)).Set(float64(n))
	}
	ActiveReady.Set(float64(ready))
}

// RecordQuorum publishes the gate state
func RecordQuorum(open bool) {
	if open {
		QuorumOpen.Set(1)
		return
	}
	QuorumOpen.Set(0)
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}
