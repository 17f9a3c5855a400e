package api

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"valqueue.node/vqn/internal/discovery"
	"valqueue.node/vqn/internal/logger"
	"valqueue.node/vqn/internal/node"
	"valqueue.node/vqn/internal/storage"
	"valqueue.node/vqn/internal/transport"
	"valqueue.node/vqn/internal/types"
)

// Node is the part of the validator node the API serves.
type Node interface {
	Status() node.Status
	Peers() []types.PeerRecord
	Addresses() []string
	Head() (types.Block, bool)
	Block(row uint64) (types.Block, error)
	HandleFrame(ctx context.Context, f transport.Frame) (string, error)
	AddPeer(addr types.NodeAddress) bool
	Store() storage.KV
}

// Scanner discovers peers on demand.
type Scanner interface {
	Discover(ctx context.Context, sink discovery.Sink) (int, error)
}

// Service handles API requests
type Service struct {
	node       Node
	events     *logger.Logger
	scanner    Scanner
	maxBackups int
	log        *zap.Logger
}

// NewService creates a new API service. events may be nil, in which case
// /api/events is empty; scanner may be nil to disable on-demand scans.
func NewService(n Node, events *logger.Logger, scanner Scanner, maxBackups int, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if events == nil {
		events = logger.New(1)
	}
	return &Service{
		node:       n,
		events:     events,
		scanner:    scanner,
		maxBackups: maxBackups,
		log:        log.Named("api"),
	}
}

// Register mounts every handler on mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.HandleHealth)
	mux.HandleFunc("/api/version", s.HandleVersion)
	mux.HandleFunc("/api/status", s.HandleStatus)
	mux.HandleFunc("/api/peers", s.HandlePeers)
	mux.HandleFunc("/api/addresses", s.HandleAddresses)
	mux.HandleFunc("/api/chain/head", s.HandleChainHead)
	mux.HandleFunc(transport.BlockPath, s.HandleBlock)
	mux.HandleFunc(transport.QueuePath, s.HandleQueue)
	mux.HandleFunc("/api/events", s.HandleEvents)
	mux.HandleFunc("/api/backup", s.HandleBackup)
	mux.HandleFunc("/api/backup/download", s.HandleBackupDownload)
	mux.HandleFunc("/api/discovery/scan", s.HandleDiscoveryScan)
}

// writeJSON writes a JSON response
func (s *Service) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Debug("response not written", zap.Error(err))
	}
}

// writeError writes a JSON error response
func (s *Service) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeText writes a plain text response, the format queue replies use.
func (s *Service) writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
