package api

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"valqueue.node/vqn/internal/clock"
	"valqueue.node/vqn/internal/config"
	"valqueue.node/vqn/internal/discovery"
	"valqueue.node/vqn/internal/identity"
	"valqueue.node/vqn/internal/logger"
	"valqueue.node/vqn/internal/node"
	"valqueue.node/vqn/internal/storage"
	"valqueue.node/vqn/internal/types"
)

// offline is a sender for a node that never reaches its peers.
type offline struct{}

func (offline) Send(context.Context, types.NodeAddress, string, string) (string, error) {
	return "", errors.New("offline")
}

func (offline) FetchBlock(context.Context, types.NodeAddress, uint64) (types.Block, error) {
	return types.Block{}, errors.New("offline")
}

// MockScanner records scan requests.
type MockScanner struct {
	called chan struct{}
}

func (m *MockScanner) Discover(context.Context, discovery.Sink) (int, error) {
	close(m.called)
	return 0, nil
}

// setupTest creates a node over a temporary SQLite store and a service for it.
func setupTest(t *testing.T) (*Service, *node.Node, *logger.Logger) {
	t.Helper()
	kv, err := storage.NewSQLite(filepath.Join(t.TempDir(), "vqn.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	cfg := config.Default()
	cfg.NodeIP = "127.0.0.1"
	cfg.Port = 8080

	n, err := node.New(cfg, node.Deps{
		Identity: identity.NewEphemeral(),
		KV:       kv,
		Source:   clock.LocalSource{},
		Sender:   offline{},
	})
	require.NoError(t, err)

	events := logger.New(100)
	return NewService(n, events, nil, 3, nil), n, events
}

// signedBlock returns a valid row-1 block from a fresh proposer.
func signedBlock(t *testing.T) types.Block {
	t.Helper()
	b := types.Block{Row: 1, Timestamp: time.UnixMilli(1_700_000_000_000)}
	identity.NewEphemeral().SignBlock(&b)
	return b
}
