package node

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"valqueue.node/vqn/internal/chain"
	"valqueue.node/vqn/internal/identity"
	"valqueue.node/vqn/internal/types"
)

// PayloadSource supplies the payload of the block this node proposes for
// row. An empty payload produces an empty block.
type PayloadSource interface {
	Payload(ctx context.Context, row uint64) ([]byte, error)
}

// PayloadFunc adapts a function to PayloadSource.
type PayloadFunc func(ctx context.Context, row uint64) ([]byte, error)

// Payload implements PayloadSource.
func (f PayloadFunc) Payload(ctx context.Context, row uint64) ([]byte, error) { return f(ctx, row) }

// EmptyPayload proposes empty blocks.
var EmptyPayload = PayloadFunc(func(context.Context, uint64) ([]byte, error) { return nil, nil })

// Producer builds and signs the blocks this node proposes.
type Producer struct {
	chain   *chain.Pipeline
	id      *identity.Identity
	payload PayloadSource
	log     *zap.Logger
}

// NewProducer returns a producer extending c. A nil payload source proposes
// empty blocks.
func NewProducer(c *chain.Pipeline, id *identity.Identity, payload PayloadSource, log *zap.Logger) *Producer {
	if payload == nil {
		payload = EmptyPayload
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{chain: c, id: id, payload: payload, log: log.Named("producer")}
}

// Build returns a signed block extending the current head, stamped with the
// world time at.
func (p *Producer) Build(ctx context.Context, at time.Time) (types.Block, error) {
	row := p.chain.NextExpectedRow()
	data, err := p.payload.Payload(ctx, row)
	if err != nil {
		return types.Block{}, fmt.Errorf("payload for row %d: %w", row, err)
	}
	b := p.chain.Next(data)
	b.Timestamp = at.Truncate(time.Millisecond)
	p.id.SignBlock(&b)
	p.log.Debug("built block",
		zap.Uint64("row", b.Row),
		zap.Int("payload_bytes", len(b.Payload)))
	return b, nil
}
