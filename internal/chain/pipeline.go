// Package chain admits blocks into the node's gap-free chain. Blocks may
// arrive in any order from relays, local production or startup replay; the
// pipeline buffers rows ahead of the cursor and applies each row exactly once
// in row order.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"valqueue.node/vqn/internal/identity"
	"valqueue.node/vqn/internal/storage"
	"valqueue.node/vqn/internal/types"
)

const (
	blockPrefix = "block/"
	cursorKey   = "cursor"

	// MaxAhead bounds how far past the cursor a row may be buffered. The
	// pending buffer never holds more than MaxAhead rows.
	MaxAhead = 1024
)

var (
	// ErrInvalidBlock is returned for blocks whose hash or signature does
	// not check out. Such blocks are never buffered.
	ErrInvalidBlock = errors.New("invalid block")
	// ErrLinkMismatch is returned when the next row does not extend the
	// current head. The row stays pending until a matching block arrives.
	ErrLinkMismatch = errors.New("block does not extend head")
	// ErrNotFound is returned by Block for rows not committed.
	ErrNotFound = errors.New("block not found")
	// ErrTooFarAhead is returned for rows MaxAhead or more past the cursor.
	// They are dropped and must be fetched again once the gap closes.
	ErrTooFarAhead = errors.New("block too far ahead of the cursor")
)

// BlockKey is the store key of a committed row.
func BlockKey(row uint64) string {
	return fmt.Sprintf("%s%020d", blockPrefix, row)
}

func rowLess(a, b *types.Block) bool { return a.Row < b.Row }

// Pipeline is the commit state machine. All transitions happen under one
// mutex, so Commit may be called from any goroutine.
type Pipeline struct {
	kv  storage.KV
	log *zap.Logger

	mu        sync.Mutex
	next      uint64
	head      *types.Block
	pending   *btree.BTreeG[*types.Block]
	callbacks []func(types.Block)
	replaying bool
}

// New returns a pipeline persisting through kv, positioned at row 1. Call
// Replay to restore a persisted chain.
func New(kv storage.KV, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		kv:      kv,
		log:     log.Named("chain"),
		next:    1,
		pending: btree.NewG(8, rowLess),
	}
}

// OnBlockCommitted registers fn to run for every committed row, in row
// order, inside the pipeline's critical section. fn must not call Commit.
func (p *Pipeline) OnBlockCommitted(fn func(types.Block)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, fn)
}

// NextExpectedRow returns the row the pipeline will commit next.
func (p *Pipeline) NextExpectedRow() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// Head returns the last committed block.
func (p *Pipeline) Head() (types.Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.head == nil {
		return types.Block{}, false
	}
	return *p.head, true
}

// Pending returns the buffered row numbers in ascending order.
func (p *Pipeline) Pending() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	rows := make([]uint64, 0, p.pending.Len())
	p.pending.Ascend(func(b *types.Block) bool {
		rows = append(rows, b.Row)
		return true
	})
	return rows
}

// Validate checks a block's content hash and, for key wallets, the
// proposer's signature.
func Validate(b *types.Block) error {
	if b.Row == 0 {
		return fmt.Errorf("%w: row 0", ErrInvalidBlock)
	}
	if b.Hash != b.ComputeHash() {
		return fmt.Errorf("%w: row %d hash mismatch", ErrInvalidBlock, b.Row)
	}
	if err := identity.VerifyBlock(b); err != nil {
		return fmt.Errorf("%w: row %d: %v", ErrInvalidBlock, b.Row, err)
	}
	return nil
}

// Commit admits b. applied reports whether b itself was committed by this
// call; rows ahead of the cursor are buffered and committed later by the
// call that fills the gap before them.
func (p *Pipeline) Commit(b types.Block) (bool, error) {
	if err := Validate(&b); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case b.Row < p.next:
		p.log.Debug("discarding stale block",
			zap.Uint64("row", b.Row),
			zap.Uint64("next", p.next))
		return false, nil
	case b.Row >= p.next+MaxAhead:
		return false, fmt.Errorf("%w: row %d, next %d", ErrTooFarAhead, b.Row, p.next)
	case b.Row > p.next:
		if existing, ok := p.pending.Get(&b); ok && existing.Hash == b.Hash {
			return false, nil
		}
		p.pending.ReplaceOrInsert(&b)
		p.log.Debug("buffered block",
			zap.Uint64("row", b.Row),
			zap.Uint64("next", p.next),
			zap.Int("pending", p.pending.Len()))
		return false, nil
	}

	if err := p.applyLocked(&b); err != nil {
		return false, err
	}
	p.drainLocked()
	return true, nil
}

// drainLocked commits buffered rows for as long as they are contiguous with
// the cursor.
func (p *Pipeline) drainLocked() {
	for {
		nb, ok := p.pending.Get(&types.Block{Row: p.next})
		if !ok {
			break
		}
		p.pending.Delete(nb)
		if err := p.applyLocked(nb); err != nil {
			p.log.Warn("buffered block rejected",
				zap.Uint64("row", nb.Row),
				zap.Error(err))
			break
		}
	}
	// Rows the cursor has passed can never commit.
	for {
		first, ok := p.pending.Min()
		if !ok || first.Row >= p.next {
			break
		}
		p.pending.DeleteMin()
	}
}

func (p *Pipeline) applyLocked(b *types.Block) error {
	if p.head != nil && b.PrevHash != p.head.Hash {
		return fmt.Errorf("%w: row %d prev %s, head %s", ErrLinkMismatch,
			b.Row, types.Prefix(b.PrevHash, 12), types.Prefix(p.head.Hash, 12))
	}
	if p.head == nil && b.Row == 1 && b.PrevHash != "" {
		return fmt.Errorf("%w: row 1 must have an empty prev hash", ErrLinkMismatch)
	}

	if !p.replaying && p.kv != nil {
		raw, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode block %d: %w", b.Row, err)
		}
		err = p.kv.Batch([]storage.Pair{
			{Key: BlockKey(b.Row), Value: raw},
			{Key: cursorKey, Value: []byte(strconv.FormatUint(b.Row+1, 10))},
		})
		if err != nil {
			return fmt.Errorf("persist block %d: %w", b.Row, err)
		}
	}

	p.head = b
	p.next = b.Row + 1
	p.log.Debug("committed block",
		zap.Uint64("row", b.Row),
		zap.String("proposer", types.Prefix(b.Proposer, 12)))
	for _, fn := range p.callbacks {
		fn(*b)
	}
	return nil
}

// Replay feeds the persisted chain back through the pipeline without writing
// it again. It returns the number of rows restored.
func (p *Pipeline) Replay() (int, error) {
	if p.kv == nil {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.replaying = true
	defer func() { p.replaying = false }()

	// Rows at or past the stored cursor were rolled back and are overwritten
	// as the chain grows again.
	raw, ok, err := p.kv.Get(cursorKey)
	if err != nil {
		return 0, fmt.Errorf("replay: read cursor: %w", err)
	}
	var cursor uint64
	if ok {
		if cursor, err = strconv.ParseUint(string(raw), 10, 64); err != nil {
			return 0, fmt.Errorf("replay: cursor %q: %w", raw, err)
		}
	}

	n := 0
	err = p.kv.Each(blockPrefix, func(key string, value []byte) error {
		if cursor > 0 && p.next >= cursor {
			return errStopReplay
		}
		var b types.Block
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if b.Row != p.next {
			// Rows are stored zero-padded, so a skip means a hole.
			return fmt.Errorf("stored chain has a gap at row %d (found %d)", p.next, b.Row)
		}
		if err := Validate(&b); err != nil {
			return err
		}
		if err := p.applyLocked(&b); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil && !errors.Is(err, errStopReplay) {
		return n, fmt.Errorf("replay: %w", err)
	}
	if cursor > 0 && cursor != p.next {
		p.log.Warn("stored cursor disagrees with stored blocks",
			zap.Uint64("cursor", cursor),
			zap.Uint64("next", p.next))
	}
	if n > 0 {
		p.log.Info("replayed chain", zap.Int("rows", n), zap.Uint64("next", p.next))
	}
	return n, nil
}

var errStopReplay = errors.New("replay reached the cursor")

// Rollback discards the committed rows above row, so row+1 becomes the next
// expected row. Buffered rows are kept. Callbacks that already ran for the
// discarded rows are not undone.
func (p *Pipeline) Rollback(row uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if row+1 >= p.next {
		return nil
	}
	var head *types.Block
	if row > 0 {
		b, err := p.load(row)
		if err != nil {
			return fmt.Errorf("rollback to %d: %w", row, err)
		}
		head = &b
	}
	if p.kv != nil {
		if err := p.kv.Set(cursorKey, []byte(strconv.FormatUint(row+1, 10))); err != nil {
			return fmt.Errorf("rollback to %d: %w", row, err)
		}
	}

	p.log.Warn("rolled back chain",
		zap.Uint64("from_row", p.next-1),
		zap.Uint64("to_row", row))
	p.head = head
	p.next = row + 1
	for {
		last, ok := p.pending.Max()
		if !ok || last.Row < p.next+MaxAhead {
			break
		}
		p.pending.DeleteMax()
	}
	return nil
}

// Block returns a committed row.
func (p *Pipeline) Block(row uint64) (types.Block, error) {
	p.mu.Lock()
	next := p.next
	head := p.head
	p.mu.Unlock()

	if row == 0 || row >= next {
		return types.Block{}, fmt.Errorf("%w: row %d", ErrNotFound, row)
	}
	if head != nil && head.Row == row {
		return *head, nil
	}
	return p.load(row)
}

// load reads a persisted row from the store.
func (p *Pipeline) load(row uint64) (types.Block, error) {
	if p.kv == nil {
		return types.Block{}, fmt.Errorf("%w: row %d", ErrNotFound, row)
	}
	raw, ok, err := p.kv.Get(BlockKey(row))
	if err != nil {
		return types.Block{}, err
	}
	if !ok {
		return types.Block{}, fmt.Errorf("%w: row %d", ErrNotFound, row)
	}
	var b types.Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return types.Block{}, fmt.Errorf("decode row %d: %w", row, err)
	}
	return b, nil
}

// Next builds an unsigned block extending the current head.
func (p *Pipeline) Next(payload []byte) types.Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := types.Block{Row: p.next, Payload: payload}
	if p.head != nil {
		b.PrevHash = p.head.Hash
	}
	return b
}
