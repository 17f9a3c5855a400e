package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"valqueue.node/vqn/internal/metrics"
	"valqueue.node/vqn/internal/transport"
	"valqueue.node/vqn/internal/types"
)

// Reject codes for tags other than block.
const (
	CodeMalformed  = "malformed"
	CodeUnknownTag = "unknown-tag"
	CodeForbidden  = "forbidden"
)

// Reject is an inbound frame refused with a code. The transport answers it
// with HTTP 400 and the code as body.
type Reject struct {
	Code string
	Err  error
}

func (r *Reject) Error() string {
	if r.Err == nil {
		return "rejected: " + r.Code
	}
	return fmt.Sprintf("rejected %s: %v", r.Code, r.Err)
}

func (r *Reject) Unwrap() error { return r.Err }

// Rejectf builds a Reject with a formatted cause.
func Rejectf(code, format string, args ...any) *Reject {
	return &Reject{Code: code, Err: fmt.Errorf(format, args...)}
}

// Handle answers one inbound frame. Errors are always *Reject values.
func (x *Exchange) Handle(ctx context.Context, f transport.Frame) (string, error) {
	reply, err := x.handle(ctx, f)
	metrics.RecordReceive(f.Tag, err == nil)
	if err != nil {
		var rej *Reject
		if !errors.As(err, &rej) {
			rej = &Reject{Code: CodeMalformed, Err: err}
		}
		x.log.Debug("frame rejected",
			zap.String("tag", f.Tag),
			zap.String("from", string(f.From)),
			zap.String("code", rej.Code),
			zap.Error(rej.Err))
		return "", rej
	}
	return reply, nil
}

func (x *Exchange) handle(ctx context.Context, f transport.Frame) (string, error) {
	addr, err := types.AddressFromKey(f.From)
	if err != nil {
		return "", Rejectf(CodeMalformed, "sender: %v", err)
	}
	if f.From == x.table.SelfKey() {
		return "", Rejectf(CodeForbidden, "frame from own address")
	}
	if x.table.Ensure(addr) {
		x.log.Info("learned peer from inbound frame", zap.String("peer", addr.String()))
		x.table.RecomputeDigest()
	}
	sender, _ := x.table.Get(f.From)

	switch f.Tag {
	case types.TagHash:
		return x.handleHash(f)
	case types.TagList:
		return x.handleList(f)
	case types.TagNode:
		return x.handleNode(f, addr)
	case types.TagReady:
		return x.handleReady(f, sender)
	case types.TagWhen:
		at, ok := types.ParseInstant(f.Payload)
		if !ok {
			return "", Rejectf(CodeMalformed, "when %q", f.Payload)
		}
		if x.hooks.OnWhen != nil {
			x.hooks.OnWhen(at, sender)
		}
		return types.ReplyDone, nil
	case types.TagTime:
		next, ok := types.ParseInstant(f.Payload)
		if !ok {
			return "", Rejectf(CodeMalformed, "time %q", f.Payload)
		}
		if x.hooks.OnTime != nil {
			x.hooks.OnTime(next, sender)
		}
		return types.ReplyOK, nil
	case types.TagBlock:
		row, wallet, ok := types.ParsePointer(f.Payload)
		if !ok {
			return "", Rejectf(types.BlockErrMalformed, "pointer %q", f.Payload)
		}
		if x.hooks.OnBlock != nil {
			if err := x.hooks.OnBlock(ctx, row, wallet, sender); err != nil {
				return "", err
			}
		}
		return types.ReplyDone, nil
	default:
		return "", Rejectf(CodeUnknownTag, "tag %q", f.Tag)
	}
}

// handleHash compares the probe prefixes with this node's digests. A peer
// state mismatch also flags the sender for a record push from this side.
func (x *Exchange) handleHash(f transport.Frame) (string, error) {
	book, table, ok := splitProbe(f.Payload)
	if !ok {
		return "", Rejectf(CodeMalformed, "probe %q", f.Payload)
	}
	if book != types.Prefix(x.table.Book().Digest(), PrefixLen) {
		return types.ProbeAddressDiffer, nil
	}
	if table != types.Prefix(x.table.Digest(), PrefixLen) {
		x.MarkStale(f.From)
		return types.ProbePeerDiffer, nil
	}
	return types.ProbeEqual, nil
}

func (x *Exchange) handleList(f transport.Frame) (string, error) {
	var addrs []string
	if err := json.Unmarshal([]byte(f.Payload), &addrs); err != nil {
		return "", Rejectf(CodeMalformed, "list: %v", err)
	}
	x.mergeAddresses(addrs)
	raw, err := json.Marshal(x.table.Book().Strings())
	if err != nil {
		return "", fmt.Errorf("encode address list: %w", err)
	}
	return string(raw), nil
}

func (x *Exchange) handleNode(f transport.Frame, from types.NodeAddress) (string, error) {
	r, err := decodeRecord(f.Payload)
	if err != nil {
		return "", &Reject{Code: CodeMalformed, Err: err}
	}
	if r.Key() != f.From {
		return "", Rejectf(CodeForbidden, "record for %s sent from %s", r.Address, from)
	}
	if x.table.AddOrUpdate(r) {
		x.log.Info("new peer", zap.String("peer", r.Address.String()))
	}
	x.table.RecomputeDigest()

	raw, err := json.Marshal(x.SelfRecord())
	if err != nil {
		return "", fmt.Errorf("encode self record: %w", err)
	}
	return string(raw), nil
}

// handleReady accepts a ready announcement for the sender's own wallet.
func (x *Exchange) handleReady(f transport.Frame, sender types.PeerRecord) (string, error) {
	wallet := f.Payload
	if wallet == "" {
		return "", Rejectf(CodeMalformed, "empty wallet")
	}
	if sender.Wallet != "" && sender.Wallet != wallet {
		return "", Rejectf(CodeForbidden, "ready for %s sent by %s",
			types.Prefix(wallet, 12), types.Prefix(sender.Wallet, 12))
	}
	if x.table.SetReady(wallet) {
		x.log.Info("peer ready", zap.String("wallet", types.Prefix(wallet, 12)))
		x.table.RecomputeDigest()
	}
	if sender.Wallet == "" {
		// Nothing is known about the sender yet; pull its record.
		x.MarkStale(f.From)
	}
	return types.ReplyDone, nil
}
