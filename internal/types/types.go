// Package types defines the core domain models for the validator queue node
// (vqn). It contains the peer addressing model, the per-peer record shared
// through gossip, the committed block and the wire tags used between nodes.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Version is the current version of vqn
const Version = "0.3.0"

// BuildTime is set at build time via -ldflags
var BuildTime = "dev"

// ErrBadAddress is returned when an address string cannot be parsed.
var ErrBadAddress = errors.New("bad node address")

// HexKey is the canonical identity of a NodeAddress: the four IPv4 octets
// followed by the port, all as fixed-width lowercase hex (12 chars).
type HexKey string

// NodeAddress is a peer's network location.
type NodeAddress struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// ParseAddress parses "ip:port" into a NodeAddress. Only IPv4 is accepted
// because the HexKey encoding is defined over four octets.
func ParseAddress(s string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return NodeAddress{}, fmt.Errorf("%w: %q: %v", ErrBadAddress, s, err)
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return NodeAddress{}, fmt.Errorf("%w: %q is not IPv4", ErrBadAddress, host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return NodeAddress{}, fmt.Errorf("%w: invalid port %q", ErrBadAddress, portStr)
	}
	return NodeAddress{IP: ip.String(), Port: uint16(port)}, nil
}

// String returns the address in ip:port form.
func (a NodeAddress) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port)))
}

// Key derives the HexKey for the address. An address whose IP is not valid
// IPv4 maps to the zero address so it still has a stable key.
func (a NodeAddress) Key() HexKey {
	buf := make([]byte, 6)
	if ip := net.ParseIP(a.IP).To4(); ip != nil {
		copy(buf, ip)
	}
	buf[4] = byte(a.Port >> 8)
	buf[5] = byte(a.Port)
	return HexKey(hex.EncodeToString(buf))
}

// AddressFromKey reverses NodeAddress.Key.
func AddressFromKey(k HexKey) (NodeAddress, error) {
	raw, err := hex.DecodeString(string(k))
	if err != nil || len(raw) != 6 {
		return NodeAddress{}, fmt.Errorf("%w: bad key %q", ErrBadAddress, k)
	}
	ip := net.IPv4(raw[0], raw[1], raw[2], raw[3])
	return NodeAddress{IP: ip.String(), Port: uint16(raw[4])<<8 | uint16(raw[5])}, nil
}

// URL returns the base HTTP URL of the node's API.
func (a NodeAddress) URL() string {
	return "http://" + a.String()
}

// Wire tags carried in the queue frame.
const (
	TagHash  = "hash"
	TagList  = "list"
	TagNode  = "node"
	TagReady = "ready"
	TagWhen  = "when"
	TagTime  = "time"
	TagBlock = "block"
)

// Replies to a hash probe.
const (
	ProbeEqual         = "0"
	ProbeAddressDiffer = "1"
	ProbePeerDiffer    = "2"
)

// Plain acknowledgements.
const (
	ReplyDone = "done"
	ReplyOK   = "ok"
)

// Error codes returned for a block pointer.
const (
	BlockErrMalformed       = "1"
	BlockErrUnknownProposer = "2"
	BlockErrFetch           = "3"
	BlockErrRejected        = "4"
)

// Block is a committed (or candidate) chain entry.
type Block struct {
	Row       uint64    `json:"row"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
	Proposer  string    `json:"proposer"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload,omitempty"`
	Signature []byte    `json:"signature,omitempty"`
}

// ComputeHash returns the canonical hash of the block's content fields.
func (b *Block) ComputeHash() string {
	return Hash(
		strconv.FormatUint(b.Row, 10),
		b.PrevHash,
		b.Proposer,
		strconv.FormatInt(b.Timestamp.UnixMilli(), 10),
		hex.EncodeToString(b.Payload),
	)
}

// Seal fills in Hash from the content fields.
func (b *Block) Seal() {
	b.Hash = b.ComputeHash()
}

// Pointer returns the relay pointer "row:wallet" for the block.
func (b *Block) Pointer() string {
	return FormatPointer(b.Row, b.Proposer)
}

// FormatPointer formats a block relay pointer.
func FormatPointer(row uint64, wallet string) string {
	return strconv.FormatUint(row, 10) + ":" + wallet
}

// ParsePointer parses a "row:wallet" relay pointer.
func ParsePointer(s string) (uint64, string, bool) {
	rowStr, wallet, ok := strings.Cut(s, ":")
	if !ok || wallet == "" {
		return 0, "", false
	}
	row, err := strconv.ParseUint(rowStr, 10, 64)
	if err != nil || row == 0 {
		return 0, "", false
	}
	return row, wallet, true
}

// FormatInstant encodes a world-time instant as Unix milliseconds.
func FormatInstant(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ParseInstant decodes an instant produced by FormatInstant.
func ParseInstant(s string) (time.Time, bool) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// CeilTo rounds t up to the next multiple of cadence. An instant already on
// a boundary moves to the following one.
func CeilTo(t time.Time, cadence time.Duration) time.Time {
	if cadence <= 0 {
		return t
	}
	return t.Truncate(cadence).Add(cadence)
}
