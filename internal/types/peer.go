// Package types - peer liveness and the gossiped peer record
package types

import (
	"strconv"
	"time"
)

// PeerStatus represents the lifecycle state of a known peer
type PeerStatus string

const (
	// PeerUnknown - address learned but never exchanged with
	PeerUnknown PeerStatus = "unknown"

	// PeerOnline - last message send succeeded
	PeerOnline PeerStatus = "online"

	// PeerOffline - last message send failed at the transport level
	PeerOffline PeerStatus = "offline"

	// PeerError - the peer answered with something we could not parse
	PeerError PeerStatus = "error"
)

// PeerRecord is one node's view of a peer (or of itself). Status, ErrorCount
// and LastErrorTime are local observations and are never taken from a remote
// record; everything else is what the peer reports about itself.
type PeerRecord struct {
	Wallet           string      `json:"wallet"`
	Address          NodeAddress `json:"address"`
	InstanceID       string      `json:"instance_id,omitempty"`
	Status           PeerStatus  `json:"status"`
	Ready            bool        `json:"ready"`
	ErrorCount       uint        `json:"error_count"`
	LastErrorTime    time.Time   `json:"last_error_time,omitempty"`
	LocalClockSample time.Time   `json:"local_clock_sample"`
	WorldClockSample time.Time   `json:"world_clock_sample"`
	// Height is the last row the peer has committed.
	Height           uint64      `json:"height"`
	StateDigest      string      `json:"state_digest"`
	Signature        []byte      `json:"signature,omitempty"`
}

// Key is the record's HexKey.
func (r *PeerRecord) Key() HexKey {
	return r.Address.Key()
}

// Eligible reports whether the peer may take part in an election round.
func (r *PeerRecord) Eligible() bool {
	return r.Status == PeerOnline && r.ErrorCount == 0 && r.Ready
}

// Failed reports whether the last exchange with the peer failed.
func (r *PeerRecord) Failed() bool {
	return !r.LastErrorTime.IsZero()
}

// CanRetry reports whether a failed peer may be contacted again at now.
// Peers that have not failed can always be contacted.
func (r *PeerRecord) CanRetry(now time.Time, backoff time.Duration) bool {
	if !r.Failed() {
		return true
	}
	return now.Sub(r.LastErrorTime) >= backoff
}

// SigningBytes returns the canonical bytes covered by Signature.
func (r *PeerRecord) SigningBytes() []byte {
	s := r.Wallet + "|" + r.Address.String() + "|" + r.InstanceID + "|" +
		strconv.FormatBool(r.Ready) + "|" +
		strconv.FormatInt(r.WorldClockSample.UnixMilli(), 10) + "|" +
		strconv.FormatInt(r.LocalClockSample.UnixMilli(), 10) + "|" +
		strconv.FormatUint(r.Height, 10) + "|" +
		r.StateDigest
	return []byte(s)
}

// StatusDescription returns a human-readable description of the status
func StatusDescription(status PeerStatus) string {
	switch status {
	case PeerOnline:
		return "Reachable"
	case PeerOffline:
		return "Not responding"
	case PeerError:
		return "Sent malformed data"
	case PeerUnknown:
		return "Not yet contacted"
	default:
		return "Unknown"
	}
}
