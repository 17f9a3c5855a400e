// Package transport carries queue frames between nodes over HTTP.
//
// A frame is the text "tag#fromHexKey#payload" posted to /api/queue. The
// receiver answers with the reply string and HTTP 200, or with an error code
// and HTTP 400. Blocks themselves are pulled with GET /api/block.
package transport

import (
	"errors"
	"fmt"
	"strings"

	"valqueue.node/vqn/internal/types"
)

const (
	// QueuePath is the inbound frame endpoint.
	QueuePath = "/api/queue"
	// BlockPath serves committed blocks by row.
	BlockPath = "/api/block"
	// MaxFrameSize bounds inbound frame bodies.
	MaxFrameSize = 1 << 20
)

// ErrMalformed is returned for frames and replies that cannot be decoded.
var ErrMalformed = errors.New("malformed frame")

// Frame is one queue message.
type Frame struct {
	Tag     string
	From    types.HexKey
	Payload string
}

// Encode renders the frame for the wire.
func (f Frame) Encode() string {
	return f.Tag + "#" + string(f.From) + "#" + f.Payload
}

// DecodeFrame parses a wire frame. The payload may itself contain '#'.
func DecodeFrame(s string) (Frame, error) {
	parts := strings.SplitN(s, "#", 3)
	if len(parts) != 3 {
		return Frame{}, fmt.Errorf("%w: want tag#from#payload", ErrMalformed)
	}
	f := Frame{Tag: parts[0], From: types.HexKey(parts[1]), Payload: parts[2]}
	if f.Tag == "" {
		return Frame{}, fmt.Errorf("%w: empty tag", ErrMalformed)
	}
	if _, err := types.AddressFromKey(f.From); err != nil {
		return Frame{}, fmt.Errorf("%w: sender: %v", ErrMalformed, err)
	}
	return f, nil
}

// RemoteError is a 400 reply carrying the receiver's error code.
type RemoteError struct {
	Tag  string
	Code string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s rejected with code %q", e.Tag, e.Code)
}
