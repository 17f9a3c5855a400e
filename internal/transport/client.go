package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"valqueue.node/vqn/internal/types"
)

// Sender is what gossip and the block relay need from the transport.
type Sender interface {
	Send(ctx context.Context, to types.NodeAddress, tag, payload string) (string, error)
	FetchBlock(ctx context.Context, from types.NodeAddress, row uint64) (types.Block, error)
}

// Client posts frames on behalf of one local node.
type Client struct {
	self   types.HexKey
	client *http.Client
}

// NewClient returns a client stamping frames with self. timeout bounds
// every request, on top of any context deadline.
func NewClient(self types.HexKey, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		self: self,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send posts one frame to the peer at to and returns its reply.
func (c *Client) Send(ctx context.Context, to types.NodeAddress, tag, payload string) (string, error) {
	body := Frame{Tag: tag, From: c.self, Payload: payload}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, to.URL()+QueuePath, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", tag, err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send %s to %s: %w", tag, to, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxFrameSize))
	if err != nil {
		return "", fmt.Errorf("read %s reply from %s: %w", tag, to, err)
	}
	reply := strings.TrimSpace(string(raw))

	switch resp.StatusCode {
	case http.StatusOK:
		return reply, nil
	case http.StatusBadRequest:
		return "", &RemoteError{Tag: tag, Code: reply}
	default:
		return "", fmt.Errorf("send %s to %s: unexpected status %d", tag, to, resp.StatusCode)
	}
}

// FetchBlock pulls a committed row from the peer at from.
func (c *Client) FetchBlock(ctx context.Context, from types.NodeAddress, row uint64) (types.Block, error) {
	q := url.Values{"row": {strconv.FormatUint(row, 10)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, from.URL()+BlockPath+"?"+q.Encode(), nil)
	if err != nil {
		return types.Block{}, fmt.Errorf("build block request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return types.Block{}, fmt.Errorf("fetch row %d from %s: %w", row, from, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return types.Block{}, fmt.Errorf("fetch row %d from %s: status %d", row, from, resp.StatusCode)
	}

	var b types.Block
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxFrameSize)).Decode(&b); err != nil {
		return types.Block{}, fmt.Errorf("%w: row %d from %s: %v", ErrMalformed, row, from, err)
	}
	if b.Row != row {
		return types.Block{}, fmt.Errorf("%w: asked for row %d, got %d", ErrMalformed, row, b.Row)
	}
	return b, nil
}
