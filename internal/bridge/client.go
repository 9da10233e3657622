// Package bridge is the client side of the hub's loopback bridge
// endpoint. Tool processes use it to emit fire-and-forget content
// messages or to perform a request/await-response exchange with a
// timeout.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherhq/tetherd/internal/protocol"
)

var (
	ErrResponseIDMismatch = errors.New("response id does not match request")
	ErrTimeout            = errors.New("timed out waiting for response")
	ErrConnectionClosed   = errors.New("bridge connection closed")
)

const (
	defaultIdleTimeout = 3 * time.Second
	dialTimeout        = 5 * time.Second
)

// Client talks to the hub's loopback bridge endpoint. Fire-and-forget
// sends share one connection that closes itself after an idle window;
// each SendAndWait uses a dedicated connection so responses can never
// interleave.
type Client struct {
	url         string
	taskID      string
	idleTimeout time.Duration

	mu        sync.Mutex
	shared    *websocket.Conn
	idleTimer *time.Timer
}

func NewClient(url, taskID string) *Client {
	return &Client{
		url:         url,
		taskID:      taskID,
		idleTimeout: defaultIdleTimeout,
	}
}

// Send writes a fire-and-forget message over the shared connection,
// stamping id, timestamp and task id when absent. The shared connection
// closes after the idle window so repeated sends in one process reuse a
// socket without holding it open indefinitely.
func (c *Client) Send(msg protocol.Message) error {
	msg.Stamp(c.taskID)

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shared == nil {
		conn, err := dial(c.url)
		if err != nil {
			return err
		}
		c.shared = conn
	}

	c.shared.SetWriteDeadline(time.Now().Add(dialTimeout))
	if err := c.shared.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closeSharedLocked()
		return fmt.Errorf("write message: %w", err)
	}

	c.resetIdleTimerLocked()
	return nil
}

// SendAndWait performs a correlated exchange on a dedicated connection:
// the call resolves with the matching-id response or fails with a
// timeout, a mismatched response id, or the connection closing. Exactly
// one outcome; the connection is closed on every exit path.
func (c *Client) SendAndWait(msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	msg.Stamp(c.taskID)
	id := msg.ID()

	data, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	conn, err := dial(c.url)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	_, respData, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, ErrConnectionClosed
	}

	resp, err := protocol.Decode(respData)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.ID() != id {
		slog.Warn("Bridge response id mismatch", "want", id, "got", resp.ID())
		return nil, ErrResponseIDMismatch
	}
	return resp, nil
}

// Close releases the shared connection, if any.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSharedLocked()
}

func (c *Client) resetIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.idleTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeSharedLocked()
	})
}

func (c *Client) closeSharedLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.shared != nil {
		c.shared.Close()
		c.shared = nil
	}
}

func dial(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	return conn, nil
}
