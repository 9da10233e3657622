package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherhq/tetherd/internal/protocol"
)

const (
	sendChannelBuffer = 64
	writeTimeout      = 10 * time.Second
	pongTimeout       = 90 * time.Second
	pingInterval      = 30 * time.Second
	maxMessageBytes   = 16 * 1024 * 1024
)

// Conn wraps one authenticated websocket. All writes go through the send
// channel so exactly one goroutine touches the socket for writing.
type Conn struct {
	role     protocol.Role
	identity string
	ws       *websocket.Conn

	sendCh    chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(role protocol.Role, identity string, ws *websocket.Conn) *Conn {
	return &Conn{
		role:     role,
		identity: identity,
		ws:       ws,
		sendCh:   make(chan protocol.Message, sendChannelBuffer),
		done:     make(chan struct{}),
	}
}

func (c *Conn) Role() protocol.Role { return c.role }
func (c *Conn) Identity() string    { return c.identity }

// send queues a message for delivery. A connection whose send buffer is
// full is considered stuck and the message is dropped; there is no durable
// message log.
func (c *Conn) send(msg protocol.Message) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		slog.Warn("Send buffer full, dropping message", "role", c.role, "type", msg.Type())
	}
}

// close tears the socket down exactly once. Both loops exit via c.done.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// writeLoop is the single socket writer: queued messages plus keepalive
// pings.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sendCh:
			data, err := msg.Encode()
			if err != nil {
				slog.Error("Failed to encode message", "role", c.role, "type", msg.Type(), "error", err)
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("Write failed", "role", c.role, "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop decodes inbound frames and hands them to the router. It owns
// connection teardown: when it returns the hub removes the connection.
func (c *Conn) readLoop(h *Hub) {
	defer func() {
		c.close()
		h.remove(c)
	}()

	c.ws.SetReadLimit(maxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		h.touch(c)
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Read failed", "role", c.role, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))

		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("Dropping undecodable frame", "role", c.role, "error", err)
			continue
		}

		h.route(c, msg)
	}
}
