// Package hub hosts the three connection populations of a deployment —
// client, worker and local bridge — authenticates each on upgrade, tracks
// presence, and routes validated messages between them.
package hub

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tetherhq/tetherd/internal/credstore"
	"github.com/tetherhq/tetherd/internal/protocol"
	"github.com/tetherhq/tetherd/internal/session"
	"github.com/tetherhq/tetherd/internal/transfer"
)

const bearerProtocolPrefix = "bearer."

type Config struct {
	MaxPayloadBytes   int64
	PendingRequestTTL time.Duration
}

// Hub owns the live connection tables, the pending-request correlation
// map, and the chunk-transfer trackers. All mutation happens under one
// mutex; socket I/O stays outside it.
type Hub struct {
	sessions *session.Issuer
	store    *credstore.Store
	upgrader websocket.Upgrader

	pendingTTL time.Duration
	uploads    *transfer.Assembler
	downloads  *transfer.Assembler

	mu      sync.Mutex
	clients map[*Conn]struct{}
	worker  *Conn
	bridge  *Conn
	pending map[string]*pendingRequest
}

// pendingRequest maps a correlated bridge request id back to the bridge
// connection awaiting its response. The timer bounds how long an
// unanswered id stays routable.
type pendingRequest struct {
	id     string
	bridge *Conn
	timer  *time.Timer
}

func New(sessions *session.Issuer, store *credstore.Store, cfg Config) *Hub {
	if cfg.PendingRequestTTL <= 0 {
		cfg.PendingRequestTTL = 10 * time.Minute
	}
	return &Hub{
		sessions:   sessions,
		store:      store,
		pendingTTL: cfg.PendingRequestTTL,
		uploads:    transfer.NewAssembler(cfg.MaxPayloadBytes),
		downloads:  transfer.NewAssembler(cfg.MaxPayloadBytes),
		clients:    make(map[*Conn]struct{}),
		pending:    make(map[string]*pendingRequest),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Callers are native apps and local processes, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// bearerFromSubprotocols extracts the bearer credential carried in the
// websocket subprotocol negotiation ("bearer.<token>").
func bearerFromSubprotocols(r *http.Request) (token, proto string) {
	for _, p := range websocket.Subprotocols(r) {
		if strings.HasPrefix(p, bearerProtocolPrefix) {
			return strings.TrimPrefix(p, bearerProtocolPrefix), p
		}
	}
	return "", ""
}

// HandleClient upgrades /events connections. The bearer must validate as
// a live session token for the paired device.
func (h *Hub) HandleClient(c *gin.Context) {
	token, proto := bearerFromSubprotocols(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer subprotocol"})
		return
	}

	deviceID, err := h.sessions.ValidateSession(token)
	if err != nil {
		slog.Warn("Client connection refused", "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, http.Header{
		"Sec-WebSocket-Protocol": {proto},
	})
	if err != nil {
		slog.Error("Client upgrade failed", "error", err)
		return
	}

	conn := newConn(protocol.RoleClient, deviceID, ws)
	h.addClient(conn)
	go conn.writeLoop()
	go conn.readLoop(h)
}

// HandleWorker upgrades /worker connections. The bearer must match a
// stored worker credential; a new worker supersedes the previous one.
func (h *Hub) HandleWorker(c *gin.Context) {
	token, proto := bearerFromSubprotocols(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer subprotocol"})
		return
	}

	worker, err := h.store.WorkerByCredential(token)
	if err != nil {
		slog.Warn("Worker connection refused", "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, http.Header{
		"Sec-WebSocket-Protocol": {proto},
	})
	if err != nil {
		slog.Error("Worker upgrade failed", "error", err)
		return
	}

	conn := newConn(protocol.RoleWorker, worker.WorkerID, ws)
	h.setWorker(conn)
	go conn.writeLoop()
	go conn.readLoop(h)
}

// HandleBridge upgrades the loopback-only bridge endpoint used by local
// tool processes. No bearer: reachability proves locality.
func (h *Hub) HandleBridge(c *gin.Context) {
	if !isLoopback(c.Request.RemoteAddr) {
		slog.Warn("Bridge connection refused", "remote_addr", c.Request.RemoteAddr)
		c.JSON(http.StatusForbidden, gin.H{"error": "bridge endpoint is local only"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Bridge upgrade failed", "error", err)
		return
	}

	conn := newConn(protocol.RoleBridge, "bridge", ws)
	h.setBridge(conn)
	go conn.writeLoop()
	go conn.readLoop(h)
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (h *Hub) addClient(conn *Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	workerLive := h.worker != nil
	total := len(h.clients)
	h.mu.Unlock()

	slog.Info("Client connected", "device_id", conn.identity, "total_clients", total)

	// The new client learns the current worker presence right after the
	// handshake so it never has to poll.
	conn.send(protocol.Message{"type": protocol.TypeConnected})
	conn.send(protocol.Message{"type": protocol.TypeWorkerStatus, "connected": workerLive})
}

func (h *Hub) setWorker(conn *Conn) {
	h.mu.Lock()
	prev := h.worker
	h.worker = conn
	h.mu.Unlock()

	if prev != nil {
		slog.Warn("Worker already connected, superseding", "worker_id", prev.identity)
		prev.close()
	}

	if err := h.store.TouchWorker(conn.identity, time.Now()); err != nil {
		slog.Error("Failed to update worker last seen", "worker_id", conn.identity, "error", err)
	}

	slog.Info("Worker connected", "worker_id", conn.identity)
	h.broadcastToClients(protocol.Message{"type": protocol.TypeWorkerStatus, "connected": true})
}

func (h *Hub) setBridge(conn *Conn) {
	h.mu.Lock()
	prev := h.bridge
	h.bridge = conn
	h.mu.Unlock()

	if prev != nil {
		slog.Warn("Bridge already connected, superseding")
		prev.close()
	}
	slog.Info("Bridge connected")
}

// remove drops a closed connection from the tables. A superseded worker
// or bridge is already replaced by the time its read loop exits, so only
// the current holder broadcasts a disconnect.
func (h *Hub) remove(conn *Conn) {
	h.mu.Lock()
	workerGone := false
	switch conn.role {
	case protocol.RoleClient:
		delete(h.clients, conn)
	case protocol.RoleWorker:
		if h.worker == conn {
			h.worker = nil
			workerGone = true
		}
	case protocol.RoleBridge:
		if h.bridge == conn {
			h.bridge = nil
		}
		for id, p := range h.pending {
			if p.bridge == conn {
				p.timer.Stop()
				delete(h.pending, id)
			}
		}
	}
	h.mu.Unlock()

	slog.Info("Connection closed", "role", conn.role, "identity", conn.identity)

	if workerGone {
		h.broadcastToClients(protocol.Message{"type": protocol.TypeWorkerStatus, "connected": false})
	}
}

func (h *Hub) touch(conn *Conn) {
	if conn.role != protocol.RoleWorker {
		return
	}
	if err := h.store.TouchWorker(conn.identity, time.Now()); err != nil {
		slog.Debug("Failed to update worker last seen", "worker_id", conn.identity, "error", err)
	}
}

func (h *Hub) broadcastToClients(msg protocol.Message) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.send(msg)
	}
}

// Close terminates every live connection. Used on shutdown and in tests.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.clients)+2)
	for c := range h.clients {
		conns = append(conns, c)
	}
	if h.worker != nil {
		conns = append(conns, h.worker)
	}
	if h.bridge != nil {
		conns = append(conns, h.bridge)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
