package hub

import (
	"log/slog"
	"time"

	"github.com/tetherhq/tetherd/internal/forms"
	"github.com/tetherhq/tetherd/internal/protocol"
	"github.com/tetherhq/tetherd/internal/transfer"
)

// route validates an inbound message against the sender's type table,
// applies side effects (request correlation, chunk tracking, form
// normalization) and forwards to the target population. Invalid messages
// are dropped; the connection itself stays up.
func (h *Hub) route(sender *Conn, msg protocol.Message) {
	if err := protocol.Validate(sender.role, msg); err != nil {
		slog.Warn("Dropping invalid message", "role", sender.role, "type", msg.Type(), "error", err)
		return
	}

	switch sender.role {
	case protocol.RoleWorker:
		h.broadcastToClients(msg)

	case protocol.RoleClient:
		h.routeFromClient(msg)

	case protocol.RoleBridge:
		h.routeFromBridge(sender, msg)
	}
}

func (h *Hub) routeFromClient(msg protocol.Message) {
	if protocol.IsClientResponse(msg.Type()) {
		h.resolvePending(msg)
		return
	}

	switch msg.Type() {
	case protocol.TypeFileUploadStart:
		if !h.trackStart(h.uploads, msg) {
			return
		}
	case protocol.TypeFileUploadChunk:
		if !h.trackChunk(h.uploads, msg) {
			return
		}
	}

	h.mu.Lock()
	worker := h.worker
	h.mu.Unlock()

	if worker == nil {
		// No synthesized failure for an absent peer: the sender's own
		// timeout governs.
		slog.Debug("No live worker, dropping message", "type", msg.Type())
		return
	}
	worker.send(msg)
}

func (h *Hub) routeFromBridge(sender *Conn, msg protocol.Message) {
	if protocol.IsBridgeRequest(msg.Type()) {
		if msg.Type() == protocol.TypeFormRequest && !h.normalizeForm(msg) {
			return
		}
		h.registerPending(sender, msg.ID())
	}

	switch msg.Type() {
	case protocol.TypeFileStart:
		if !h.trackStart(h.downloads, msg) {
			return
		}
	case protocol.TypeFileChunk:
		if !h.trackChunk(h.downloads, msg) {
			return
		}
	}

	h.mu.Lock()
	hasClients := len(h.clients) > 0
	h.mu.Unlock()

	if !hasClients {
		slog.Debug("No live client, dropping message", "type", msg.Type())
		return
	}
	h.broadcastToClients(msg)
}

// normalizeForm repairs the form payload before it is forwarded. A form
// that cannot be repaired never reaches the client; the issuing tool's
// own timeout surfaces the failure.
func (h *Hub) normalizeForm(msg protocol.Message) bool {
	raw, _ := msg["form"].(map[string]any)
	res := forms.Normalize(raw)
	for _, w := range res.Warnings {
		slog.Warn("Form normalization", "request_id", msg.ID(), "warning", w)
	}
	if !res.Valid {
		slog.Warn("Dropping unrepairable form request", "request_id", msg.ID(), "errors", res.Errors)
		return false
	}
	msg["form"] = res.Normalized
	return true
}

// registerPending records which bridge connection awaits the response for
// a correlated request id. Entries expire on their own rather than
// failing the sender.
func (h *Hub) registerPending(sender *Conn, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.pending[id]; ok {
		prev.timer.Stop()
	}
	p := &pendingRequest{id: id, bridge: sender}
	p.timer = time.AfterFunc(h.pendingTTL, func() {
		h.expirePending(id)
	})
	h.pending[id] = p
}

func (h *Hub) expirePending(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.pending[id]; ok {
		slog.Debug("Pending request expired", "request_id", id)
		delete(h.pending, id)
	}
}

// resolvePending delivers a client response back to the bridge connection
// that issued the matching request. At-most-once: the entry is removed
// before delivery.
func (h *Hub) resolvePending(msg protocol.Message) {
	h.mu.Lock()
	p, ok := h.pending[msg.ID()]
	if ok {
		p.timer.Stop()
		delete(h.pending, msg.ID())
	}
	h.mu.Unlock()

	if !ok {
		slog.Warn("Response without pending request, dropping", "request_id", msg.ID(), "type", msg.Type())
		return
	}
	p.bridge.send(msg)
}

// trackStart runs a *_start message through the assembler so oversized
// transfers are rejected before any chunk is accepted.
func (h *Hub) trackStart(a *transfer.Assembler, msg protocol.Message) bool {
	size, _ := msg.Int("size")
	total, _ := msg.Int("total_chunks")
	err := a.Start(msg.String("file_id"), msg.String("name"), msg.String("mime"), int64(size), total)
	if err != nil {
		slog.Warn("Rejecting transfer", "file_id", msg.String("file_id"), "error", err)
		return false
	}
	return true
}

// trackChunk validates and records one chunk. The chunk is forwarded
// as-is; receivers reassemble on their side, the hub's copy enforces the
// ceiling and drops chunks for unknown transfers.
func (h *Hub) trackChunk(a *transfer.Assembler, msg protocol.Message) bool {
	index, _ := msg.Int("chunk_index")
	payload, done, err := a.Chunk(msg.String("file_id"), index, msg.String("data"))
	if err != nil {
		slog.Warn("Rejecting chunk", "file_id", msg.String("file_id"), "chunk_index", index, "error", err)
		return false
	}
	if done {
		slog.Debug("Transfer relayed completely", "file_id", msg.String("file_id"), "bytes", len(payload))
	}
	return true
}
