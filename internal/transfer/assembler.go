// Package transfer reassembles chunked file payloads. A transfer is
// declared with its total chunk count up front, fed base64 chunks in any
// order, and yields the complete payload exactly once.
package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrPayloadTooLarge = errors.New("declared payload size exceeds ceiling")
	ErrUnknownTransfer = errors.New("unknown transfer")
	ErrChunkOutOfRange = errors.New("chunk index out of range")
)

const DefaultMaxPayloadBytes = 10 * 1024 * 1024

type pendingTransfer struct {
	fileID      string
	name        string
	mime        string
	size        int64
	totalChunks int
	chunks      [][]byte
	received    int
	startedAt   time.Time
}

// Assembler tracks in-progress transfers. Completed transfers are removed
// before their payload is returned; partial transfers are never exposed.
type Assembler struct {
	mu       sync.Mutex
	pending  map[string]*pendingTransfer
	maxBytes int64
}

func NewAssembler(maxBytes int64) *Assembler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPayloadBytes
	}
	return &Assembler{
		pending:  make(map[string]*pendingTransfer),
		maxBytes: maxBytes,
	}
}

// Start declares a transfer. A declared size above the ceiling is rejected
// before any state is created. Restarting a live file id replaces it.
func (a *Assembler) Start(fileID, name, mime string, size int64, totalChunks int) error {
	if size > a.maxBytes {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, a.maxBytes)
	}
	if totalChunks <= 0 {
		return fmt.Errorf("transfer %s: total_chunks must be positive", fileID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.pending[fileID]; exists {
		slog.Warn("Restarting in-progress transfer", "file_id", fileID)
	}
	a.pending[fileID] = &pendingTransfer{
		fileID:      fileID,
		name:        name,
		mime:        mime,
		size:        size,
		totalChunks: totalChunks,
		chunks:      make([][]byte, totalChunks),
		startedAt:   time.Now(),
	}
	return nil
}

// Chunk records one base64 chunk. Re-receipt of an already recorded index
// is a no-op. When the last missing index arrives the assembled payload is
// returned with done=true and the transfer is discarded. A failure
// discards the whole transfer; the sender must restart from Start.
func (a *Assembler) Chunk(fileID string, index int, data string) (payload []byte, done bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.pending[fileID]
	if !ok {
		return nil, false, ErrUnknownTransfer
	}
	if index < 0 || index >= t.totalChunks {
		delete(a.pending, fileID)
		return nil, false, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, index, t.totalChunks)
	}
	if t.chunks[index] != nil {
		return nil, false, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		delete(a.pending, fileID)
		return nil, false, fmt.Errorf("decode chunk %d of %s: %w", index, fileID, err)
	}

	assembled := int64(len(decoded))
	for _, c := range t.chunks {
		assembled += int64(len(c))
	}
	if assembled > a.maxBytes {
		delete(a.pending, fileID)
		return nil, false, fmt.Errorf("%w: assembled size %d", ErrPayloadTooLarge, assembled)
	}

	t.chunks[index] = decoded
	t.received++

	if t.received < t.totalChunks {
		return nil, false, nil
	}

	delete(a.pending, fileID)
	var out []byte
	for _, c := range t.chunks {
		out = append(out, c...)
	}
	slog.Debug("Transfer complete", "file_id", fileID, "name", t.name, "bytes", len(out))
	return out, true, nil
}

// Pending reports how many transfers are in flight.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
