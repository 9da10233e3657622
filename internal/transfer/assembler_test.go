package transfer

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestAssembleInOrder(t *testing.T) {
	a := NewAssembler(1024)
	require.NoError(t, a.Start("f1", "hello.txt", "text/plain", 10, 2))

	payload, done, err := a.Chunk("f1", 0, b64("hello "))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Nil(t, payload)

	payload, done, err = a.Chunk("f1", 1, b64("world"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "hello world", string(payload))

	// Transfer is discarded on completion.
	_, _, err = a.Chunk("f1", 0, b64("x"))
	assert.ErrorIs(t, err, ErrUnknownTransfer)
	assert.Equal(t, 0, a.Pending())
}

func TestAssembleOutOfOrder(t *testing.T) {
	a := NewAssembler(1024)
	require.NoError(t, a.Start("f1", "f", "application/octet-stream", 6, 3))

	_, done, err := a.Chunk("f1", 2, b64("cc"))
	require.NoError(t, err)
	assert.False(t, done)

	_, done, err = a.Chunk("f1", 0, b64("aa"))
	require.NoError(t, err)
	assert.False(t, done)

	payload, done, err := a.Chunk("f1", 1, b64("bb"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "aabbcc", string(payload))
}

func TestIdempotentReReceipt(t *testing.T) {
	a := NewAssembler(1024)
	require.NoError(t, a.Start("f1", "f", "", 4, 2))

	_, done, err := a.Chunk("f1", 0, b64("aa"))
	require.NoError(t, err)
	assert.False(t, done)

	// Re-delivery of the same index is a no-op, not a completion.
	_, done, err = a.Chunk("f1", 0, b64("aa"))
	require.NoError(t, err)
	assert.False(t, done)

	payload, done, err := a.Chunk("f1", 1, b64("bb"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "aabb", string(payload))
}

func TestSizeCeilingAtStart(t *testing.T) {
	a := NewAssembler(100)

	err := a.Start("f1", "big.bin", "", 101, 1)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	// No transfer state was created.
	_, _, err = a.Chunk("f1", 0, b64("data"))
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestAssembledSizeCeiling(t *testing.T) {
	a := NewAssembler(4)
	// Declared size lies under the ceiling but the chunks do not.
	require.NoError(t, a.Start("f1", "f", "", 2, 2))

	_, _, err := a.Chunk("f1", 0, b64("aaa"))
	require.NoError(t, err)

	_, _, err = a.Chunk("f1", 1, b64("bbb"))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	// The transfer was discarded; the sender must restart.
	_, _, err = a.Chunk("f1", 0, b64("a"))
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestUnknownTransfer(t *testing.T) {
	a := NewAssembler(1024)
	_, _, err := a.Chunk("missing", 0, b64("x"))
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestChunkIndexOutOfRange(t *testing.T) {
	a := NewAssembler(1024)
	require.NoError(t, a.Start("f1", "f", "", 4, 2))

	_, _, err := a.Chunk("f1", 2, b64("x"))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	// Out-of-range discards the transfer.
	_, _, err = a.Chunk("f1", 0, b64("x"))
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestBadBase64DiscardsTransfer(t *testing.T) {
	a := NewAssembler(1024)
	require.NoError(t, a.Start("f1", "f", "", 4, 2))

	_, _, err := a.Chunk("f1", 0, "not-base64!!!")
	assert.Error(t, err)
	_, _, err = a.Chunk("f1", 1, b64("x"))
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestRestartReplacesTransfer(t *testing.T) {
	a := NewAssembler(1024)
	require.NoError(t, a.Start("f1", "f", "", 4, 2))
	_, _, err := a.Chunk("f1", 0, b64("aa"))
	require.NoError(t, err)

	require.NoError(t, a.Start("f1", "f", "", 4, 2))

	// Previous chunk state is gone after the restart.
	_, done, err := a.Chunk("f1", 1, b64("bb"))
	require.NoError(t, err)
	assert.False(t, done)
}

func TestInvalidTotalChunks(t *testing.T) {
	a := NewAssembler(1024)
	assert.Error(t, a.Start("f1", "f", "", 4, 0))
	assert.Error(t, a.Start("f1", "f", "", 4, -1))
}
