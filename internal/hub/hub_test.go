package hub

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherhq/tetherd/internal/credstore"
	"github.com/tetherhq/tetherd/internal/protocol"
	"github.com/tetherhq/tetherd/internal/session"
)

const (
	testWorkerCredential = "wk_test_credential"
	readWait             = 2 * time.Second
)

func newTestHub(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := credstore.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	require.NoError(t, store.SetDevice(credstore.Device{DeviceID: "dev-1", PublicKey: "pk", PairedAt: time.Now()}))
	require.NoError(t, store.PutWorker(credstore.WorkerCredential{
		WorkerID:   "w-1",
		Credential: testWorkerCredential,
		CreatedAt:  time.Now(),
	}))

	jwtConfig := session.JWTConfig{Secret: "test-secret", TTL: time.Hour}
	issuer := session.NewIssuer(store, credstore.NewNonceCache(time.Minute), jwtConfig, time.Minute, time.Minute)

	h := New(issuer, store, Config{MaxPayloadBytes: 1024})

	engine := gin.New()
	engine.GET("/events", h.HandleClient)
	engine.GET("/worker", h.HandleWorker)
	engine.GET("/bridge", h.HandleBridge)

	srv := httptest.NewServer(engine)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})

	token, err := session.GenerateToken(jwtConfig, "dev-1")
	require.NoError(t, err)
	return srv, token
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialWS(t *testing.T, srv *httptest.Server, path, bearer string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: readWait}
	if bearer != "" {
		dialer.Subprotocols = []string{"bearer." + bearer}
	}
	conn, _, err := dialer.Dial(wsURL(srv, path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func expectNoMessage(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestClientObservesWorkerPresence(t *testing.T) {
	srv, token := newTestHub(t)

	worker := dialWS(t, srv, "/worker", testWorkerCredential)
	client := dialWS(t, srv, "/events", token)

	msg := readMessage(t, client)
	assert.Equal(t, protocol.TypeConnected, msg.Type())

	msg = readMessage(t, client)
	assert.Equal(t, protocol.TypeWorkerStatus, msg.Type())
	assert.Equal(t, true, msg["connected"])

	worker.Close()

	msg = readMessage(t, client)
	assert.Equal(t, protocol.TypeWorkerStatus, msg.Type())
	assert.Equal(t, false, msg["connected"])
}

func TestClientConnectsBeforeWorker(t *testing.T) {
	srv, token := newTestHub(t)

	client := dialWS(t, srv, "/events", token)

	msg := readMessage(t, client)
	assert.Equal(t, protocol.TypeConnected, msg.Type())
	msg = readMessage(t, client)
	assert.Equal(t, protocol.TypeWorkerStatus, msg.Type())
	assert.Equal(t, false, msg["connected"])

	dialWS(t, srv, "/worker", testWorkerCredential)

	msg = readMessage(t, client)
	assert.Equal(t, protocol.TypeWorkerStatus, msg.Type())
	assert.Equal(t, true, msg["connected"])
}

func TestUnauthenticatedClientRefused(t *testing.T) {
	srv, _ := newTestHub(t)

	dialer := websocket.Dialer{HandshakeTimeout: readWait}
	dialer.Subprotocols = []string{"bearer.not-a-token"}
	conn, resp, err := dialer.Dial(wsURL(srv, "/events"), nil)
	assert.Error(t, err)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestClientWithoutBearerRefused(t *testing.T) {
	srv, _ := newTestHub(t)

	dialer := websocket.Dialer{HandshakeTimeout: readWait}
	conn, resp, err := dialer.Dial(wsURL(srv, "/events"), nil)
	assert.Error(t, err)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownWorkerCredentialRefused(t *testing.T) {
	srv, _ := newTestHub(t)

	dialer := websocket.Dialer{HandshakeTimeout: readWait}
	dialer.Subprotocols = []string{"bearer.wk_bogus"}
	conn, resp, err := dialer.Dial(wsURL(srv, "/worker"), nil)
	assert.Error(t, err)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWorkerMessageBroadcastToClients(t *testing.T) {
	srv, token := newTestHub(t)

	worker := dialWS(t, srv, "/worker", testWorkerCredential)
	client := dialWS(t, srv, "/events", token)
	readMessage(t, client) // connected
	readMessage(t, client) // worker_status

	writeMessage(t, worker, protocol.Message{"type": protocol.TypeTaskStatus, "status": "running", "task_id": "task-1"})

	msg := readMessage(t, client)
	assert.Equal(t, protocol.TypeTaskStatus, msg.Type())
	assert.Equal(t, "running", msg.String("status"))
	assert.Equal(t, "task-1", msg.TaskID())
}

func TestClientMessageForwardedToWorker(t *testing.T) {
	srv, token := newTestHub(t)

	worker := dialWS(t, srv, "/worker", testWorkerCredential)
	client := dialWS(t, srv, "/events", token)
	readMessage(t, client)
	readMessage(t, client)

	writeMessage(t, client, protocol.Message{"type": protocol.TypeUserMessage, "text": "do the thing"})

	msg := readMessage(t, worker)
	assert.Equal(t, protocol.TypeUserMessage, msg.Type())
	assert.Equal(t, "do the thing", msg.String("text"))
}

func TestInvalidMessageDroppedConnectionStaysUp(t *testing.T) {
	srv, token := newTestHub(t)

	worker := dialWS(t, srv, "/worker", testWorkerCredential)
	client := dialWS(t, srv, "/events", token)
	readMessage(t, client)
	readMessage(t, client)

	// Type not in the client table, then missing field, then valid.
	writeMessage(t, client, protocol.Message{"type": "input_request", "id": "x"})
	writeMessage(t, client, protocol.Message{"type": protocol.TypeUserMessage})
	writeMessage(t, client, protocol.Message{"type": protocol.TypeUserMessage, "text": "still here"})

	msg := readMessage(t, worker)
	assert.Equal(t, "still here", msg.String("text"))
}

func TestBridgeRequestResponseCorrelation(t *testing.T) {
	srv, token := newTestHub(t)

	client := dialWS(t, srv, "/events", token)
	readMessage(t, client)
	readMessage(t, client)
	bridge := dialWS(t, srv, "/bridge", "")

	writeMessage(t, bridge, protocol.Message{"type": protocol.TypeInputRequest, "id": "req-1", "prompt": "continue?"})

	msg := readMessage(t, client)
	assert.Equal(t, protocol.TypeInputRequest, msg.Type())
	assert.Equal(t, "req-1", msg.ID())

	writeMessage(t, client, protocol.Message{"type": protocol.TypeInputResponse, "id": "req-1", "value": "yes"})

	resp := readMessage(t, bridge)
	assert.Equal(t, protocol.TypeInputResponse, resp.Type())
	assert.Equal(t, "req-1", resp.ID())
	assert.Equal(t, "yes", resp.String("value"))
}

func TestResponseWithoutPendingRequestDropped(t *testing.T) {
	srv, token := newTestHub(t)

	client := dialWS(t, srv, "/events", token)
	readMessage(t, client)
	readMessage(t, client)
	bridge := dialWS(t, srv, "/bridge", "")

	writeMessage(t, client, protocol.Message{"type": protocol.TypeInputResponse, "id": "ghost", "value": "yes"})

	expectNoMessage(t, bridge)
}

func TestResponseResolvedAtMostOnce(t *testing.T) {
	srv, token := newTestHub(t)

	client := dialWS(t, srv, "/events", token)
	readMessage(t, client)
	readMessage(t, client)
	bridge := dialWS(t, srv, "/bridge", "")

	writeMessage(t, bridge, protocol.Message{"type": protocol.TypeInputRequest, "id": "req-1"})
	readMessage(t, client)

	writeMessage(t, client, protocol.Message{"type": protocol.TypeInputResponse, "id": "req-1", "value": "first"})
	resp := readMessage(t, bridge)
	assert.Equal(t, "first", resp.String("value"))

	// The pending entry is gone; a duplicate response is dropped.
	writeMessage(t, client, protocol.Message{"type": protocol.TypeInputResponse, "id": "req-1", "value": "second"})
	expectNoMessage(t, bridge)
}

func TestBridgeContentBroadcast(t *testing.T) {
	srv, token := newTestHub(t)

	client := dialWS(t, srv, "/events", token)
	readMessage(t, client)
	readMessage(t, client)
	bridge := dialWS(t, srv, "/bridge", "")

	writeMessage(t, bridge, protocol.Message{"type": protocol.TypeMessage, "text": "build passed"})

	msg := readMessage(t, client)
	assert.Equal(t, protocol.TypeMessage, msg.Type())
	assert.Equal(t, "build passed", msg.String("text"))
}

func TestFormRequestNormalizedBeforeForwarding(t *testing.T) {
	srv, token := newTestHub(t)

	client := dialWS(t, srv, "/events", token)
	readMessage(t, client)
	readMessage(t, client)
	bridge := dialWS(t, srv, "/bridge", "")

	writeMessage(t, bridge, protocol.Message{
		"type": protocol.TypeFormRequest,
		"id":   "req-1",
		"form": map[string]any{
			"id": "f",
			"fields": []any{
				map[string]any{"id": "choice", "type": "select", "label": "Pick", "options": []any{}},
			},
		},
	})

	msg := readMessage(t, client)
	assert.Equal(t, protocol.TypeFormRequest, msg.Type())
	form, ok := msg["form"].(map[string]any)
	require.True(t, ok)
	fields, ok := form["fields"].([]any)
	require.True(t, ok)
	require.Len(t, fields, 1)
	field := fields[0].(map[string]any)
	assert.Equal(t, "string", field["type"])
}

func TestUnrepairableFormRequestDropped(t *testing.T) {
	srv, token := newTestHub(t)

	client := dialWS(t, srv, "/events", token)
	readMessage(t, client)
	readMessage(t, client)
	bridge := dialWS(t, srv, "/bridge", "")

	writeMessage(t, bridge, protocol.Message{
		"type": protocol.TypeFormRequest,
		"id":   "req-1",
		"form": map[string]any{"id": "f", "fields": []any{}},
	})

	expectNoMessage(t, client)
}

func TestWorkerSupersede(t *testing.T) {
	srv, token := newTestHub(t)

	client := dialWS(t, srv, "/events", token)
	readMessage(t, client)
	readMessage(t, client)

	first := dialWS(t, srv, "/worker", testWorkerCredential)
	msg := readMessage(t, client)
	assert.Equal(t, true, msg["connected"])

	second := dialWS(t, srv, "/worker", testWorkerCredential)
	msg = readMessage(t, client)
	assert.Equal(t, true, msg["connected"])

	// The first connection was closed by the hub; its reads fail.
	first.SetReadDeadline(time.Now().Add(readWait))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	// The second worker stays live, and no disconnect was broadcast.
	writeMessage(t, second, protocol.Message{"type": protocol.TypeTaskStatus, "status": "idle"})
	msg = readMessage(t, client)
	assert.Equal(t, protocol.TypeTaskStatus, msg.Type())
}

func TestUploadChunksRelayedToWorker(t *testing.T) {
	srv, token := newTestHub(t)

	worker := dialWS(t, srv, "/worker", testWorkerCredential)
	client := dialWS(t, srv, "/events", token)
	readMessage(t, client)
	readMessage(t, client)

	data := base64.StdEncoding.EncodeToString([]byte("chunk"))
	writeMessage(t, client, protocol.Message{
		"type": protocol.TypeFileUploadStart, "id": "m1", "file_id": "f1",
		"name": "notes.txt", "size": float64(10), "total_chunks": float64(2),
	})
	writeMessage(t, client, protocol.Message{
		"type": protocol.TypeFileUploadChunk, "file_id": "f1", "chunk_index": float64(0), "data": data,
	})
	writeMessage(t, client, protocol.Message{
		"type": protocol.TypeFileUploadChunk, "file_id": "f1", "chunk_index": float64(1), "data": data,
	})

	assert.Equal(t, protocol.TypeFileUploadStart, readMessage(t, worker).Type())
	assert.Equal(t, protocol.TypeFileUploadChunk, readMessage(t, worker).Type())
	assert.Equal(t, protocol.TypeFileUploadChunk, readMessage(t, worker).Type())
}

func TestOversizedUploadRejectedAtStart(t *testing.T) {
	srv, token := newTestHub(t)

	worker := dialWS(t, srv, "/worker", testWorkerCredential)
	client := dialWS(t, srv, "/events", token)
	readMessage(t, client)
	readMessage(t, client)

	// Hub configured with a 1 KiB ceiling in newTestHub.
	writeMessage(t, client, protocol.Message{
		"type": protocol.TypeFileUploadStart, "id": "m1", "file_id": "f1",
		"name": "big.bin", "size": float64(1 << 20), "total_chunks": float64(4),
	})
	writeMessage(t, client, protocol.Message{
		"type": protocol.TypeFileUploadChunk, "file_id": "f1", "chunk_index": float64(0),
		"data": base64.StdEncoding.EncodeToString([]byte("x")),
	})

	expectNoMessage(t, worker)
}

func TestMessageToAbsentWorkerDropped(t *testing.T) {
	srv, token := newTestHub(t)

	client := dialWS(t, srv, "/events", token)
	readMessage(t, client)
	readMessage(t, client)

	// No worker connected; nothing crashes and the client stays up.
	writeMessage(t, client, protocol.Message{"type": protocol.TypeUserMessage, "text": "anyone?"})
	time.Sleep(100 * time.Millisecond)

	worker := dialWS(t, srv, "/worker", testWorkerCredential)
	readMessage(t, client) // worker_status true

	// The earlier message was not queued for the late worker.
	expectNoMessage(t, worker)
}

func TestBridgeDisconnectClearsPending(t *testing.T) {
	srv, token := newTestHub(t)

	client := dialWS(t, srv, "/events", token)
	readMessage(t, client)
	readMessage(t, client)
	bridge := dialWS(t, srv, "/bridge", "")

	writeMessage(t, bridge, protocol.Message{"type": protocol.TypeInputRequest, "id": "req-1"})
	readMessage(t, client)

	bridge.Close()
	time.Sleep(100 * time.Millisecond)

	// Response after the bridge went away is dropped, not delivered to a
	// dead connection.
	writeMessage(t, client, protocol.Message{"type": protocol.TypeInputResponse, "id": "req-1", "value": "late"})
	expectNoMessage(t, client)
}
