package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T, handler CommandHandler) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(handler, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?userId=" + userID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n },
		2*time.Second, 10*time.Millisecond)
}

func TestServeWS_RequiresUserID(t *testing.T) {
	_, srv := startHub(t, nil)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPublish_DeliversToConnectedUser(t *testing.T) {
	hub, srv := startHub(t, nil)
	conn := dial(t, srv, "alice")
	waitForClients(t, hub, 1)

	hub.Publish(context.Background(), "alice", map[string]any{
		"type":     "JOB_PROGRESS",
		"jobId":    "job-1",
		"progress": 42,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "JOB_PROGRESS", got["type"])
	assert.Equal(t, "job-1", got["jobId"])
	assert.EqualValues(t, 42, got["progress"])
}

func TestPublish_OfflineUserIsDropped(t *testing.T) {
	hub, _ := startHub(t, nil)

	// Nothing to deliver to and nothing to queue.
	hub.Publish(context.Background(), "ghost", map[string]string{"type": "JOB_CREATED"})
	assert.Equal(t, 0, hub.ClientCount())
}

func TestReconnect_ReplacesOldConnection(t *testing.T) {
	hub, srv := startHub(t, nil)

	first := dial(t, srv, "alice")
	waitForClients(t, hub, 1)

	second := dial(t, srv, "alice")
	waitForClients(t, hub, 1)

	// The replaced connection gets closed by the hub.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "first connection should be closed after replacement")

	hub.Publish(context.Background(), "alice", map[string]string{"type": "JOB_CREATED"})

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := second.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "JOB_CREATED")
}

func TestPublish_IsolatesUsers(t *testing.T) {
	hub, srv := startHub(t, nil)

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	waitForClients(t, hub, 2)

	hub.Publish(context.Background(), "alice", map[string]string{"type": "JOB_CANCELLED"})

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := alice.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "JOB_CANCELLED")

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = bob.ReadMessage()
	assert.Error(t, err, "bob must not see alice's events")
}

func TestInboundMessages_ReachCommandHandler(t *testing.T) {
	var (
		mu       sync.Mutex
		gotUser  string
		gotRaw   []byte
		received = make(chan struct{}, 1)
	)
	handler := func(_ context.Context, userID string, raw []byte) error {
		mu.Lock()
		gotUser = userID
		gotRaw = append([]byte(nil), raw...)
		mu.Unlock()
		select {
		case received <- struct{}{}:
		default:
		}
		return nil
	}

	hub, srv := startHub(t, handler)
	conn := dial(t, srv, "alice")
	waitForClients(t, hub, 1)

	payload := `{"type":"CANCEL_JOB","jobId":"job-9"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the handler")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "alice", gotUser)
	assert.JSONEq(t, payload, string(gotRaw))
}

func TestClose_DisconnectsEveryone(t *testing.T) {
	hub, srv := startHub(t, nil)

	conn := dial(t, srv, "alice")
	waitForClients(t, hub, 1)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
