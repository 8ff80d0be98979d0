package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailreg/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, origins ...string) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(testLogger())
	hub.Start()
	t.Cleanup(hub.Stop)

	cfg := config.WebSocketConfig{ReadBufferSize: 1024, WriteBufferSize: 1024, PingPeriod: time.Second}
	srv := httptest.NewServer(NewHandler(hub, cfg, origins, testLogger()))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestHubBroadcastReachesSubscriber(t *testing.T) {
	hub, srv := newTestServer(t)
	conn := dial(t, srv, nil)

	hello := readMessage(t, conn)
	assert.Equal(t, TypeConnection, hello.Type)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(TypeLicenseAudit, map[string]interface{}{
		"action":      "activation",
		"license_key": "MR-ABCD-****",
		"success":     true,
	})

	msg := readMessage(t, conn)
	assert.Equal(t, TypeLicenseAudit, msg.Type)
	assert.NotEmpty(t, msg.Timestamp)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "activation", data["action"])
	assert.Equal(t, true, data["success"])
}

func TestHubBroadcastToManySubscribers(t *testing.T) {
	hub, srv := newTestServer(t)
	conns := []*websocket.Conn{dial(t, srv, nil), dial(t, srv, nil), dial(t, srv, nil)}
	for _, c := range conns {
		readMessage(t, c)
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 3 }, time.Second, 10*time.Millisecond)

	hub.BroadcastWithTrace(TypeLicenseAudit, "revoke", "trace-42")

	for _, c := range conns {
		msg := readMessage(t, c)
		assert.Equal(t, "revoke", msg.Data)
		assert.Equal(t, "trace-42", msg.TraceID)
	}
}

func TestHubClientDisconnect(t *testing.T) {
	hub, srv := newTestServer(t)
	conn := dial(t, srv, nil)
	readMessage(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, hub.GetHubMetrics()["total_connections"])
}

func TestHubStopClosesSubscribers(t *testing.T) {
	hub, srv := newTestServer(t)
	conn := dial(t, srv, nil)
	readMessage(t, conn)

	hub.Stop()
	hub.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) ||
		strings.Contains(err.Error(), "close"), "unexpected error: %v", err)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHubBroadcastAfterStopDoesNotBlock(t *testing.T) {
	hub := NewHub(testLogger())
	hub.Start()
	hub.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer*2; i++ {
			hub.Broadcast(TypeLicenseAudit, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a stopped hub")
	}
	assert.EqualValues(t, broadcastBuffer*2, hub.GetHubMetrics()["messages_dropped"])
}

func TestHandlerRejectsUnknownOrigin(t *testing.T) {
	_, srv := newTestServer(t, "https://admin.example.com")
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn := dial(t, srv, http.Header{"Origin": []string{"https://admin.example.com"}})
	assert.Equal(t, TypeConnection, readMessage(t, conn).Type)
}

func TestSetPingPeriodBounds(t *testing.T) {
	hub := NewHub(testLogger())
	hub.SetPingPeriod(0)
	assert.Equal(t, defaultPingPeriod, hub.pingPeriod)
	hub.SetPingPeriod(2 * pongWait)
	assert.Equal(t, defaultPingPeriod, hub.pingPeriod)
	hub.SetPingPeriod(5 * time.Second)
	assert.Equal(t, 5*time.Second, hub.pingPeriod)
}
