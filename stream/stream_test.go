package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cartelemetry/pkg/bundle"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer(Options{})
	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServer_BroadcastReachesClients(t *testing.T) {
	s, url := newTestServer(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	final := bundle.New()
	final.PutString("report", "done")
	final.PutLong("count", 12)
	s.Broadcast("wifi-usage", final)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "final_report", env.Type)
	assert.Equal(t, "wifi-usage", env.Config)
	assert.NotZero(t, env.Timestamp)

	var payload bundle.Bundle
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	report, _ := payload.GetString("report")
	assert.Equal(t, "done", report)
}

func TestServer_BroadcastToMultipleClients(t *testing.T) {
	s, url := newTestServer(t)
	first := dial(t, url)
	second := dial(t, url)
	require.Eventually(t, func() bool { return s.ClientCount() == 2 },
		time.Second, 5*time.Millisecond)

	final := bundle.New()
	final.PutInt("n", 1)
	s.Broadcast("cfg", final)

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(data), `"config":"cfg"`)
	}
}

func TestServer_BroadcastErrorReachesClients(t *testing.T) {
	s, url := newTestServer(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	s.BroadcastError("wifi-usage", "script_error", "nil index", "stack")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "script_error", env.Type)
	assert.Equal(t, "wifi-usage", env.Config)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "nil index", payload["message"])
	assert.Equal(t, "stack", payload["trace"])
}

func TestServer_DisconnectedClientRemoved(t *testing.T) {
	s, url := newTestServer(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.ClientCount() == 0 },
		time.Second, 5*time.Millisecond)

	// Broadcasting into an empty room is a no-op.
	s.Broadcast("cfg", bundle.New())
}
