package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SpeakMateClient/internal/session"
)

func newObserver(t *testing.T) (*Hub, *httptest.Server) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := NewServer(ServerConfig{AllowedOrigins: []string{"http://localhost:3000"}, MetricsEnabled: true}, hub)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		hs.Close()
	})
	return hub, hs
}

func readSnapshot(t *testing.T, conn *websocket.Conn) session.Snapshot {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap session.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	return snap
}

func TestHubBroadcastsSnapshots(t *testing.T) {
	hub, hs := newObserver(t)
	hub.Observe(session.Snapshot{State: session.StateConnecting, ConnectionState: "CONNECTING"})

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// 新连接先收到最近一次快照
	snap := readSnapshot(t, conn)
	assert.Equal(t, session.StateConnecting, snap.State)

	hub.Observe(session.Snapshot{
		State:                session.StateActive,
		CurrentTranscription: "I go to",
	})
	snap = readSnapshot(t, conn)
	assert.Equal(t, session.StateActive, snap.State)
	assert.Equal(t, "I go to", snap.CurrentTranscription)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestSnapshotEndpoint(t *testing.T) {
	hub, hs := newObserver(t)

	resp, err := http.Get(hs.URL + "/snapshot")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	hub.Observe(session.Snapshot{State: session.StateEnded, Turns: []session.ConversationTurn{{Role: session.RoleUser, Content: "hi"}}})

	resp, err = http.Get(hs.URL + "/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, session.StateEnded, snap.State)
	require.Len(t, snap.Turns, 1)
}

func TestMetricsAndHealth(t *testing.T) {
	_, hs := newObserver(t)

	resp, err := http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(hs.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestCORSAllowedOrigin(t *testing.T) {
	_, hs := newObserver(t)

	req, _ := http.NewRequest(http.MethodGet, hs.URL+"/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodGet, hs.URL+"/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	hub, hs := newObserver(t)
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://localhost:3000"}})
	require.NoError(t, err)
	conn.Close()

	// 同源页面放行
	conn, _, err = websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{hs.URL}})
	require.NoError(t, err)
	conn.Close()

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWildcardOriginAllowsAnyPage(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	hs := httptest.NewServer(NewServer(ServerConfig{AllowedOrigins: []string{"*"}}, hub).Handler())
	t.Cleanup(func() {
		cancel()
		hs.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://elsewhere.example"}})
	require.NoError(t, err)
	conn.Close()
}
