package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SpeakMateClient/internal/audio"
	"SpeakMateClient/internal/protocol"
	"SpeakMateClient/internal/restapi"
	"SpeakMateClient/internal/session"
	"SpeakMateClient/internal/testserver"
	"SpeakMateClient/internal/testutil"
	"SpeakMateClient/internal/wsclient"
)

func newClient(t *testing.T, ts *testutil.TestServer, opts ...Option) *Client {
	t.Helper()
	return newClientWithConfig(t, ts, nil, opts...)
}

// newClientWithConfig 允许测试调整客户端配置，例如缩短重连退避
func newClientWithConfig(t *testing.T, ts *testutil.TestServer, customizer func(*Config), opts ...Option) *Client {
	t.Helper()

	api := restapi.New(&restapi.Config{BaseURL: ts.GetHTTPURL(), Timeout: 2 * time.Second})
	config := Config{
		Transport:  *wsclient.DefaultClientConfig(ts.GetWebSocketURL()),
		Mode:       session.ModeFreeSpeaking,
		Topic:      "travel",
		Audio:      audio.DefaultConfig(),
		EndTimeout: 2 * time.Second,
	}
	if customizer != nil {
		customizer(&config)
	}
	c := New(config, api, opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c
}

func watch(c *Client) <-chan session.Snapshot {
	ch := make(chan session.Snapshot, 1024)
	c.Subscribe(func(s session.Snapshot) {
		select {
		case ch <- s:
		default:
		}
	})
	return ch
}

func inState(state session.State) func(session.Snapshot) bool {
	return func(s session.Snapshot) bool { return s.State == state }
}

func TestSessionLifecycleTextOnly(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c := newClient(t, ts)
	snaps := watch(c)

	require.NoError(t, c.Start(context.Background()))
	testutil.WaitFor(t, snaps, 2*time.Second, inState(session.StateActive))

	id := c.Snapshot().Session.ID
	require.True(t, ts.WaitForConnection(id, time.Second))

	require.NoError(t, ts.Push(id, protocol.TypeTranscription, protocol.TranscriptionPayload{Text: "I go"}))
	require.NoError(t, ts.Push(id, protocol.TypeTranscription, protocol.TranscriptionPayload{Text: "I go to"}))
	testutil.WaitFor(t, snaps, 2*time.Second, func(s session.Snapshot) bool {
		return s.CurrentTranscription == "I go to"
	})

	require.NoError(t, ts.Push(id, protocol.TypeTranscription, protocol.TranscriptionPayload{Text: "I go to school yesterday", IsFinal: true}))
	require.NoError(t, ts.Push(id, protocol.TypeAIMessage, protocol.AIMessagePayload{Text: "What did you do there?", Role: "assistant", TurnNumber: 1}))
	testutil.WaitFor(t, snaps, 2*time.Second, func(s session.Snapshot) bool { return len(s.Turns) == 2 })

	result, err := c.Stop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Scores)

	snap := c.Snapshot()
	assert.Equal(t, session.StateEnded, snap.State)
	assert.Empty(t, snap.CurrentTranscription)
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, session.RoleUser, snap.Turns[0].Role)
	assert.Equal(t, "I go to school yesterday", snap.Turns[0].Content)
	assert.Equal(t, session.RoleAssistant, snap.Turns[1].Role)

	types := make([]protocol.MessageType, 0)
	for _, f := range ts.Received(id) {
		types = append(types, f.Type)
	}
	assert.Equal(t, []protocol.MessageType{protocol.TypeEndSession}, types)
}

func TestSendTextGetsReply(t *testing.T) {
	ts := testutil.NewTestServerWithConfig(t, func(cfg *testserver.ServerConfig) {
		cfg.AutoReply = true
	})
	c := newClient(t, ts)
	snaps := watch(c)

	require.NoError(t, c.Start(context.Background()))
	testutil.WaitFor(t, snaps, 2*time.Second, inState(session.StateActive))

	require.NoError(t, c.SendText("hello there"))
	snap := testutil.WaitFor(t, snaps, 2*time.Second, func(s session.Snapshot) bool { return len(s.Turns) == 1 })
	assert.Equal(t, session.RoleAssistant, snap.Turns[0].Role)
	assert.Contains(t, snap.Turns[0].Content, "hello there")

	require.NoError(t, c.RequestStatus())
	snap = testutil.WaitFor(t, snaps, 2*time.Second, func(s session.Snapshot) bool { return s.Status != nil })
	assert.Equal(t, 2, snap.Status.TurnCount)

	result, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.TurnCount)
}

func TestStartWhileActive(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c := newClient(t, ts)

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrSessionActive)
	assert.ErrorIs(t, c.Retry(context.Background()), ErrNotFailed)
}

func TestOperationsWithoutSession(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c := newClient(t, ts)

	assert.ErrorIs(t, c.SendText("hi"), ErrNoSession)
	_, err := c.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestServerErrorFrameIsNotTerminal(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c := newClient(t, ts)
	snaps := watch(c)

	require.NoError(t, c.Start(context.Background()))
	testutil.WaitFor(t, snaps, 2*time.Second, inState(session.StateActive))

	id := c.Snapshot().Session.ID
	require.True(t, ts.WaitForConnection(id, time.Second))
	require.NoError(t, ts.Push(id, protocol.TypeError, protocol.ErrorPayload{Message: "transcription unavailable"}))

	snap := testutil.WaitFor(t, snaps, 2*time.Second, func(s session.Snapshot) bool { return s.LastServerError != "" })
	assert.Equal(t, session.StateActive, snap.State)
	assert.Equal(t, "transcription unavailable", snap.LastServerError)
}

func fastReconnect(cfg *Config) {
	cfg.Transport.ReconnectInterval = 20 * time.Millisecond
	cfg.Transport.MaxReconnectTries = 2
}

func TestReconnectExhaustionFailsSession(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c := newClientWithConfig(t, ts, fastReconnect)
	snaps := watch(c)

	require.NoError(t, c.Start(context.Background()))
	testutil.WaitFor(t, snaps, 2*time.Second, inState(session.StateActive))
	id := c.Snapshot().Session.ID
	require.True(t, ts.WaitForConnection(id, time.Second))

	ts.RejectConnections(true)
	ts.DropAll()

	testutil.WaitFor(t, snaps, 2*time.Second, func(s session.Snapshot) bool {
		return s.ConnectionState == "RECONNECTING" && s.State == session.StateActive
	})
	snap := testutil.WaitFor(t, snaps, 3*time.Second, inState(session.StateError))
	assert.Equal(t, "reconnect attempts exhausted", snap.ErrorMessage)
	assert.Empty(t, snap.CurrentTranscription)

	assert.ErrorIs(t, c.SendText("anyone there?"), wsclient.ErrNotConnected)

	// 失败后可以重新创建整个会话
	ts.RejectConnections(false)
	require.NoError(t, c.Retry(context.Background()))
	testutil.WaitFor(t, snaps, 2*time.Second, inState(session.StateActive))
	assert.NotEqual(t, id, c.Snapshot().Session.ID)
}

func TestAbnormalDropReconnectsAndStaysActive(t *testing.T) {
	ts := testutil.NewTestServer(t)
	c := newClientWithConfig(t, ts, fastReconnect)
	snaps := watch(c)

	require.NoError(t, c.Start(context.Background()))
	testutil.WaitFor(t, snaps, 2*time.Second, inState(session.StateActive))
	id := c.Snapshot().Session.ID
	require.True(t, ts.WaitForConnection(id, time.Second))

	ts.DropAll()

	var during []session.Snapshot
	testutil.WaitFor(t, snaps, 2*time.Second, func(s session.Snapshot) bool {
		return s.ConnectionState == "RECONNECTING"
	})
	testutil.WaitFor(t, snaps, 2*time.Second, func(s session.Snapshot) bool {
		during = append(during, s)
		return s.ConnectionState == "CONNECTED"
	})
	for _, s := range during {
		assert.Equal(t, session.StateActive, s.State)
	}
	require.True(t, ts.WaitForConnection(id, time.Second))

	result, err := c.Stop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, session.StateEnded, c.Snapshot().State)
}

func TestRetryAfterConnectFailure(t *testing.T) {
	ts := testutil.NewTestServer(t)
	ts.RejectConnections(true)
	c := newClient(t, ts)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, session.StateError, c.Snapshot().State)
	failedID := c.Snapshot().Session.ID

	ts.RejectConnections(false)
	snaps := watch(c)
	require.NoError(t, c.Retry(context.Background()))
	testutil.WaitFor(t, snaps, 2*time.Second, inState(session.StateActive))

	snap := c.Snapshot()
	assert.NotEqual(t, failedID, snap.Session.ID)
	assert.Empty(t, snap.ErrorMessage)
}

// fakeAPI 返回固定会话并记录 REST 结束调用
type fakeAPI struct {
	mu    sync.Mutex
	ended []string
}

func (f *fakeAPI) CreateSession(_ context.Context, mode session.Mode, topic string) (*session.Session, error) {
	return &session.Session{ID: "silent-1", Mode: mode, Topic: topic, CreatedAt: time.Now()}, nil
}

func (f *fakeAPI) EndSession(_ context.Context, id string, _ int) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return &session.Session{ID: id}, nil
}

// silentServer 只确认连接，从不发送结果
func silentServer(t *testing.T) string {
	upgrader := websocket.Upgrader{}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		frame, _ := protocol.EncodeFrame(protocol.TypeConnected, protocol.ConnectedPayload{Message: "hi"})
		conn.WriteMessage(websocket.TextMessage, frame)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func TestStopTimesOutWithoutResult(t *testing.T) {
	api := &fakeAPI{}
	c := New(Config{
		Transport:  *wsclient.DefaultClientConfig(silentServer(t)),
		EndTimeout: 200 * time.Millisecond,
	}, api)
	snaps := watch(c)

	require.NoError(t, c.Start(context.Background()))
	testutil.WaitFor(t, snaps, 2*time.Second, inState(session.StateActive))

	start := time.Now()
	result, err := c.Stop(context.Background())
	assert.ErrorIs(t, err, ErrSessionFailed)
	assert.Nil(t, result)
	assert.Less(t, time.Since(start), 2*time.Second)

	snap := c.Snapshot()
	assert.Equal(t, session.StateError, snap.State)
	assert.Equal(t, "session result not received", snap.ErrorMessage)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"silent-1"}, api.ended)
}

// recordingSink 记录收到的终态快照
type recordingSink struct {
	mu    sync.Mutex
	snaps []session.Snapshot
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Store(_ context.Context, snap session.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

func TestResultSinkReceivesFinalSnapshot(t *testing.T) {
	ts := testutil.NewTestServerWithConfig(t, func(cfg *testserver.ServerConfig) {
		cfg.AutoReply = true
	})
	sink := &recordingSink{}
	c := newClient(t, ts, WithSinks(sink))
	snaps := watch(c)

	require.NoError(t, c.Start(context.Background()))
	testutil.WaitFor(t, snaps, 2*time.Second, inState(session.StateActive))
	require.NoError(t, c.SendText("I like trains"))

	_, err := c.Stop(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.snaps, 1)
	assert.Equal(t, session.StateEnded, sink.snaps[0].State)
	assert.NotNil(t, sink.snaps[0].Result)
}

// fakeDevice 测试用的采集设备
type fakeDevice struct {
	mu     sync.Mutex
	onData func([]byte)
}

func (d *fakeDevice) Open(_ audio.Format, onData func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onData = onData
	return nil
}

func (d *fakeDevice) Close() error { return nil }

func (d *fakeDevice) feed(pcm []byte) {
	d.mu.Lock()
	fn := d.onData
	d.mu.Unlock()
	fn(pcm)
}

func TestAudioFinalChunkOnStop(t *testing.T) {
	ts := testutil.NewTestServerWithConfig(t, func(cfg *testserver.ServerConfig) {
		cfg.TranscribeAudio = true
	})
	device := &fakeDevice{}
	c := newClient(t, ts, WithDevice(device))
	snaps := watch(c)

	require.NoError(t, c.Start(context.Background()))
	testutil.WaitFor(t, snaps, 2*time.Second, inState(session.StateActive))
	device.feed(make([]byte, 3200))

	result, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.TurnCount)

	received := ts.Received(c.Snapshot().Session.ID)
	require.Len(t, received, 2)
	assert.Equal(t, protocol.TypeAudioChunk, received[0].Type)
	assert.Equal(t, protocol.TypeEndSession, received[1].Type)

	var chunk protocol.AudioChunkPayload
	require.NoError(t, received[0].DecodeData(&chunk))
	assert.True(t, chunk.IsFinal)
	assert.Equal(t, uint64(1), chunk.Seq)

	snap := c.Snapshot()
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, "audio segment 1", snap.Turns[0].Content)
}
