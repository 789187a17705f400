package restapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SpeakMateClient/internal/protocol"
	"SpeakMateClient/internal/session"
	"SpeakMateClient/internal/testserver"
	"SpeakMateClient/internal/testutil"
)

func newTestAPI(t *testing.T) (*testutil.TestServer, *Client) {
	ts := testutil.NewTestServerWithConfig(t, func(cfg *testserver.ServerConfig) {
		cfg.Token = "secret"
	})
	return ts, New(&Config{BaseURL: ts.GetHTTPURL(), Token: "secret", MaxRetries: 2})
}

func TestSessionLifecycle(t *testing.T) {
	ts, api := newTestAPI(t)
	ctx := context.Background()

	sess, err := api.CreateSession(ctx, session.ModeIELTSTest, "hometown")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, session.ModeIELTSTest, sess.Mode)
	assert.Equal(t, "hometown", sess.Topic)

	got, err := api.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	ts.SetErrors(sess.ID, []protocol.DetectedError{{Category: "grammar", OriginalText: "I go", CorrectedText: "I went"}})
	errs, err := api.GetErrors(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "I went", errs[0].CorrectedText)

	conv, err := api.GetConversation(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, conv)

	ended, err := api.EndSession(ctx, sess.ID, 95)
	require.NoError(t, err)
	assert.Equal(t, 95, ended.DurationSeconds)
	require.NotNil(t, ended.EndedAt)

	// 幂等
	_, err = api.EndSession(ctx, sess.ID, 95)
	require.NoError(t, err)
}

func TestAPIErrors(t *testing.T) {
	ts, api := newTestAPI(t)
	ctx := context.Background()

	_, err := api.GetSession(ctx, "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Session not found", apiErr.Detail)
	assert.NotEmpty(t, apiErr.RequestID)

	bad := New(&Config{BaseURL: ts.GetHTTPURL(), Token: "wrong"})
	_, err = bad.CreateSession(ctx, session.ModeFreeSpeaking, "")
	assert.True(t, IsUnauthorized(err))
}

func TestIdempotentRequestsRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"role":"user","content":"hi","sequence_order":1}]`))
	}))
	defer srv.Close()

	api := New(&Config{BaseURL: srv.URL, MaxRetries: 3})
	conv, err := api.GetConversation(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, conv, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCreateIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	api := New(&Config{BaseURL: srv.URL, MaxRetries: 3})
	_, err := api.CreateSession(context.Background(), session.ModeFreeSpeaking, "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
