package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SpeakMateClient/internal/session"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func endedSnapshot() session.Snapshot {
	return session.Snapshot{
		Session: &session.Session{ID: "sess-7", Mode: session.ModeTraining, Topic: "food"},
		State:   session.StateEnded,
		Result: &session.SessionResult{
			Scores:          map[string]any{"overall_band": 7.0},
			TurnCount:       3,
			TotalErrors:     2,
			DurationSeconds: 60,
		},
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestNewDisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			require.NotNil(t, p)
			assert.False(t, p.enabled)
			assert.Nil(t, p.writer)
			assert.NoError(t, p.Store(context.Background(), endedSnapshot()))
			assert.NoError(t, p.Close())
		})
	}
}

func TestStoreWritesKeyedEvent(t *testing.T) {
	w := &fakeWriter{}
	p := New(&Config{Topic: "speakmate.session-results"})
	p.writer, p.enabled = w, true

	require.NoError(t, p.Store(context.Background(), endedSnapshot()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "sess-7", string(w.msgs[0].Key))

	var ev SessionCompleted
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, "training", ev.Mode)
	assert.Equal(t, 3, ev.TurnCount)
	assert.Equal(t, 7.0, ev.Scores["overall_band"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestStoreWriteError(t *testing.T) {
	p := New(&Config{Topic: "t"})
	p.writer, p.enabled = &fakeWriter{err: errors.New("broker unavailable")}, true

	assert.Error(t, p.Store(context.Background(), endedSnapshot()))
}

func TestStoreRequiresResult(t *testing.T) {
	p := New(nil)
	snap := endedSnapshot()
	snap.Result = nil
	assert.Error(t, p.Store(context.Background(), snap))
}
