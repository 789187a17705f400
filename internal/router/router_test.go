package router

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SpeakMateClient/internal/metrics"
	"SpeakMateClient/internal/protocol"
)

func newTestRouter() (*Router, *metrics.Metrics) {
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	return NewWithMetrics(m), m
}

func TestDispatchInOrder(t *testing.T) {
	r, _ := newTestRouter()

	var seen []string
	r.On(FromMessageType(protocol.TypeTranscription), func(ev Event) {
		seen = append(seen, "t:"+ev.Payload.(*protocol.TranscriptionPayload).Text)
	})
	r.On(FromMessageType(protocol.TypeAIMessage), func(ev Event) {
		seen = append(seen, "ai:"+ev.Payload.(*protocol.AIMessagePayload).Text)
	})

	frames := []string{
		`{"type":"transcription","data":{"text":"I go","is_final":false}}`,
		`{"type":"ai_message","data":{"text":"Where?","role":"assistant"}}`,
		`{"type":"transcription","data":{"text":"I go to","is_final":false}}`,
	}
	for _, f := range frames {
		require.NoError(t, r.Dispatch([]byte(f)))
	}

	assert.Equal(t, []string{"t:I go", "ai:Where?", "t:I go to"}, seen)
}

func TestWildcardRunsFirstAndForAll(t *testing.T) {
	r, _ := newTestRouter()

	var order []string
	r.On(FromMessageType(protocol.TypeError), func(ev Event) { order = append(order, "typed") })
	r.OnAny(func(ev Event) { order = append(order, "any:"+string(ev.Type)) })

	require.NoError(t, r.Dispatch([]byte(`{"type":"error","data":{"message":"boom"}}`)))
	r.DispatchEvent(Event{Type: EventTransportConnected})

	assert.Equal(t, []string{"any:error", "typed", "any:transport.connected"}, order)
}

func TestUnsubscribe(t *testing.T) {
	r, _ := newTestRouter()

	calls := 0
	unsubscribe := r.On(FromMessageType(protocol.TypeConnected), func(Event) { calls++ })
	r.On(FromMessageType(protocol.TypeConnected), func(Event) { calls += 10 })

	require.NoError(t, r.Dispatch([]byte(`{"type":"connected","data":{"message":"hi"}}`)))
	unsubscribe()
	unsubscribe()
	require.NoError(t, r.Dispatch([]byte(`{"type":"connected","data":{"message":"hi"}}`)))

	assert.Equal(t, 21, calls)
	assert.Equal(t, 1, r.HandlerCount(FromMessageType(protocol.TypeConnected)))
}

func TestUnparsableFramesAreDropped(t *testing.T) {
	r, m := newTestRouter()

	called := false
	r.OnAny(func(Event) { called = true })

	bad := []string{
		"not json",
		`{"data":{}}`,
		`{"type":"transcription","data":"nope"}`,
		`{"type":"tts_audio","data":{}}`,
		`{"type":"audio_chunk","data":{"audio_data":"AA=="}}`,
	}
	for _, f := range bad {
		assert.Error(t, r.Dispatch([]byte(f)))
	}

	assert.False(t, called)
	dropped := testutil.ToFloat64(m.FramesDropped.WithLabelValues("unparsable")) +
		testutil.ToFloat64(m.FramesDropped.WithLabelValues("unexpected_type"))
	assert.Equal(t, float64(len(bad)), dropped)

	// 丢弃之后路由器继续正常工作
	require.NoError(t, r.Dispatch([]byte(`{"type":"status","data":{"turn_count":1}}`)))
	assert.True(t, called)
}

func TestHandlerMayUnsubscribeDuringDispatch(t *testing.T) {
	r, _ := newTestRouter()

	calls := 0
	var unsubscribe func()
	unsubscribe = r.On(EventTransportFailed, func(Event) {
		calls++
		unsubscribe()
	})

	r.DispatchEvent(Event{Type: EventTransportFailed})
	r.DispatchEvent(Event{Type: EventTransportFailed})
	assert.Equal(t, 1, calls)
}
