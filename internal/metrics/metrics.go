// Package metrics 会话客户端的 Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "speakmate_client"

// Metrics 客户端全部指标
type Metrics struct {
	// 传输
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ConnectionState   prometheus.Gauge

	// 音频
	AudioChunks *prometheus.CounterVec
	AudioBytes  prometheus.Counter

	// 会话
	SessionsStarted  prometheus.Counter
	SessionOutcomes  *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	TranscriptsFinal prometheus.Counter

	// 结果下游
	ResultPublishes       *prometheus.CounterVec
	ResultPublishDuration prometheus.Histogram
}

// DefaultMetrics 全局指标实例
var DefaultMetrics = NewMetrics()

// NewMetrics 创建指标并注册到默认 registry，只能调用一次（DefaultMetrics 已调用）
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith 注册到指定的 registerer
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the streaming socket by type",
		}, []string{"type"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from the streaming socket by type",
		}, []string{"type"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by reason",
		}, []string{"reason"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after abnormal closure",
		}),
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=closed)",
		}),
		AudioChunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Audio chunks produced by capture",
		}, []string{"final"}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Encoded audio bytes produced by capture",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started",
		}),
		SessionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Terminal session outcomes",
		}, []string{"outcome"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration from connect to terminal state",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		TranscriptsFinal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Final transcriptions appended as user turns",
		}),
		ResultPublishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_publishes_total",
			Help:      "Session result events published by status",
		}, []string{"status"}),
		ResultPublishDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "result_publish_duration_seconds",
			Help:      "Time spent publishing a session result event",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// RecordDrop 按原因累加丢弃计数
func (m *Metrics) RecordDrop(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordChunk 记录一个产出的音频分片
func (m *Metrics) RecordChunk(size int, final bool) {
	label := "false"
	if final {
		label = "true"
	}
	m.AudioChunks.WithLabelValues(label).Inc()
	m.AudioBytes.Add(float64(size))
}

// RecordPublish 记录一次结果发布
func (m *Metrics) RecordPublish(err error, seconds float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ResultPublishes.WithLabelValues(status).Inc()
	m.ResultPublishDuration.Observe(seconds)
}
