// Package events 将结束会话的结果发布到 Kafka
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"SpeakMateClient/internal/logger"
	"SpeakMateClient/internal/metrics"
	"SpeakMateClient/internal/session"
)

// Config Kafka发布配置
type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// SessionCompleted 每个正常结束的会话写出一条该事件
type SessionCompleted struct {
	SessionID       string         `json:"session_id"`
	Mode            string         `json:"mode"`
	Topic           string         `json:"topic,omitempty"`
	Scores          map[string]any `json:"scores"`
	TotalErrors     int            `json:"total_errors"`
	TurnCount       int            `json:"turn_count"`
	DurationSeconds int            `json:"duration_seconds"`
	CompletedAt     time.Time      `json:"completed_at"`
}

// messageWriter 发布器用到的 *kafka.Writer 方法子集
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher 会话结果发布器，Kafka 未启用时只写日志
type Publisher struct {
	writer  messageWriter
	topic   string
	enabled bool
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New 创建发布器；配置为空、未启用或没有 broker 时退化为只写日志
func New(cfg *Config) *Publisher {
	p := &Publisher{
		metrics: metrics.DefaultMetrics,
		log:     logger.WithComponent("events"),
	}

	if cfg == nil {
		p.log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return p
	}
	p.topic = cfg.Topic

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		p.log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	p.enabled = true

	p.log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("Kafka publisher initialized")
	return p
}

// Name 结果下游名称
func (p *Publisher) Name() string { return "kafka" }

// Store 发布会话结果，以会话ID作为消息键
func (p *Publisher) Store(ctx context.Context, snap session.Snapshot) error {
	if snap.Session == nil || snap.Result == nil {
		return fmt.Errorf("snapshot has no session result")
	}

	return p.Publish(ctx, SessionCompleted{
		SessionID:       snap.Session.ID,
		Mode:            string(snap.Session.Mode),
		Topic:           snap.Session.Topic,
		Scores:          snap.Result.Scores,
		TotalErrors:     snap.Result.TotalErrors,
		TurnCount:       snap.Result.TurnCount,
		DurationSeconds: snap.Result.DurationSeconds,
		CompletedAt:     snap.UpdatedAt,
	})
}

// Publish 写出一条 SessionCompleted 事件
func (p *Publisher) Publish(ctx context.Context, event SessionCompleted) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("topic", p.topic).Msg("Failed to marshal event")
		return err
	}

	p.log.Debug().
		Str("topic", p.topic).
		Str("key", event.SessionID).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || p.writer == nil {
		p.metrics.RecordPublish(nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(event.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("session.completed")},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error().
			Err(err).
			Str("topic", p.topic).
			Str("key", event.SessionID).
			Msg("Failed to write to Kafka")
		p.metrics.RecordPublish(err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordPublish(nil, time.Since(start).Seconds())
	return nil
}

// Close 关闭 Kafka writer
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		p.log.Error().Err(err).Msg("Error closing Kafka writer")
		return err
	}
	return nil
}
