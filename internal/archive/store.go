package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"SpeakMateClient/internal/logger"
	"SpeakMateClient/internal/session"
)

// ErrNotFound 归档中没有该会话
var ErrNotFound = errors.New("archived session not found")

const schema = `
CREATE TABLE IF NOT EXISTS speakmate_sessions (
	id               TEXT PRIMARY KEY,
	mode             TEXT NOT NULL,
	topic            TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	turn_count       INTEGER NOT NULL DEFAULT 0,
	total_errors     INTEGER NOT NULL DEFAULT 0,
	scores           JSONB,
	errors           JSONB,
	turns            JSONB,
	archived_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const upsertSession = `
INSERT INTO speakmate_sessions
	(id, mode, topic, duration_seconds, turn_count, total_errors, scores, errors, turns, archived_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	duration_seconds = EXCLUDED.duration_seconds,
	turn_count       = EXCLUDED.turn_count,
	total_errors     = EXCLUDED.total_errors,
	scores           = EXCLUDED.scores,
	errors           = EXCLUDED.errors,
	turns            = EXCLUDED.turns,
	archived_at      = EXCLUDED.archived_at`

const selectSession = `
SELECT id, mode, topic, duration_seconds, turn_count, total_errors, scores, errors, turns, archived_at
FROM speakmate_sessions`

// Config 归档数据库配置
type Config struct {
	DSN      string
	MaxConns int32
}

// Record 一条归档的会话
type Record struct {
	ID              string                     `json:"id"`
	Mode            string                     `json:"mode"`
	Topic           string                     `json:"topic"`
	DurationSeconds int                        `json:"duration_seconds"`
	TurnCount       int                        `json:"turn_count"`
	TotalErrors     int                        `json:"total_errors"`
	Scores          map[string]any             `json:"scores"`
	Errors          json.RawMessage            `json:"errors"`
	Turns           []session.ConversationTurn `json:"turns"`
	ArchivedAt      time.Time                  `json:"archived_at"`
}

// Store 基于 pgx 连接池的本地会话归档
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect 创建连接池、检查连通性并建表
func Connect(ctx context.Context, config Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create archive schema: %w", err)
	}

	s := &Store{pool: pool, log: logger.WithComponent("archive")}
	s.log.Info().Int32("max_conns", poolConfig.MaxConns).Msg("Archive connection pool ready")
	return s, nil
}

// Name 实现 client.ResultSink
func (s *Store) Name() string { return "archive" }

// Store 归档一个已结束的会话；重复写入以最后一次为准
func (s *Store) Store(ctx context.Context, snap session.Snapshot) error {
	rec, err := NewRecord(snap)
	if err != nil {
		return err
	}

	scores, err := json.Marshal(rec.Scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	turns, err := json.Marshal(rec.Turns)
	if err != nil {
		return fmt.Errorf("encode turns: %w", err)
	}

	_, err = s.pool.Exec(ctx, upsertSession,
		rec.ID, rec.Mode, rec.Topic, rec.DurationSeconds, rec.TurnCount, rec.TotalErrors,
		scores, []byte(rec.Errors), turns, rec.ArchivedAt)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", rec.ID, err)
	}

	s.log.Info().Str("session_id", rec.ID).Int("turns", rec.TurnCount).Msg("Session archived")
	return nil
}

// Get 按会话ID读取归档
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	rows, err := s.pool.Query(ctx, selectSession+" WHERE id = $1", id)
	if err != nil {
		return nil, err
	}

	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Recent 最近归档的会话
func (s *Store) Recent(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, selectSession+" ORDER BY archived_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanRecord)
}

// Stats 连接池统计
func (s *Store) Stats() *pgxpool.Stat {
	return s.pool.Stat()
}

// Close 关闭连接池
func (s *Store) Close() {
	s.pool.Close()
	s.log.Info().Msg("Archive connection pool closed")
}

func scanRecord(row pgx.CollectableRow) (*Record, error) {
	var (
		rec                 Record
		scores, errs, turns []byte
	)
	err := row.Scan(&rec.ID, &rec.Mode, &rec.Topic, &rec.DurationSeconds, &rec.TurnCount,
		&rec.TotalErrors, &scores, &errs, &turns, &rec.ArchivedAt)
	if err != nil {
		return nil, err
	}

	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &rec.Scores); err != nil {
			return nil, fmt.Errorf("decode scores: %w", err)
		}
	}
	if len(turns) > 0 {
		if err := json.Unmarshal(turns, &rec.Turns); err != nil {
			return nil, fmt.Errorf("decode turns: %w", err)
		}
	}
	rec.Errors = errs
	return &rec, nil
}

// NewRecord 将终态快照转换为归档记录
func NewRecord(snap session.Snapshot) (*Record, error) {
	if snap.Session == nil || snap.Session.ID == "" {
		return nil, errors.New("snapshot has no session")
	}
	if snap.Result == nil {
		return nil, fmt.Errorf("session %s has no result", snap.Session.ID)
	}

	errs, err := json.Marshal(snap.Result.Errors)
	if err != nil {
		return nil, fmt.Errorf("encode errors: %w", err)
	}

	return &Record{
		ID:              snap.Session.ID,
		Mode:            string(snap.Session.Mode),
		Topic:           snap.Session.Topic,
		DurationSeconds: snap.Result.DurationSeconds,
		TurnCount:       snap.Result.TurnCount,
		TotalErrors:     snap.Result.TotalErrors,
		Scores:          snap.Result.Scores,
		Errors:          errs,
		Turns:           snap.Turns,
		ArchivedAt:      time.Now().UTC(),
	}, nil
}
