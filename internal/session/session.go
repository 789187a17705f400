package session

import (
	"time"

	"SpeakMateClient/internal/protocol"
)

// State 会话生命周期状态
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
	StateError      State = "error"
)

// IsTerminal 是否为终态
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateError
}

// Mode 会话模式
type Mode string

const (
	ModeFreeSpeaking Mode = "free_speaking"
	ModeIELTSTest    Mode = "ielts_test"
	ModeTraining     Mode = "training"
)

// IsValid 是否为已知模式
func (m Mode) IsValid() bool {
	switch m {
	case ModeFreeSpeaking, ModeIELTSTest, ModeTraining:
		return true
	}
	return false
}

// Role 对话角色
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session 由REST接口创建的会话
type Session struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id,omitempty"`
	Mode            Mode       `json:"mode"`
	Topic           string     `json:"topic,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
}

// ConversationTurn 一轮对话，只追加
type ConversationTurn struct {
	Role     Role      `json:"role"`
	Content  string    `json:"content"`
	Partial  bool      `json:"partial,omitempty"` // 部分转写只写入 CurrentTranscription，列表中的轮次恒为 false
	Sequence int       `json:"sequence"`
	At       time.Time `json:"at"`
}

// SessionResult 会话终结结果，只写入一次
type SessionResult struct {
	Scores          map[string]any           `json:"scores"`
	Errors          []protocol.DetectedError `json:"errors"`
	DurationSeconds int                      `json:"duration_seconds"`
	TurnCount       int                      `json:"turn_count"`
	TotalErrors     int                      `json:"total_errors"`
	Message         string                   `json:"message,omitempty"`
}

// ServerStatus get_status 的最近一次响应
type ServerStatus struct {
	TurnCount       int `json:"turn_count"`
	ErrorCount      int `json:"error_count"`
	DurationSeconds int `json:"duration_seconds"`
}

// Snapshot 状态机的只读副本，交给观察者
type Snapshot struct {
	Session              *Session           `json:"session,omitempty"`
	State                State              `json:"state"`
	ConnectionState      string             `json:"connection_state"`
	ReconnectAttempt     int                `json:"reconnect_attempt,omitempty"`
	CurrentTranscription string             `json:"current_transcription"`
	Turns                []ConversationTurn `json:"turns"`
	Result               *SessionResult     `json:"result,omitempty"`
	ErrorMessage         string             `json:"error_message,omitempty"`
	LastServerError      string             `json:"last_server_error,omitempty"`
	Status               *ServerStatus      `json:"status,omitempty"`
	UpdatedAt            time.Time          `json:"updated_at"`
}
