package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"SpeakMateClient/internal/logger"
	"SpeakMateClient/internal/protocol"
)

var ErrInvalidTransition = errors.New("invalid session state transition")

// Observer 状态观察者，收到的是快照副本
type Observer func(Snapshot)

// StateMachine 会话状态的唯一持有者
// 只有派发协程调用写方法；锁只用于让其他协程安全读取快照
type StateMachine struct {
	mu sync.RWMutex

	state           State
	session         *Session
	turns           []ConversationTurn
	current         string
	result          *SessionResult
	errorMessage    string
	lastServerError string
	status          *ServerStatus
	connState       string
	reconnectTry    int
	updatedAt       time.Time

	observers  map[uint64]Observer
	observerID uint64

	log zerolog.Logger
}

// NewStateMachine 创建处于 idle 状态的状态机
func NewStateMachine() *StateMachine {
	return &StateMachine{
		state:     StateIdle,
		connState: "DISCONNECTED",
		observers: make(map[uint64]Observer),
		log:       logger.WithComponent("session"),
	}
}

// Subscribe 注册观察者，返回取消函数
func (m *StateMachine) Subscribe(o Observer) func() {
	m.mu.Lock()
	m.observerID++
	id := m.observerID
	m.observers[id] = o
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// State 当前状态
func (m *StateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Result 会话结果，未结束时为 nil
func (m *StateMachine) Result() *SessionResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyResult(m.result)
}

// Snapshot 返回当前状态的副本
func (m *StateMachine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// Begin 开始一个新会话：idle/ended/error -> connecting
func (m *StateMachine) Begin(sess Session) error {
	if sess.ID == "" {
		return fmt.Errorf("%w: session id is empty", ErrInvalidTransition)
	}

	m.mu.Lock()
	if m.state != StateIdle && !m.state.IsTerminal() {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot begin while %s", ErrInvalidTransition, state)
	}

	s := sess
	m.session = &s
	m.turns = nil
	m.current = ""
	m.result = nil
	m.errorMessage = ""
	m.lastServerError = ""
	m.status = nil
	m.reconnectTry = 0
	m.log = logger.WithSession("session", sess.ID)
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	m.notify()
	return nil
}

// Activate connecting -> active，重复调用无副作用
func (m *StateMachine) Activate() bool {
	return m.mutate(func() bool {
		if m.state != StateConnecting {
			return false
		}
		m.setStateLocked(StateActive)
		return true
	})
}

// RequestEnd 用户或服务端发起结束：connecting/active -> ending
func (m *StateMachine) RequestEnd() bool {
	return m.mutate(func() bool {
		if m.state != StateActive && m.state != StateConnecting {
			return false
		}
		m.setStateLocked(StateEnding)
		return true
	})
}

// HandleTranscription 部分结果只更新当前转写，最终结果追加用户轮次
func (m *StateMachine) HandleTranscription(p *protocol.TranscriptionPayload) bool {
	return m.mutate(func() bool {
		if !m.acceptsContent() {
			return false
		}

		if !p.IsFinal {
			m.current = p.Text
			return true
		}

		m.current = ""
		if strings.TrimSpace(p.Text) != "" {
			m.appendTurnLocked(RoleUser, p.Text)
		}
		return true
	})
}

// HandleAIMessage 追加助手轮次
func (m *StateMachine) HandleAIMessage(p *protocol.AIMessagePayload) bool {
	return m.mutate(func() bool {
		if !m.acceptsContent() {
			return false
		}

		role := RoleAssistant
		if Role(p.Role) == RoleSystem {
			role = RoleSystem
		}
		m.appendTurnLocked(role, p.Text)
		return true
	})
}

// HandleSessionEnded 写入结果并进入 ended，只生效一次
// 结果优先于错误：已处于 error 的会话收到结果仍会进入 ended
func (m *StateMachine) HandleSessionEnded(p *protocol.SessionEndedPayload) bool {
	return m.mutate(func() bool {
		if m.state == StateEnded || m.state == StateIdle {
			return false
		}

		scores := p.Scores
		if scores == nil {
			scores = map[string]any{}
		}
		total := p.TotalErrors
		if total == 0 {
			total = len(p.Errors)
		}

		m.result = &SessionResult{
			Scores:          copyScores(scores),
			Errors:          append([]protocol.DetectedError{}, p.Errors...),
			DurationSeconds: p.DurationSeconds,
			TurnCount:       p.TurnCount,
			TotalErrors:     total,
			Message:         p.Message,
		}
		m.current = ""
		m.errorMessage = ""
		if m.session != nil {
			now := time.Now().UTC()
			m.session.EndedAt = &now
			m.session.DurationSeconds = p.DurationSeconds
		}
		m.setStateLocked(StateEnded)
		return true
	})
}

// HandleServerError 记录服务端错误，本身不终止会话
func (m *StateMachine) HandleServerError(p *protocol.ErrorPayload) bool {
	return m.mutate(func() bool {
		if m.state.IsTerminal() || m.state == StateIdle {
			return false
		}
		m.lastServerError = p.Message
		m.log.Warn().Str("code", p.Code).Str("message", p.Message).Msg("Server reported error")
		return true
	})
}

// HandleStatus 记录 get_status 响应
func (m *StateMachine) HandleStatus(p *protocol.StatusPayload) bool {
	return m.mutate(func() bool {
		if m.state == StateIdle {
			return false
		}
		m.status = &ServerStatus{
			TurnCount:       p.TurnCount,
			ErrorCount:      p.ErrorCount,
			DurationSeconds: p.DurationSeconds,
		}
		return true
	})
}

// Fail 进入 error 终态；已经 ended 的会话不受影响
func (m *StateMachine) Fail(reason string) bool {
	return m.mutate(func() bool {
		if m.state == StateIdle || m.state.IsTerminal() {
			return false
		}
		if reason == "" {
			reason = m.lastServerError
		}
		m.errorMessage = reason
		m.current = ""
		m.setStateLocked(StateError)
		m.log.Error().Str("reason", reason).Msg("Session failed")
		return true
	})
}

// SetConnectionState 记录连接层状态，供观察者展示
func (m *StateMachine) SetConnectionState(state string, attempt int) {
	m.mutate(func() bool {
		if m.connState == state && m.reconnectTry == attempt {
			return false
		}
		m.connState = state
		m.reconnectTry = attempt
		return true
	})
}

func (m *StateMachine) acceptsContent() bool {
	return m.state == StateActive || m.state == StateEnding
}

// mutate 在锁内执行变更，发生变化后通知观察者
func (m *StateMachine) mutate(fn func() bool) bool {
	m.mu.Lock()
	changed := fn()
	if changed {
		m.updatedAt = time.Now()
	}
	m.mu.Unlock()

	if changed {
		m.notify()
	}
	return changed
}

func (m *StateMachine) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.Info().Str("from", string(m.state)).Str("to", string(s)).Msg("Session state changed")
	m.state = s
	m.updatedAt = time.Now()
}

func (m *StateMachine) appendTurnLocked(role Role, content string) {
	m.turns = append(m.turns, ConversationTurn{
		Role:     role,
		Content:  content,
		Sequence: len(m.turns) + 1,
		At:       time.Now(),
	})
}

func (m *StateMachine) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:                m.state,
		ConnectionState:      m.connState,
		ReconnectAttempt:     m.reconnectTry,
		CurrentTranscription: m.current,
		Turns:                append([]ConversationTurn{}, m.turns...),
		Result:               copyResult(m.result),
		ErrorMessage:         m.errorMessage,
		LastServerError:      m.lastServerError,
		UpdatedAt:            m.updatedAt,
	}
	if m.session != nil {
		s := *m.session
		snap.Session = &s
	}
	if m.status != nil {
		st := *m.status
		snap.Status = &st
	}
	return snap
}

func (m *StateMachine) notify() {
	m.mu.RLock()
	snap := m.snapshotLocked()
	observers := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	m.mu.RUnlock()

	for _, o := range observers {
		o(snap)
	}
}

func copyResult(r *SessionResult) *SessionResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Scores = copyScores(r.Scores)
	c.Errors = append([]protocol.DetectedError{}, r.Errors...)
	return &c
}

func copyScores(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
