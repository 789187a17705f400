package testserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"SpeakMateClient/internal/logger"
	"SpeakMateClient/internal/protocol"
)

// ServerConfig 模拟语音后端配置
type ServerConfig struct {
	Addr            string
	Token           string        // 非空时校验 token
	Greeting        string        // 连接后的AI问候，空则不发送
	AutoReply       bool          // 收到用户文本/最终转写后自动回复
	TranscribeAudio bool          // 收到最终音频分片时回一条最终转写
	CloseAfterEnd   bool          // 发送 session_ended 后以正常关闭码断开
	CloseDelay      time.Duration // 发送 session_ended 与关闭之间的间隔
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:            addr,
		AutoReply:       false,
		TranscribeAudio: false,
		CloseAfterEnd:   true,
		CloseDelay:      50 * time.Millisecond,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// SessionRecord 服务端保存的会话
type SessionRecord struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Mode            string         `json:"mode"`
	Topic           string         `json:"topic,omitempty"`
	DurationSeconds int            `json:"duration_seconds"`
	OverallScores   map[string]any `json:"overall_scores,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`

	turns    []TurnRecord
	errors   []protocol.DetectedError
	received []protocol.Frame
	started  time.Time
	ended    bool
}

// TurnRecord 会话中的一轮对话
type TurnRecord struct {
	Role          string `json:"role"`
	Content       string `json:"content"`
	SequenceOrder int    `json:"sequence_order"`
}

// Connection 表示一个WebSocket连接
type Connection struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn

	stopChan  chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
}

// safeClose 安全关闭连接的stopChan
func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// Server 模拟语音后端：REST 会话接口 + 流式会话 WebSocket
type Server struct {
	config   *ServerConfig
	server   *http.Server
	router   *mux.Router
	upgrader websocket.Upgrader
	listener net.Listener

	sessions sync.Map // map[string]*SessionRecord
	sessMu   sync.Mutex

	// 连接管理
	connections sync.Map // map[string]*Connection
	connWg      sync.WaitGroup

	rejectConnections atomic.Bool
	isRunning         atomic.Bool
	totalConnections  atomic.Uint64
	sessionCounter    atomic.Uint64

	log zerolog.Logger
}

// New 创建新的模拟后端
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig("127.0.0.1:0")
	}

	s := &Server{
		config: config,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		log: logger.WithComponent("testserver"),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    config.Addr,
		Handler: s.router,
	}

	return s
}

// Handler 返回HTTP处理器（用于 httptest）
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动服务器
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen failed: %w", err)
	}
	s.listener = ln

	s.log.Info().Str("addr", ln.Addr().String()).Msg("Starting mock speech backend")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Server error")
		}
	}()

	return nil
}

// Addr 返回实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown 关闭服务器
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	s.log.Info().Msg("Shutting down mock speech backend...")

	s.CloseAll(websocket.CloseGoingAway, "Server shutdown")
	s.connWg.Wait()

	return s.server.Shutdown(ctx)
}

// RejectConnections 打开后新的 WebSocket 升级请求返回 503
func (s *Server) RejectConnections(reject bool) {
	s.rejectConnections.Store(reject)
}

// DropAll 不发送关闭帧直接断开所有连接（模拟网络故障）
func (s *Server) DropAll() {
	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		s.removeConnection(conn)
		conn.Conn.Close()
		return true
	})
}

// CloseAll 以指定关闭码断开所有连接
func (s *Server) CloseAll(code int, reason string) {
	s.connections.Range(func(key, value interface{}) bool {
		s.closeConnection(value.(*Connection), code, reason)
		return true
	})
}

// CreateSession 直接创建会话（绕过REST）
func (s *Server) CreateSession(mode, topic string) *SessionRecord {
	id := fmt.Sprintf("sess-%d", s.sessionCounter.Add(1))
	rec := &SessionRecord{
		ID:        id,
		UserID:    "user-1",
		Mode:      mode,
		Topic:     topic,
		CreatedAt: time.Now().UTC(),
	}
	s.sessions.Store(id, rec)
	return rec
}

// SetErrors 设置会话结束时返回的错误记录
func (s *Server) SetErrors(sessionID string, errs []protocol.DetectedError) {
	if rec, ok := s.getSession(sessionID); ok {
		s.sessMu.Lock()
		rec.errors = append([]protocol.DetectedError(nil), errs...)
		s.sessMu.Unlock()
	}
}

// Push 向会话的当前连接推送一条消息
func (s *Server) Push(sessionID string, msgType protocol.MessageType, payload any) error {
	frame, err := protocol.EncodeFrame(msgType, payload)
	if err != nil {
		return err
	}
	return s.PushRaw(sessionID, frame)
}

// PushRaw 向会话的当前连接推送原始数据
func (s *Server) PushRaw(sessionID string, raw []byte) error {
	conn := s.connectionFor(sessionID)
	if conn == nil {
		return fmt.Errorf("no connection for session %s", sessionID)
	}
	return s.write(conn, raw)
}

// Received 返回服务端收到的会话帧
func (s *Server) Received(sessionID string) []protocol.Frame {
	rec, ok := s.getSession(sessionID)
	if !ok {
		return nil
	}
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return append([]protocol.Frame(nil), rec.received...)
}

// WaitForConnection 等待会话建立连接
func (s *Server) WaitForConnection(sessionID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.connectionFor(sessionID) != nil {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// ConnectionCount 返回当前连接数
func (s *Server) ConnectionCount() int {
	n := 0
	s.connections.Range(func(key, value interface{}) bool {
		n++
		return true
	})
	return n
}

// handleWebSocket 处理WebSocket连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.rejectConnections.Load() {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	sessionID := mux.Vars(r)["id"]
	if s.config.Token != "" && r.URL.Query().Get("token") != s.config.Token {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := &Connection{
		ID:        fmt.Sprintf("conn_%d", s.totalConnections.Add(1)),
		SessionID: sessionID,
		Conn:      wsConn,
		stopChan:  make(chan struct{}),
	}

	rec, ok := s.getSession(sessionID)
	if !ok {
		frame, _ := protocol.EncodeFrame(protocol.TypeError, protocol.ErrorPayload{Message: "Session not found"})
		s.write(conn, frame)
		wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session not found"),
			time.Now().Add(time.Second))
		wsConn.Close()
		return
	}

	// 同一会话只保留最新连接
	if old := s.connectionFor(sessionID); old != nil {
		s.removeConnection(old)
		old.Conn.Close()
	}

	s.connections.Store(conn.ID, conn)
	s.sessMu.Lock()
	if rec.started.IsZero() {
		rec.started = time.Now()
	}
	s.sessMu.Unlock()

	s.log.Info().Str("conn", conn.ID).Str("session", sessionID).Str("remote", r.RemoteAddr).Msg("New connection")

	s.connWg.Add(1)
	defer s.connWg.Done()

	s.Push(sessionID, protocol.TypeConnected, protocol.ConnectedPayload{
		Message:   "Connected! Ready to start conversation.",
		SessionID: sessionID,
		Mode:      rec.Mode,
		Topic:     rec.Topic,
	})

	if s.config.Greeting != "" {
		s.appendTurn(rec, "assistant", s.config.Greeting)
		s.Push(sessionID, protocol.TypeAIMessage, protocol.AIMessagePayload{Text: s.config.Greeting, Role: "assistant"})
	}

	s.messageReadLoop(conn, rec)
}

// messageReadLoop 消息读取循环
func (s *Server) messageReadLoop(conn *Connection, rec *SessionRecord) {
	defer s.removeConnection(conn)

	conn.Conn.SetReadLimit(protocol.MaxFrameSize)

	for {
		_, raw, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Str("conn", conn.ID).Msg("Connection read error")
			}
			return
		}

		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("Decode frame failed")
			continue
		}

		s.sessMu.Lock()
		rec.received = append(rec.received, *frame)
		s.sessMu.Unlock()

		if done := s.handleMessage(conn, rec, frame); done {
			return
		}
	}
}

// handleMessage 处理接收到的消息，返回 true 表示会话已结束
func (s *Server) handleMessage(conn *Connection, rec *SessionRecord, frame *protocol.Frame) bool {
	switch frame.Type {
	case protocol.TypeAudioChunk:
		var p protocol.AudioChunkPayload
		if err := frame.DecodeData(&p); err != nil {
			return false
		}
		if s.config.TranscribeAudio && p.IsFinal {
			text := fmt.Sprintf("audio segment %d", p.Seq)
			s.Push(rec.ID, protocol.TypeTranscription, protocol.TranscriptionPayload{Text: text, IsFinal: true, Confidence: 0.9})
			s.userMessage(rec, text)
		}

	case protocol.TypeTextInput:
		var p protocol.TextInputPayload
		if err := frame.DecodeData(&p); err != nil || p.Text == "" {
			return false
		}
		s.userMessage(rec, p.Text)

	case protocol.TypeGetStatus:
		s.sessMu.Lock()
		status := protocol.StatusPayload{
			TurnCount:       len(rec.turns),
			ErrorCount:      len(rec.errors),
			DurationSeconds: int(time.Since(rec.started).Seconds()),
		}
		s.sessMu.Unlock()
		s.Push(rec.ID, protocol.TypeStatus, status)

	case protocol.TypeEndSession:
		s.endSession(conn, rec)
		return true

	default:
		s.log.Debug().Str("type", frame.Type.String()).Msg("Unhandled message type")
	}

	return false
}

// userMessage 记录用户发言并按需自动回复
func (s *Server) userMessage(rec *SessionRecord, text string) {
	s.appendTurn(rec, "user", text)
	if !s.config.AutoReply {
		return
	}

	reply := fmt.Sprintf("You said: %s. Tell me more.", text)
	n := s.appendTurn(rec, "assistant", reply)
	s.Push(rec.ID, protocol.TypeAIMessage, protocol.AIMessagePayload{Text: reply, Role: "assistant", TurnNumber: n})
}

// appendTurn 追加一轮对话，返回对话序号
func (s *Server) appendTurn(rec *SessionRecord, role, content string) int {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	rec.turns = append(rec.turns, TurnRecord{Role: role, Content: content, SequenceOrder: len(rec.turns) + 1})
	return len(rec.turns)
}

// endSession 计算并推送最终结果
func (s *Server) endSession(conn *Connection, rec *SessionRecord) {
	s.sessMu.Lock()
	now := time.Now().UTC()
	duration := 0
	if !rec.started.IsZero() {
		duration = int(time.Since(rec.started).Seconds())
	}
	scores := map[string]any{
		"fluency_coherence": 6.0,
		"lexical_resource":  6.0,
		"grammatical_range": 6.0,
		"pronunciation":     6.0,
		"overall_band":      6.0,
	}
	rec.OverallScores = scores
	rec.DurationSeconds = duration
	rec.EndedAt = &now
	rec.ended = true
	userTurns := 0
	for _, t := range rec.turns {
		if t.Role == "user" {
			userTurns++
		}
	}
	payload := protocol.SessionEndedPayload{
		Scores:          scores,
		Errors:          append([]protocol.DetectedError{}, rec.errors...),
		DurationSeconds: duration,
		TurnCount:       userTurns,
		TotalErrors:     len(rec.errors),
		Message:         "Session completed! Check your feedback.",
	}
	s.sessMu.Unlock()

	s.Push(rec.ID, protocol.TypeSessionEnded, payload)

	if s.config.CloseAfterEnd {
		time.Sleep(s.config.CloseDelay)
		s.closeConnection(conn, websocket.CloseNormalClosure, "session ended")
	}
}

// write 发送数据给指定连接
func (s *Server) write(conn *Connection, raw []byte) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.Conn.WriteMessage(websocket.TextMessage, raw)
}

// connectionFor 查找会话当前连接
func (s *Server) connectionFor(sessionID string) *Connection {
	var found *Connection
	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		if conn.SessionID == sessionID {
			found = conn
			return false
		}
		return true
	})
	return found
}

// removeConnection 从连接表中移除
func (s *Server) removeConnection(conn *Connection) {
	s.connections.Delete(conn.ID)
	conn.safeClose()
}

// closeConnection 以关闭码关闭连接
func (s *Server) closeConnection(conn *Connection, code int, reason string) {
	s.removeConnection(conn)

	conn.mu.Lock()
	conn.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	conn.mu.Unlock()
	conn.Conn.Close()

	s.log.Debug().Str("conn", conn.ID).Int("code", code).Str("reason", reason).Msg("Connection closed")
}

func (s *Server) getSession(id string) (*SessionRecord, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*SessionRecord), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
