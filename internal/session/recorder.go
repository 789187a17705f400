package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"SpeakMateClient/internal/protocol"
)

// EventType 录制事件类型
type EventType string

const (
	EventConnect        EventType = "CONNECT"
	EventDisconnect     EventType = "DISCONNECT"
	EventMessageSend    EventType = "MESSAGE_SEND"
	EventMessageReceive EventType = "MESSAGE_RECEIVE"
	EventStateChange    EventType = "STATE_CHANGE"
	EventError          EventType = "ERROR"
	EventReconnect      EventType = "RECONNECT"
	EventClose          EventType = "CLOSE"
)

// Direction 帧方向
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// RecordedEvent 会话事件
type RecordedEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
	CloseCode int                    `json:"close_code,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// RecordedFrame 消息帧记录
type RecordedFrame struct {
	Raw         json.RawMessage      `json:"raw"`
	Type        protocol.MessageType `json:"type"`
	Timestamp   time.Time            `json:"timestamp"`
	Direction   Direction            `json:"direction"`
	SequenceNum uint64               `json:"sequence_num"`
}

// RecordingStats 会话统计
type RecordingStats struct {
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	Duration         time.Duration `json:"duration"`
	TotalEvents      int64         `json:"total_events"`
	MessagesSent     int64         `json:"messages_sent"`
	MessagesReceived int64         `json:"messages_received"`
	BytesSent        int64         `json:"bytes_sent"`
	BytesReceived    int64         `json:"bytes_received"`
	ReconnectCount   int64         `json:"reconnect_count"`
	ErrorCount       int64         `json:"error_count"`
}

// Recording 完整的会话录制
type Recording struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
	Events    []*RecordedEvent `json:"events"`
	Frames    []*RecordedFrame `json:"frames"`
	Stats     RecordingStats   `json:"stats"`
}

// SessionRecorder 会话录制器，记录收发的每一帧
type SessionRecorder struct {
	id        string
	sessionID string
	startTime time.Time
	endTime   time.Time
	events    []*RecordedEvent
	frames    []*RecordedFrame

	// 统计计数器
	eventCounter   atomic.Int64
	frameCounter   atomic.Uint64
	sent           atomic.Int64
	received       atomic.Int64
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
	reconnectCount atomic.Int64
	errorCount     atomic.Int64

	mu       sync.RWMutex
	isActive atomic.Bool
}

// NewSessionRecorder 创建新的会话录制器
func NewSessionRecorder(sessionID string) *SessionRecorder {
	recorder := &SessionRecorder{
		id:        uuid.NewString(),
		sessionID: sessionID,
		startTime: time.Now(),
		events:    make([]*RecordedEvent, 0, 64),
		frames:    make([]*RecordedFrame, 0, 256),
	}

	recorder.isActive.Store(true)
	recorder.RecordEvent(EventConnect, map[string]interface{}{
		"session_id": sessionID,
	})

	return recorder
}

// RecordEvent 记录事件
func (r *SessionRecorder) RecordEvent(eventType EventType, metadata map[string]interface{}) {
	if !r.isActive.Load() {
		return
	}

	event := &RecordedEvent{
		ID:        fmt.Sprintf("event_%d", r.eventCounter.Add(1)),
		Type:      eventType,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
	if eventType == EventError && metadata != nil {
		if msg, ok := metadata["error"].(string); ok {
			event.Error = msg
		}
	}
	if eventType == EventClose && metadata != nil {
		if code, ok := metadata["close_code"].(int); ok {
			event.CloseCode = code
		}
	}

	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()

	switch eventType {
	case EventReconnect:
		r.reconnectCount.Add(1)
	case EventError:
		r.errorCount.Add(1)
	}
}

// RecordFrame 记录一帧收发数据
func (r *SessionRecorder) RecordFrame(direction Direction, raw []byte) {
	if !r.isActive.Load() {
		return
	}

	msgType := protocol.MessageType("")
	if frame, err := protocol.DecodeFrame(raw); err == nil {
		msgType = frame.Type
	}

	stored := json.RawMessage(append([]byte(nil), raw...))
	if !json.Valid(stored) {
		// 无法解析的帧以字符串形式保存
		quoted, _ := json.Marshal(string(raw))
		stored = quoted
	}

	frame := &RecordedFrame{
		Raw:         stored,
		Type:        msgType,
		Timestamp:   time.Now(),
		Direction:   direction,
		SequenceNum: r.frameCounter.Add(1),
	}

	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()

	if direction == DirectionSend {
		r.sent.Add(1)
		r.bytesSent.Add(int64(len(raw)))
	} else {
		r.received.Add(1)
		r.bytesReceived.Add(int64(len(raw)))
	}
}

// RecordReconnect 记录重连事件
func (r *SessionRecorder) RecordReconnect(attempt int, delay time.Duration) {
	r.RecordEvent(EventReconnect, map[string]interface{}{
		"attempt": attempt,
		"delay":   delay.String(),
	})
}

// RecordError 记录错误事件
func (r *SessionRecorder) RecordError(err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["error"] = err.Error()

	r.RecordEvent(EventError, metadata)
}

// RecordStateChange 记录会话状态变化
func (r *SessionRecorder) RecordStateChange(from, to State) {
	r.RecordEvent(EventStateChange, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
}

// RecordClose 记录关闭事件
func (r *SessionRecorder) RecordClose(closeCode int, reason string) {
	r.RecordEvent(EventClose, map[string]interface{}{
		"close_code": closeCode,
		"reason":     reason,
	})
}

// Stop 停止录制
func (r *SessionRecorder) Stop() {
	if !r.isActive.Load() {
		return
	}

	r.RecordEvent(EventDisconnect, map[string]interface{}{
		"duration": time.Since(r.startTime).String(),
	})

	if !r.isActive.CompareAndSwap(true, false) {
		return
	}

	r.mu.Lock()
	r.endTime = time.Now()
	r.mu.Unlock()
}

// IsActive 是否仍在录制
func (r *SessionRecorder) IsActive() bool {
	return r.isActive.Load()
}

// GetRecording 获取完整录制
func (r *SessionRecorder) GetRecording() *Recording {
	r.mu.RLock()
	defer r.mu.RUnlock()

	end := r.endTime
	if end.IsZero() {
		end = time.Now()
	}

	return &Recording{
		ID:        r.id,
		SessionID: r.sessionID,
		StartTime: r.startTime,
		EndTime:   end,
		Events:    append([]*RecordedEvent{}, r.events...),
		Frames:    append([]*RecordedFrame{}, r.frames...),
		Stats:     r.statsLocked(end),
	}
}

// GetFrames 获取消息帧列表
func (r *SessionRecorder) GetFrames() []*RecordedFrame {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]*RecordedFrame{}, r.frames...)
}

// GetStats 获取统计信息
func (r *SessionRecorder) GetStats() RecordingStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	end := r.endTime
	if end.IsZero() {
		end = time.Now()
	}
	return r.statsLocked(end)
}

// ExportJSON 导出为JSON格式
func (r *SessionRecorder) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(r.GetRecording(), "", "  ")
}

// SaveToDir 将录制写入目录，返回文件路径
func (r *SessionRecorder) SaveToDir(dir string) (string, error) {
	data, err := r.ExportJSON()
	if err != nil {
		return "", fmt.Errorf("export recording failed: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create recording dir failed: %w", err)
	}

	name := fmt.Sprintf("session_%s_%s.json", r.sessionID, r.startTime.Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write recording failed: %w", err)
	}

	return path, nil
}

// LoadRecording 从文件读取录制
func LoadRecording(path string) (*Recording, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recording failed: %w", err)
	}

	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode recording failed: %w", err)
	}
	return &rec, nil
}

func (r *SessionRecorder) statsLocked(end time.Time) RecordingStats {
	return RecordingStats{
		StartTime:        r.startTime,
		EndTime:          end,
		Duration:         end.Sub(r.startTime),
		TotalEvents:      int64(len(r.events)),
		MessagesSent:     r.sent.Load(),
		MessagesReceived: r.received.Load(),
		BytesSent:        r.bytesSent.Load(),
		BytesReceived:    r.bytesReceived.Load(),
		ReconnectCount:   r.reconnectCount.Load(),
		ErrorCount:       r.errorCount.Load(),
	}
}
