package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"SpeakMateClient/internal/logger"
	"SpeakMateClient/internal/metrics"
	"SpeakMateClient/internal/protocol"
)

// EventType 路由事件类型：协议消息类型或本地传输事件
type EventType string

// 本地传输事件，由连接层状态变化转换而来
const (
	EventTransportConnected    EventType = "transport.connected"
	EventTransportReconnecting EventType = "transport.reconnecting"
	EventTransportFailed       EventType = "transport.failed"
	EventTransportClosed       EventType = "transport.closed"
)

// FromMessageType 将协议类型转换为路由事件类型
func FromMessageType(t protocol.MessageType) EventType {
	return EventType(t)
}

// IsTransport 判断是否为本地传输事件
func (t EventType) IsTransport() bool {
	switch t {
	case EventTransportConnected, EventTransportReconnecting, EventTransportFailed, EventTransportClosed:
		return true
	}
	return false
}

// Event 路由后的类型化事件
type Event struct {
	Type    EventType
	Payload any // 协议消息为 *protocol.XxxPayload
	Raw     []byte
	Attempt int
	Err     error
	At      time.Time
}

// Handler 事件处理函数
type Handler func(Event)

type entry struct {
	id uint64
	fn Handler
}

// Router 将入站帧解码为类型化事件并按注册顺序同步分发
type Router struct {
	mu       sync.RWMutex
	handlers map[EventType][]entry
	wildcard []entry
	nextID   uint64

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New 创建路由器
func New() *Router {
	return NewWithMetrics(metrics.DefaultMetrics)
}

// NewWithMetrics 使用指定指标集合创建路由器
func NewWithMetrics(m *metrics.Metrics) *Router {
	return &Router{
		handlers: make(map[EventType][]entry),
		metrics:  m,
		log:      logger.WithComponent("router"),
	}
}

// On 注册某类事件的处理函数，返回取消注册函数
func (r *Router) On(t EventType, fn Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[t] = append(r.handlers[t], entry{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.handlers[t] = remove(r.handlers[t], id)
	}
}

// OnAny 注册通配处理函数，所有事件都会先经过它
func (r *Router) OnAny(fn Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.wildcard = append(r.wildcard, entry{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.wildcard = remove(r.wildcard, id)
	}
}

// Dispatch 解码一帧并分发
// 无法解析的帧记录日志后丢弃，返回的错误仅供调用方统计
func (r *Router) Dispatch(raw []byte) error {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		r.drop("unparsable", err, raw)
		return err
	}

	payload, err := protocol.ParsePayload(frame)
	if err != nil {
		r.drop("unparsable", err, raw)
		return err
	}

	if !protocol.IsServerType(frame.Type) {
		err := fmt.Errorf("%w: %q is not a server message", protocol.ErrUnknownType, frame.Type)
		r.drop("unexpected_type", err, raw)
		return err
	}

	r.metrics.FramesReceived.WithLabelValues(frame.Type.String()).Inc()
	r.DispatchEvent(Event{
		Type:    FromMessageType(frame.Type),
		Payload: payload,
		Raw:     raw,
		At:      time.Now(),
	})
	return nil
}

// DispatchEvent 分发一个已构造好的事件（本地传输事件走这里）
func (r *Router) DispatchEvent(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	r.mu.RLock()
	wildcard := append([]entry(nil), r.wildcard...)
	handlers := append([]entry(nil), r.handlers[ev.Type]...)
	r.mu.RUnlock()

	for _, h := range wildcard {
		h.fn(ev)
	}
	for _, h := range handlers {
		h.fn(ev)
	}
}

// HandlerCount 返回某类事件的处理函数数量
func (r *Router) HandlerCount(t EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[t])
}

func (r *Router) drop(reason string, err error, raw []byte) {
	r.metrics.RecordDrop(reason)

	sample := raw
	if len(sample) > 128 {
		sample = sample[:128]
	}
	r.log.Warn().Err(err).Str("reason", reason).Bytes("frame", sample).Msg("Dropping inbound frame")
}

func remove(list []entry, id uint64) []entry {
	for i, e := range list {
		if e.id == id {
			out := make([]entry, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...)
		}
	}
	return list
}
