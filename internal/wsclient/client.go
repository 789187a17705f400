package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"SpeakMateClient/internal/logger"
	"SpeakMateClient/internal/metrics"
	"SpeakMateClient/internal/protocol"
)

var (
	ErrNotConnected       = errors.New("socket is not connected, frame dropped")
	ErrAlreadyConnected   = errors.New("client is not in disconnected state")
	ErrClosed             = errors.New("client is closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ClientConfig 客户端配置
type ClientConfig struct {
	BaseURL           string // 例如 ws://127.0.0.1:8000
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration // 0 表示不发送 ping
	PingTimeout       time.Duration
	ReconnectInterval time.Duration // 退避基数
	MaxReconnectTries int
	EnableCompression bool
	UserAgent         string
	EventBuffer       int
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(baseURL string) *ClientConfig {
	return &ClientConfig{
		BaseURL:           baseURL,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		PingInterval:      30 * time.Second,
		PingTimeout:       10 * time.Second,
		ReconnectInterval: time.Second,
		MaxReconnectTries: 5,
		EnableCompression: true,
		UserAgent:         "SpeakMateClient/1.0",
		EventBuffer:       256,
	}
}

// BuildURL 拼接会话的流式连接地址
// token 只放在查询参数中，流式套接字没有逐帧的头部机制
func BuildURL(baseURL, sessionID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url failed: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	u.Path = u.Path + "/ws/conversation/" + url.PathEscape(sessionID)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Client WebSocket客户端，一个会话对应一个实例，支持断线指数退避重连
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	sessionID string
	token     string

	// 事件输出：状态变化与入站帧按顺序投递
	events chan Event
	done   chan struct{}

	// 同步控制
	mu      sync.RWMutex
	writeMu sync.Mutex // 专用于WebSocket写入同步
	closing bool

	// 重连控制
	backOff     backoff.BackOff
	attempts    int
	cancelTimer func() bool
	afterFunc   func(d time.Duration, f func()) func() bool
	reconnects  atomic.Int32 // 重连成功次数统计
	noReconnect atomic.Bool

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New 创建新的WebSocket客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	buffer := config.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}

	client := &Client{
		config:  config,
		dialer:  &dialer,
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
		backOff: newReconnectBackOff(config.ReconnectInterval, config.MaxReconnectTries),
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		metrics: metrics.DefaultMetrics,
		log:     logger.WithComponent("wsclient"),
	}

	client.state.Store(int32(StateDisconnected))
	return client
}

// newReconnectBackOff 退避序列为 base × 2^(attempt−1)，最多 maxTries 次
func newReconnectBackOff(base time.Duration, maxTries int) backoff.BackOff {
	if base <= 0 {
		base = time.Second
	}
	if maxTries < 0 {
		maxTries = 0
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = base << uint(maxTries)
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithMaxRetries(exp, uint64(maxTries))
}

// Events 返回事件通道，消费方必须持续读取
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done 在客户端关闭后被关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Connect 连接到服务器
// 首次连接失败直接返回错误，由调用方决定如何处理
func (c *Client) Connect(ctx context.Context, sessionID, token string) error {
	if c.getState() == StateClosed {
		return ErrClosed
	}
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return ErrAlreadyConnected
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.token = token
	c.log = logger.WithSession("wsclient", sessionID)
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	if !c.attach(conn, false) {
		conn.Close()
		return ErrClosed
	}

	c.log.Info().Msg("Connected")
	return nil
}

// dial 执行实际的拨号
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.RLock()
	sessionID, token := c.sessionID, c.token
	c.mu.RUnlock()

	target, err := BuildURL(c.config.BaseURL, sessionID, token)
	if err != nil {
		return nil, err
	}

	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	return conn, nil
}

// attach 绑定新连接并切换到 CONNECTED，读循环最后启动
// 读循环可能立即观察到关闭，状态切换必须先于它完成
func (c *Client) attach(conn *websocket.Conn, reconnected bool) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	if reconnected {
		c.attempts = 0
		c.backOff.Reset()
	}
	oldState := ClientState(c.state.Swap(int32(StateConnected)))
	c.mu.Unlock()

	if reconnected {
		c.reconnects.Add(1)
	}
	c.emitStateChange(oldState, StateConnected, true)

	connDone := make(chan struct{})

	if c.config.PingInterval > 0 {
		wait := c.config.PingInterval + c.config.PingTimeout
		conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
		go c.pingLoop(conn, connDone)
	}

	go c.readLoop(conn, connDone)
	return true
}

// Send 发送一帧原始数据
// 未连接时丢弃该帧并返回 ErrNotConnected，不做缓冲
func (c *Client) Send(frame []byte) error {
	if c.getState() != StateConnected {
		c.metrics.RecordDrop("not_connected")
		c.log.Warn().Str("state", c.getState().String()).Msg("Send while not connected, frame dropped")
		return ErrNotConnected
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		c.metrics.RecordDrop("not_connected")
		return ErrNotConnected
	}

	// 使用专用的写入锁防止并发写入
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write frame failed: %w", err)
	}

	return nil
}

// SendMessage 编码并发送一条协议消息
func (c *Client) SendMessage(msgType protocol.MessageType, payload any) error {
	frame, err := protocol.EncodeFrame(msgType, payload)
	if err != nil {
		return err
	}

	if err := c.Send(frame); err != nil {
		return err
	}

	c.metrics.FramesSent.WithLabelValues(msgType.String()).Inc()
	return nil
}

// SuppressReconnect 之后的任何断开都不再重连（会话结束阶段使用）
func (c *Client) SuppressReconnect() {
	c.noReconnect.Store(true)
}

// Disconnect 以正常关闭码断开连接，不再重连
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	c.conn = nil
	stop := c.cancelTimer
	c.cancelTimer = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}

	var err error
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}

	c.transition(StateClosed, false)
	close(c.done)

	c.log.Info().Msg("Disconnected")
	return err
}

// readLoop 消息读取循环
func (c *Client) readLoop(conn *websocket.Conn, connDone chan struct{}) {
	defer close(connDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosure(conn, err)
			return
		}

		c.publish(Event{Kind: EventFrame, Raw: data, At: time.Now()})
	}
}

// pingLoop 保活循环
func (c *Client) pingLoop(conn *websocket.Conn, connDone chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-connDone:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.PingTimeout)); err != nil {
				c.log.Debug().Err(err).Msg("Ping failed")
			}
		}
	}
}

// handleClosure 处理连接关闭：正常关闭不重连，异常关闭进入退避重连
func (c *Client) handleClosure(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// 已被替换或主动断开
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closing := c.closing
	c.mu.Unlock()

	conn.Close()

	if closing {
		return
	}

	code := CloseCodeOf(cause)
	if code == websocket.CloseNormalClosure || c.noReconnect.Load() {
		c.log.Info().Int("closeCode", code).Msg("Connection closed, not reconnecting")
		c.setState(StateClosed)
		c.publish(Event{Kind: EventClosed, CloseCode: code, At: time.Now()})
		return
	}

	c.log.Warn().Err(cause).Int("closeCode", code).Msg("Abnormal closure")
	c.scheduleReconnect(cause)
}

// scheduleReconnect 安排下一次重连
func (c *Client) scheduleReconnect(cause error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}

	delay := c.backOff.NextBackOff()
	if delay == backoff.Stop {
		c.mu.Unlock()
		c.log.Error().Err(cause).Msg("Max reconnect tries exceeded, giving up")
		c.setState(StateDisconnected)
		c.publish(Event{
			Kind: EventReconnectFailed,
			Err:  fmt.Errorf("%w: %v", ErrReconnectExhausted, cause),
			At:   time.Now(),
		})
		return
	}

	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	c.setState(StateReconnecting)
	c.metrics.ReconnectAttempts.Inc()
	c.log.Info().
		Int("attempt", attempt).
		Int("maxAttempts", c.config.MaxReconnectTries).
		Dur("delay", delay).
		Msg("Reconnect scheduled")
	c.publish(Event{
		Kind:    EventReconnectScheduled,
		Attempt: attempt,
		Delay:   delay,
		Err:     cause,
		At:      time.Now(),
	})

	stop := c.afterFunc(delay, func() { c.reconnect(attempt) })

	c.mu.Lock()
	c.cancelTimer = stop
	c.mu.Unlock()
}

// reconnect 执行一次重连尝试
func (c *Client) reconnect(attempt int) {
	c.mu.RLock()
	closing := c.closing
	c.mu.RUnlock()
	if closing {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.HandshakeTimeout)
	conn, err := c.dial(ctx)
	cancel()

	if err != nil {
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
		c.scheduleReconnect(err)
		return
	}

	if !c.attach(conn, true) {
		conn.Close()
		return
	}

	c.log.Info().Int("attempt", attempt).Msg("Reconnected successfully")
}

// CloseCodeOf 提取关闭码，无法识别的读错误视为异常关闭
func CloseCodeOf(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// publish 投递事件，客户端关闭后放弃
func (c *Client) publish(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// State 获取当前状态
func (c *Client) State() ClientState {
	return c.getState()
}

// getState 获取当前状态
func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// setState 设置状态并投递状态变化事件
func (c *Client) setState(newState ClientState) {
	c.transition(newState, true)
}

// transition 状态切换；blocking 为 false 时事件通道满则丢弃
func (c *Client) transition(newState ClientState, blocking bool) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	c.emitStateChange(oldState, newState, blocking)
}

// emitStateChange 投递状态变化事件并更新指标
func (c *Client) emitStateChange(oldState, newState ClientState, blocking bool) {
	if oldState == newState {
		return
	}

	c.metrics.ConnectionState.Set(float64(newState))
	ev := Event{Kind: EventStateChange, OldState: oldState, NewState: newState, At: time.Now()}

	if blocking {
		c.publish(ev)
		return
	}

	select {
	case c.events <- ev:
	default:
		c.log.Warn().Str("state", newState.String()).Msg("Event buffer full, state change not delivered")
	}
}

// compareAndSwapState 原子性状态切换
func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped {
		c.metrics.ConnectionState.Set(float64(newState))
		c.publish(Event{Kind: EventStateChange, OldState: oldState, NewState: newState, At: time.Now()})
	}
	return swapped
}

// Reconnects 获取重连成功次数（线程安全）
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	c.mu.RLock()
	attempts := c.attempts
	sessionID := c.sessionID
	c.mu.RUnlock()

	return map[string]interface{}{
		"state":           c.getState().String(),
		"session_id":      sessionID,
		"reconnect_count": attempts,
		"reconnects":      c.reconnects.Load(),
	}
}
