package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"SpeakMateClient/internal/audio"
	"SpeakMateClient/internal/logger"
	"SpeakMateClient/internal/metrics"
	"SpeakMateClient/internal/protocol"
	"SpeakMateClient/internal/router"
	"SpeakMateClient/internal/session"
	"SpeakMateClient/internal/wsclient"
)

var (
	ErrSessionActive = errors.New("a session is already in progress")
	ErrNoSession     = errors.New("no session in progress")
	ErrNotFailed     = errors.New("retry is only available after a failed session")
	ErrSessionFailed = errors.New("session failed")
)

// SessionAPI 会话REST接口
type SessionAPI interface {
	CreateSession(ctx context.Context, mode session.Mode, topic string) (*session.Session, error)
	EndSession(ctx context.Context, sessionID string, durationSeconds int) (*session.Session, error)
}

// ResultSink 会话结束后的结果下游，失败只记录日志
type ResultSink interface {
	Name() string
	Store(ctx context.Context, snap session.Snapshot) error
}

// Config 会话客户端配置
type Config struct {
	Transport    wsclient.ClientConfig
	Token        string
	Mode         session.Mode
	Topic        string
	Audio        audio.Config
	EndTimeout   time.Duration // 等待 session_ended 的上限
	RecordingDir string        // 非空时保存会话录制
	SinkTimeout  time.Duration
}

// Option 客户端选项
type Option func(*Client)

// WithDevice 设置麦克风设备，未设置时只能发送文本
func WithDevice(device audio.Device, opts ...audio.Option) Option {
	return func(c *Client) {
		c.device = device
		c.captureOpts = opts
	}
}

// WithSinks 设置结果下游
func WithSinks(sinks ...ResultSink) Option {
	return func(c *Client) {
		c.sinks = append(c.sinks, sinks...)
	}
}

// WithMetrics 指定指标集合
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// runtime 单个会话的运行时资源
type runtime struct {
	sess     session.Session
	log      zerolog.Logger
	conn     *wsclient.Client
	capture  *audio.CaptureService
	recorder *session.SessionRecorder
	loopDone chan struct{}
	terminal chan struct{}
	termOnce sync.Once
	started  time.Time
}

// Client 会话编排：REST创建 -> 连接 -> 采集 -> 派发 -> 结束
type Client struct {
	config      Config
	api         SessionAPI
	device      audio.Device
	captureOpts []audio.Option
	sinks       []ResultSink

	machine *session.StateMachine
	router  *router.Router

	opMu      sync.Mutex // 串行化 Start/Stop/Close
	mu        sync.Mutex
	current   *runtime
	lastState session.State
	sinkWg    sync.WaitGroup

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New 创建会话客户端
func New(config Config, api SessionAPI, opts ...Option) *Client {
	if config.EndTimeout <= 0 {
		config.EndTimeout = 5 * time.Second
	}
	if config.SinkTimeout <= 0 {
		config.SinkTimeout = 10 * time.Second
	}
	if config.Mode == "" {
		config.Mode = session.ModeFreeSpeaking
	}

	c := &Client{
		config:  config,
		api:     api,
		machine: session.NewStateMachine(),
		metrics: metrics.DefaultMetrics,
		log:     logger.WithComponent("client"),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.router = router.NewWithMetrics(c.metrics)
	c.registerHandlers()
	c.machine.Subscribe(c.onSnapshot)
	return c
}

// Subscribe 订阅会话快照
func (c *Client) Subscribe(o session.Observer) func() {
	return c.machine.Subscribe(o)
}

// Snapshot 当前会话快照
func (c *Client) Snapshot() session.Snapshot {
	return c.machine.Snapshot()
}

// Router 返回消息路由器，用于注册额外的处理函数
func (c *Client) Router() *router.Router {
	return c.router
}

// Start 创建会话并建立连接，随后开始采集
// 采集失败时会话保持连接（可继续文本输入），错误原样返回给调用方
func (c *Client) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.runtime() != nil && !c.machine.State().IsTerminal() {
		return ErrSessionActive
	}

	// 新会话前丢弃旧连接
	c.teardown()

	sess, err := c.api.CreateSession(ctx, c.config.Mode, c.config.Topic)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if err := c.machine.Begin(*sess); err != nil {
		return err
	}
	c.metrics.SessionsStarted.Inc()

	transport := c.config.Transport
	rt := &runtime{
		sess:     *sess,
		log:      logger.WithSession("client", sess.ID),
		conn:     wsclient.New(&transport),
		recorder: session.NewSessionRecorder(sess.ID),
		loopDone: make(chan struct{}),
		terminal: make(chan struct{}),
		started:  time.Now(),
	}
	c.mu.Lock()
	c.current = rt
	c.mu.Unlock()

	go c.dispatchLoop(rt)

	if err := rt.conn.Connect(ctx, sess.ID, c.config.Token); err != nil {
		c.machine.Fail(fmt.Sprintf("connect failed: %v", err))
		rt.conn.Disconnect()
		<-rt.loopDone
		return fmt.Errorf("connect: %w", err)
	}

	if c.device == nil {
		rt.log.Info().Msg("No audio device configured, text input only")
		return nil
	}

	rt.capture = audio.NewCaptureService(c.device, c.config.Audio, c.chunkSender(rt), c.captureOpts...)
	if err := rt.capture.Start(); err != nil {
		rt.log.Warn().Err(err).Msg("Audio capture unavailable, continuing with text input")
		return fmt.Errorf("start capture: %w", err)
	}

	return nil
}

// SendText 发送文本输入
func (c *Client) SendText(text string) error {
	rt := c.runtime()
	if rt == nil {
		return ErrNoSession
	}
	return c.send(rt, protocol.TypeTextInput, protocol.TextInputPayload{Text: text})
}

// RequestStatus 请求服务端会话状态
func (c *Client) RequestStatus() error {
	rt := c.runtime()
	if rt == nil {
		return ErrNoSession
	}
	return c.send(rt, protocol.TypeGetStatus, nil)
}

// Stop 结束会话：停止采集（发出 final 分片）-> end_session -> ending -> 等待结果 -> 断开
func (c *Client) Stop(ctx context.Context) (*session.SessionResult, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	rt := c.runtime()
	if rt == nil {
		return nil, ErrNoSession
	}

	if !c.machine.State().IsTerminal() {
		if rt.capture != nil && rt.capture.IsRecording() {
			if err := rt.capture.Stop(); err != nil {
				rt.log.Warn().Err(err).Msg("Stop capture failed")
			}
		}

		rt.conn.SuppressReconnect()
		if err := c.send(rt, protocol.TypeEndSession, nil); err != nil {
			rt.log.Warn().Err(err).Msg("end_session not delivered")
		}
		c.machine.RequestEnd()

		timer := time.NewTimer(c.config.EndTimeout)
		select {
		case <-rt.terminal:
		case <-timer.C:
			c.machine.Fail("session result not received")
		case <-ctx.Done():
			c.machine.Fail("session stop cancelled")
		}
		timer.Stop()
	}

	c.teardown()

	snap := c.machine.Snapshot()
	if snap.State == session.StateError {
		c.endOnServer(ctx, rt)
		return nil, fmt.Errorf("%w: %s", ErrSessionFailed, snap.ErrorMessage)
	}
	return snap.Result, nil
}

// Retry 失败后重建整个会话（新的REST会话与新连接）
func (c *Client) Retry(ctx context.Context) error {
	if c.machine.State() != session.StateError {
		return ErrNotFailed
	}
	return c.Start(ctx)
}

// Close 结束会话并等待结果下游完成
func (c *Client) Close(ctx context.Context) error {
	var err error
	if c.runtime() != nil && !c.machine.State().IsTerminal() {
		_, err = c.Stop(ctx)
	}

	c.opMu.Lock()
	c.teardown()
	c.opMu.Unlock()

	c.sinkWg.Wait()
	return err
}

func (c *Client) runtime() *runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// teardown 断开当前连接并等待派发循环退出
func (c *Client) teardown() {
	rt := c.runtime()
	if rt == nil {
		return
	}

	if rt.capture != nil && rt.capture.IsRecording() {
		rt.capture.Stop()
	}
	rt.conn.Disconnect()
	<-rt.loopDone
	rt.log.Debug().Fields(rt.conn.GetStats()).Msg("Connection released")

	if rt.recorder.IsActive() {
		rt.recorder.Stop()
		if c.config.RecordingDir != "" {
			if path, err := rt.recorder.SaveToDir(c.config.RecordingDir); err != nil {
				rt.log.Warn().Err(err).Msg("Save recording failed")
			} else {
				rt.log.Info().Str("path", path).Msg("Session recording saved")
			}
		}
	}
}

// endOnServer 未收到结果时通过REST结束会话
func (c *Client) endOnServer(ctx context.Context, rt *runtime) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), c.config.SinkTimeout)
		defer cancel()
	}

	duration := int(time.Since(rt.started).Seconds())
	if _, err := c.api.EndSession(ctx, rt.sess.ID, duration); err != nil {
		rt.log.Warn().Err(err).Msg("REST end-session failed")
	}
}

// send 编码、发送并录制一帧
func (c *Client) send(rt *runtime, msgType protocol.MessageType, payload any) error {
	frame, err := protocol.EncodeFrame(msgType, payload)
	if err != nil {
		return err
	}

	if err := rt.conn.Send(frame); err != nil {
		return err
	}

	c.metrics.FramesSent.WithLabelValues(msgType.String()).Inc()
	rt.recorder.RecordFrame(session.DirectionSend, frame)
	return nil
}

// chunkSender 音频分片直接写入连接，断线期间的分片丢弃不重发
func (c *Client) chunkSender(rt *runtime) audio.ChunkHandler {
	return func(chunk audio.Chunk) {
		err := c.send(rt, protocol.TypeAudioChunk, protocol.AudioChunkPayload{
			AudioData: chunk.Base64(),
			IsFinal:   chunk.IsFinal,
			Seq:       chunk.Seq,
		})
		if err != nil {
			rt.log.Debug().Err(err).Uint64("seq", chunk.Seq).Bool("final", chunk.IsFinal).Msg("Audio chunk lost")
		}
	}
}
