package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"SpeakMateClient/internal/archive"
	"SpeakMateClient/internal/audio"
	"SpeakMateClient/internal/client"
	"SpeakMateClient/internal/config"
	"SpeakMateClient/internal/events"
	"SpeakMateClient/internal/logger"
	"SpeakMateClient/internal/metrics"
	"SpeakMateClient/internal/observer"
	"SpeakMateClient/internal/restapi"
	"SpeakMateClient/internal/router"
	"SpeakMateClient/internal/session"
	"SpeakMateClient/internal/wsclient"
)

// 命令行参数
var (
	configFlag = flag.String("config", "", "配置文件路径 (默认搜索 configs/speakmate.yaml)")
	modeFlag   = flag.String("mode", "", "会话模式 (free_speaking|ielts_test|training)")
	topicFlag  = flag.String("topic", "", "会话话题")
	textFlag   = flag.Bool("text", false, "不打开麦克风，从标准输入逐行发送文本")
	replayFlag = flag.String("replay", "", "回放录制文件（不连接后端）")
	speedFlag  = flag.Float64("speed", 1, "回放速度，0 表示无延迟")
	retryFlag  = flag.Int("retries", 1, "会话失败后自动重新创建会话的次数")
)

func main() {
	flag.Parse()

	var opts []config.ConfigManagerOption
	if *configFlag != "" {
		opts = append(opts, config.WithConfigPath(*configFlag))
	}
	manager := config.NewConfigManager(append(opts, config.WithWatchEnabled(true))...)

	cfg, err := manager.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	if *modeFlag != "" {
		cfg.Session.Mode = *modeFlag
	}
	if *topicFlag != "" {
		cfg.Session.Topic = *topicFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ 配置无效:\n%v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *replayFlag != "" {
		if err := replay(ctx, *replayFlag, session.ReplaySpeed(*speedFlag)); err != nil {
			log.Fatal().Err(err).Msg("Replay failed")
		}
		return
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Session failed")
	}
}

// run 运行一个会话直到收到中断信号
func run(ctx context.Context, cfg *config.Config) error {
	var clientOpts []client.Option

	hub := observer.NewHub()
	if cfg.Observer.Enabled {
		go hub.Run(ctx)
		srv := observer.NewServer(observer.ServerConfig{
			Addr:           cfg.Observer.Addr,
			AllowedOrigins: cfg.Observer.AllowedOrigins,
			MetricsEnabled: cfg.Metrics.Enabled,
		}, hub)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start observer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Archive.DSN != "" {
		store, err := archive.Connect(ctx, archive.Config{DSN: cfg.Archive.DSN, MaxConns: cfg.Archive.MaxConns})
		if err != nil {
			return fmt.Errorf("connect archive: %w", err)
		}
		defer store.Close()
		clientOpts = append(clientOpts, client.WithSinks(store))
	}

	publisher := events.New(&events.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
		Enabled: cfg.Kafka.Enabled,
	})
	defer publisher.Close()
	clientOpts = append(clientOpts, client.WithSinks(publisher))

	if !*textFlag {
		clientOpts = append(clientOpts, client.WithDevice(audio.NewMalgoDevice()))
	}

	api := restapi.New(&restapi.Config{
		BaseURL:    cfg.Server.HTTPURL,
		Token:      cfg.Server.Token,
		Timeout:    cfg.Server.RequestTimeout,
		MaxRetries: cfg.Server.RequestRetries,
	})

	transport := wsclient.DefaultClientConfig(cfg.Server.WSURL)
	transport.HandshakeTimeout = cfg.Server.HandshakeTimeout
	transport.WriteTimeout = cfg.Server.WriteTimeout
	transport.PingInterval = cfg.Server.PingInterval
	transport.ReconnectInterval = cfg.Reconnect.BaseInterval
	transport.MaxReconnectTries = cfg.Reconnect.MaxAttempts

	c := client.New(client.Config{
		Transport: *transport,
		Token:     cfg.Server.Token,
		Mode:      session.Mode(cfg.Session.Mode),
		Topic:     cfg.Session.Topic,
		Audio: audio.Config{
			Format: audio.Format{
				SampleRate:       cfg.Audio.SampleRate,
				Channels:         cfg.Audio.Channels,
				EchoCancellation: cfg.Audio.EchoCancellation,
				NoiseSuppression: cfg.Audio.NoiseSuppression,
			},
			SegmentDuration: cfg.Audio.SegmentDuration,
			Encoding:        audio.Encoding(cfg.Audio.Encoding),
		},
		EndTimeout:   cfg.Session.EndTimeout,
		RecordingDir: cfg.Session.RecordingDir,
	}, api, clientOpts...)

	failed := make(chan struct{}, 1)
	c.Subscribe(hub.Observe)
	c.Subscribe(printer())
	c.Subscribe(func(s session.Snapshot) {
		if s.State == session.StateError {
			select {
			case failed <- struct{}{}:
			default:
			}
		}
	})

	if err := c.Start(ctx); err != nil {
		switch {
		case errors.Is(err, audio.ErrPermissionDenied), errors.Is(err, audio.ErrDeviceBusy), errors.Is(err, audio.ErrDeviceUnavailable):
			fmt.Printf("⚠️  麦克风不可用 (%v)，请输入文本\n", err)
			*textFlag = true
		case c.Snapshot().State == session.StateError && *retryFlag > 0:
			// 连接失败：会话已进入 error，交给下面的重试循环
			fmt.Printf("⚠️  %v\n", err)
		default:
			return err
		}
	}

	if *textFlag {
		go readLines(ctx, c)
	}

	fmt.Println("🎙️  会话进行中，按 Ctrl+C 结束")
	awaitSession(ctx, c, failed, *retryFlag, time.Second)

	fmt.Println("\n🔄 正在结束会话，等待评分...")
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.EndTimeout+5*time.Second)
	defer cancel()

	result, err := c.Stop(stopCtx)
	closeErr := c.Close(stopCtx)
	if err != nil {
		return err
	}
	printResult(result)
	return closeErr
}

// retrier 可重新创建会话的客户端
type retrier interface {
	Retry(ctx context.Context) error
}

// awaitSession 等待中断信号；会话失败时在次数内重新创建整个会话
// 返回时 ctx 已结束，或者重试次数用完
func awaitSession(ctx context.Context, c retrier, failed <-chan struct{}, retries int, delay time.Duration) {
	pending := false
	for {
		if !pending {
			select {
			case <-ctx.Done():
				return
			case <-failed:
			}
		}
		pending = false

		if retries <= 0 {
			fmt.Println("❌ 会话失败，不再重试")
			return
		}
		retries--

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		fmt.Println("🔁 正在重新创建会话...")
		if err := c.Retry(ctx); err != nil {
			log.Warn().Err(err).Int("retriesLeft", retries).Msg("Retry failed")
			// 连接失败时状态机也会发出通知，这里只算一次
			select {
			case <-failed:
			default:
			}
			pending = true
		}
	}
}

// readLines 标准输入的每一行作为 text_input 发送
func readLines(ctx context.Context, c *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := c.SendText(line); err != nil {
			fmt.Printf("❌ 发送失败: %v\n", err)
		}
	}
}

// printer 只在内容变化时打印
func printer() session.Observer {
	var (
		mu          sync.Mutex
		lastState   session.State
		lastPartial string
		printed     int
	)
	return func(s session.Snapshot) {
		mu.Lock()
		defer mu.Unlock()

		if s.State != lastState {
			fmt.Printf("📡 [%s] 连接: %s\n", s.State, s.ConnectionState)
			lastState = s.State
		}
		if s.CurrentTranscription != "" && s.CurrentTranscription != lastPartial {
			fmt.Printf("   … %s\n", s.CurrentTranscription)
		}
		lastPartial = s.CurrentTranscription
		for ; printed < len(s.Turns); printed++ {
			turn := s.Turns[printed]
			fmt.Printf("%s %s\n", roleIcon(turn.Role), turn.Content)
		}
		if s.State == session.StateError && s.ErrorMessage != "" {
			fmt.Printf("❌ %s\n", s.ErrorMessage)
		}
	}
}

func roleIcon(r session.Role) string {
	switch r {
	case session.RoleUser:
		return "🧑"
	case session.RoleAssistant:
		return "🤖"
	default:
		return "ℹ️ "
	}
}

func printResult(r *session.SessionResult) {
	if r == nil {
		return
	}
	fmt.Println("\n📊 会话结果")
	fmt.Println("==================================")
	for k, v := range r.Scores {
		fmt.Printf("   %-20s %v\n", k, v)
	}
	fmt.Printf("   轮次: %d  错误: %d  时长: %ds\n", r.TurnCount, r.TotalErrors, r.DurationSeconds)
	for _, e := range r.Errors {
		fmt.Printf("   ✏️  [%s] %s → %s\n", e.Category, e.OriginalText, e.CorrectedText)
	}
}

// replay 把录制的入站帧重新送入路由与状态机，不连接后端
func replay(ctx context.Context, path string, speed session.ReplaySpeed) error {
	rec, err := session.LoadRecording(path)
	if err != nil {
		return err
	}

	machine := session.NewStateMachine()
	machine.Subscribe(printer())
	if err := machine.Begin(session.Session{ID: rec.SessionID}); err != nil {
		return err
	}

	r := router.New()
	client.BindMachine(r, machine, metrics.DefaultMetrics)

	fmt.Printf("⏯️  回放 %s (%d 帧)\n", rec.SessionID, len(rec.Frames))
	stats, err := session.Replay(ctx, rec, speed, r.Dispatch)
	if err != nil {
		return err
	}

	fmt.Printf("✅ 回放完成: 回放 %d 帧，跳过 %d，失败 %d，耗时 %v\n",
		stats.ReplayedFrames, stats.SkippedFrames, stats.FailedFrames, stats.Duration)
	printResult(machine.Result())
	return nil
}
