package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"SpeakMateClient/internal/logger"
	"SpeakMateClient/internal/testserver"
)

// 命令行参数
var (
	addrFlag       = flag.String("addr", "127.0.0.1:8000", "监听地址")
	tokenFlag      = flag.String("token", "", "访问令牌，空表示不校验")
	greetingFlag   = flag.String("greeting", "Hi! What would you like to talk about today?", "连接后的AI问候")
	autoReplyFlag  = flag.Bool("auto-reply", true, "收到用户文本后自动回复")
	transcribeFlag = flag.Bool("transcribe", true, "最终音频分片回一条转写")
	verboseFlag    = flag.Bool("verbose", false, "启用详细日志")
)

func main() {
	flag.Parse()

	level := "info"
	if *verboseFlag {
		level = "debug"
	}
	logger.InitLogger(logger.Config{Level: level, Format: "console"})

	cfg := testserver.DefaultServerConfig(*addrFlag)
	cfg.Token = *tokenFlag
	cfg.Greeting = *greetingFlag
	cfg.AutoReply = *autoReplyFlag
	cfg.TranscribeAudio = *transcribeFlag

	server := testserver.New(cfg)
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Start mock backend failed")
	}

	fmt.Println("🧪 SpeakMate 模拟后端")
	fmt.Println("==================================")
	fmt.Printf("🌐 REST:      http://%s/sessions/\n", server.Addr())
	fmt.Printf("🔌 WebSocket: ws://%s/ws/conversation/{id}\n", server.Addr())
	fmt.Printf("❤️  健康检查:  http://%s/health\n", server.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\n🔄 正在关闭服务器...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
}
