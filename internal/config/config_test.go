package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SpeakMateClient/internal/logger"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "speakmate.yaml", "server:\n  token: abc\n")

	cfg, err := NewConfigManager(WithConfigPath(path), WithEnvFile("")).Load()
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.Server.Token)
	assert.Equal(t, time.Second, cfg.Reconnect.BaseInterval)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
	assert.Equal(t, 3*time.Second, cfg.Audio.SegmentDuration)
	assert.Equal(t, 5*time.Second, cfg.Session.EndTimeout)
	assert.Equal(t, "free_speaking", cfg.Session.Mode)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "speakmate.yaml", `
server:
  ws_url: ws://speech.example.com
audio:
  segment_duration: 1500ms
session:
  mode: ielts_test
kafka:
  enabled: true
  brokers: [kafka-1:9092, kafka-2:9092]
`)
	envPath := writeFile(t, dir, ".env", "SPEAKMATE_SERVER_TOKEN=from-dotenv\n")
	t.Setenv("SPEAKMATE_RECONNECT_MAX_ATTEMPTS", "3")
	t.Cleanup(func() { os.Unsetenv("SPEAKMATE_SERVER_TOKEN") })

	cfg, err := NewConfigManager(WithConfigPath(path), WithEnvFile(envPath)).Load()
	require.NoError(t, err)

	assert.Equal(t, "ws://speech.example.com", cfg.Server.WSURL)
	assert.Equal(t, "from-dotenv", cfg.Server.Token)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.Audio.SegmentDuration)
	assert.Equal(t, "ielts_test", cfg.Session.Mode)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "speakmate.yaml", `
reconnect:
  max_attempts: 0
audio:
  sample_rate: 12345
session:
  mode: karaoke
`)

	_, err := NewConfigManager(WithConfigPath(path), WithEnvFile("")).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect.max_attempts")
	assert.Contains(t, err.Error(), "audio.sample_rate")
	assert.Contains(t, err.Error(), "session.mode")
}

func TestMissingExplicitFileIsAnError(t *testing.T) {
	_, err := NewConfigManager(WithConfigPath(filepath.Join(t.TempDir(), "nope.yaml")), WithEnvFile("")).Load()
	assert.Error(t, err)
}

func TestReloadNotifiesListeners(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "speakmate.yaml", "logging:\n  level: info\n")

	cm := NewConfigManager(WithConfigPath(path), WithEnvFile(""))
	_, err := cm.Load()
	require.NoError(t, err)

	var seen string
	cm.OnChange(func(c *Config) { seen = c.Logging.Level })

	writeFile(t, dir, "speakmate.yaml", "logging:\n  level: debug\n")
	require.NoError(t, cm.Reload())

	cfg, err := cm.Get()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "debug", seen)
}

func TestManagerLogsThroughLaterInitializedLogger(t *testing.T) {
	previous := log.Logger
	defer func() { log.Logger = previous }()

	// 与命令行入口一致：先创建管理器，再按配置初始化日志
	cm := NewConfigManager(WithEnvFile(""))

	var buf bytes.Buffer
	logger.InitLoggerWithWriter(logger.Config{Level: "info", Format: "json"}, &buf)
	buf.Reset()

	cfgLog := cm.componentLog()
	cfgLog.Info().Msg("Config reloaded")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "config", entry["component"])
	assert.Equal(t, "Config reloaded", entry["message"])
}
