package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 客户端完整配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Session   SessionConfig   `mapstructure:"session"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Observer  ObserverConfig  `mapstructure:"observer"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
}

// ServerConfig 后端地址
type ServerConfig struct {
	HTTPURL          string        `mapstructure:"http_url"`
	WSURL            string        `mapstructure:"ws_url"`
	Token            string        `mapstructure:"token"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	RequestRetries   int           `mapstructure:"request_retries"`
}

// ReconnectConfig 断线重连
type ReconnectConfig struct {
	BaseInterval time.Duration `mapstructure:"base_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// AudioConfig 音频采集
type AudioConfig struct {
	SampleRate       int           `mapstructure:"sample_rate"`
	Channels         int           `mapstructure:"channels"`
	SegmentDuration  time.Duration `mapstructure:"segment_duration"`
	EchoCancellation bool          `mapstructure:"echo_cancellation"`
	NoiseSuppression bool          `mapstructure:"noise_suppression"`
	Encoding         string        `mapstructure:"encoding"`
}

// SessionConfig 会话行为
type SessionConfig struct {
	Mode         string        `mapstructure:"mode"`
	Topic        string        `mapstructure:"topic"`
	EndTimeout   time.Duration `mapstructure:"end_timeout"`
	RecordingDir string        `mapstructure:"recording_dir"`
}

// LoggingConfig 日志
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ObserverConfig 本地观察者服务
type ObserverConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MetricsConfig 指标
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ArchiveConfig 本地会话归档（PostgreSQL）
type ArchiveConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// KafkaConfig 结果发布
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

var validSampleRates = map[int]bool{8000: true, 16000: true, 22050: true, 24000: true, 44100: true, 48000: true}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPURL == "" {
		errs = append(errs, errors.New("server.http_url is required"))
	}
	if c.Server.WSURL == "" {
		errs = append(errs, errors.New("server.ws_url is required"))
	}
	if c.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts must be positive, got %d", c.Reconnect.MaxAttempts))
	}
	if c.Reconnect.BaseInterval <= 0 {
		errs = append(errs, fmt.Errorf("reconnect.base_interval must be positive, got %v", c.Reconnect.BaseInterval))
	}
	if !validSampleRates[c.Audio.SampleRate] {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is not supported", c.Audio.SampleRate))
	}
	if c.Audio.Channels != 1 {
		errs = append(errs, fmt.Errorf("audio.channels must be 1 (mono), got %d", c.Audio.Channels))
	}
	if c.Audio.SegmentDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.segment_duration must be positive, got %v", c.Audio.SegmentDuration))
	}
	switch c.Audio.Encoding {
	case "wav", "pcm":
	default:
		errs = append(errs, fmt.Errorf("audio.encoding must be wav or pcm, got %q", c.Audio.Encoding))
	}
	switch c.Session.Mode {
	case "free_speaking", "ielts_test", "training":
	default:
		errs = append(errs, fmt.Errorf("session.mode %q is not supported", c.Session.Mode))
	}
	if c.Session.EndTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.end_timeout must be positive, got %v", c.Session.EndTimeout))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic are required when kafka is enabled"))
	}

	return errors.Join(errs...)
}

// setDefaultValues 设置默认值
func setDefaultValues(v *viper.Viper) {
	// Server默认值
	v.SetDefault("server.http_url", "http://127.0.0.1:8000")
	v.SetDefault("server.ws_url", "ws://127.0.0.1:8000")
	v.SetDefault("server.token", "")
	v.SetDefault("server.handshake_timeout", "10s")
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.ping_interval", "30s")
	v.SetDefault("server.request_timeout", "15s")
	v.SetDefault("server.request_retries", 2)

	// Reconnect默认值
	v.SetDefault("reconnect.base_interval", "1s")
	v.SetDefault("reconnect.max_attempts", 5)

	// Audio默认值
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.segment_duration", "3000ms")
	v.SetDefault("audio.echo_cancellation", true)
	v.SetDefault("audio.noise_suppression", true)
	v.SetDefault("audio.encoding", "wav")

	// Session默认值
	v.SetDefault("session.mode", "free_speaking")
	v.SetDefault("session.topic", "")
	v.SetDefault("session.end_timeout", "5s")
	v.SetDefault("session.recording_dir", "")

	// Logging默认值
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	// Observer默认值
	v.SetDefault("observer.enabled", false)
	v.SetDefault("observer.addr", "127.0.0.1:7070")
	v.SetDefault("observer.allowed_origins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("archive.dsn", "")
	v.SetDefault("archive.max_conns", 4)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "speakmate.session-results")
}

// newViper 创建带搜索路径与环境变量绑定的 viper 实例
func newViper(configPath string) *viper.Viper {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("speakmate")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	// SPEAKMATE_SERVER_WS_URL -> server.ws_url
	v.SetEnvPrefix("SPEAKMATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)
	return v
}

// decode 读取并解析配置
func decode(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		// 如果配置文件不存在，使用默认值
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
