package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"SpeakMateClient/internal/logger"
)

// ConfigManager 统一配置管理器
type ConfigManager struct {
	mu           sync.RWMutex
	config       *Config
	viper        *viper.Viper
	configPath   string
	envFile      string
	watchEnabled bool
	onChange     []func(*Config)
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.configPath = path
	}
}

// WithEnvFile 设置 .env 文件路径
func WithEnvFile(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.envFile = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{
		envFile: ".env",
	}

	for _, opt := range opts {
		opt(cm)
	}

	return cm
}

// Load 加载配置（.env -> 配置文件 -> 环境变量 -> 默认值）
func (cm *ConfigManager) Load() (*Config, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	if err := loadEnvFile(cm.envFile); err != nil {
		return nil, err
	}

	v := newViper(cm.configPath)
	cfg, err := decode(v)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	cm.config = cfg
	cm.viper = v

	if cm.watchEnabled {
		cm.watchConfig()
	}

	return cfg, nil
}

// Get 获取配置（如果未加载则自动加载）
func (cm *ConfigManager) Get() (*Config, error) {
	cm.mu.RLock()
	if cm.config != nil {
		defer cm.mu.RUnlock()
		return cm.config, nil
	}
	cm.mu.RUnlock()

	return cm.Load()
}

// OnChange 注册配置变化回调
func (cm *ConfigManager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onChange = append(cm.onChange, fn)
}

// Reload 重新加载配置
func (cm *ConfigManager) Reload() error {
	cm.mu.Lock()
	v := cm.viper
	if v == nil {
		v = newViper(cm.configPath)
	}

	cfg, err := decode(v)
	if err != nil {
		cm.mu.Unlock()
		return fmt.Errorf("重新加载配置失败: %w", err)
	}

	cm.config = cfg
	cm.viper = v
	callbacks := append([]func(*Config){}, cm.onChange...)
	cm.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
	return nil
}

// watchConfig 监控配置文件变化，热更新只作用于日志级别
func (cm *ConfigManager) watchConfig() {
	if cm.viper == nil || cm.viper.ConfigFileUsed() == "" {
		return
	}

	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		if err := cm.Reload(); err != nil {
			log := cm.componentLog()
			log.Warn().Err(err).Str("file", e.Name).Msg("Config reload failed, keeping previous config")
			return
		}

		cfg, _ := cm.Get()
		logger.SetLevel(cfg.Logging.Level)
		log := cm.componentLog()
		log.Info().Str("file", e.Name).Str("level", cfg.Logging.Level).Msg("Config reloaded")
	})
	cm.viper.WatchConfig()
}

// componentLog 每次取当前的全局日志器，管理器通常在日志初始化之前创建
func (cm *ConfigManager) componentLog() zerolog.Logger {
	return logger.WithComponent("config")
}

// loadEnvFile 预加载 .env，不存在时忽略
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}
