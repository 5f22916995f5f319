// Package config defines all configuration for the trading controller.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TB_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/logging"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	OKX       OKXConfig       `mapstructure:"okx"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// ServerConfig holds the HTTP API server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig holds the state-store connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// PostgresConfig holds the optional external user-directory connection.
// When DSN is empty the directory fallback is disabled.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// OKXConfig holds exchange endpoint settings. Per-user API credentials live
// in the state store, not here.
type OKXConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Demo           bool          `mapstructure:"demo"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// PoolConfig tunes the per-user exchange client pool.
type PoolConfig struct {
	MaxSize int           `mapstructure:"max_size"`
	MaxAge  time.Duration `mapstructure:"max_age"`
}

// MonitorConfig tunes the order monitor loop.
type MonitorConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	MemoryLimitMB   uint64        `mapstructure:"memory_limit_mb"`
	MaxRestarts     int           `mapstructure:"max_restarts"`
	StaleNotifyAge  time.Duration `mapstructure:"stale_notify_age"`
	CooldownTTL     time.Duration `mapstructure:"cooldown_ttl"`
	ClosureVerifyIn time.Duration `mapstructure:"closure_verify_in"`
	AlertUID        string        `mapstructure:"alert_uid"`
}

// TelegramConfig holds the chat bot credentials used by the dispatcher.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	BaseURL  string `mapstructure:"base_url"`
}

// SchedulerConfig tunes the task controller.
type SchedulerConfig struct {
	PidFile          string        `mapstructure:"pid_file"`
	CycleLockTTL     time.Duration `mapstructure:"cycle_lock_ttl"`
	DefaultTimeframe string        `mapstructure:"default_timeframe"`
	DefaultSymbol    string        `mapstructure:"default_symbol"`
}

// Load reads configuration from path (or configs/config.yaml when empty),
// applies TB_* environment overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine: defaults + env cover a full configuration.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("okx.base_url", "https://www.okx.com")
	v.SetDefault("okx.request_timeout", 10*time.Second)
	v.SetDefault("pool.max_size", 10)
	v.SetDefault("pool.max_age", time.Hour)
	v.SetDefault("monitor.tick_interval", 15*time.Second)
	v.SetDefault("monitor.memory_limit_mb", 512)
	v.SetDefault("monitor.max_restarts", 10)
	v.SetDefault("monitor.stale_notify_age", 15*time.Minute)
	v.SetDefault("monitor.cooldown_ttl", 5*time.Minute)
	v.SetDefault("monitor.closure_verify_in", 2*time.Second)
	v.SetDefault("telegram.base_url", "https://api.telegram.org")
	v.SetDefault("scheduler.pid_file", "bot.pid")
	v.SetDefault("scheduler.cycle_lock_ttl", 5*time.Minute)
	v.SetDefault("scheduler.default_timeframe", "15m")
	v.SetDefault("scheduler.default_symbol", "BTC-USDT-SWAP")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.json_format", true)
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis addr is required")
	}
	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("config: pool max_size must be positive")
	}
	if c.Monitor.TickInterval < time.Second {
		return fmt.Errorf("config: monitor tick_interval too small: %s", c.Monitor.TickInterval)
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("config: telegram enabled but bot_token empty")
	}
	return nil
}
