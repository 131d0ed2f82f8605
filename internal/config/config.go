package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Identity IdentityConfig `mapstructure:"identity"`
	Query    QueryConfig    `mapstructure:"query"`
	Session  SessionConfig  `mapstructure:"session"`
	Filter   FilterConfig   `mapstructure:"filter"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BackendConfig points at the knowledge backend that executes queries and
// stores conversation history.
type BackendConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// IdentityConfig points at the identity provider that issues token sets.
type IdentityConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	RefreshLookahead    time.Duration `mapstructure:"refresh_lookahead"`
	AutoRefreshInterval time.Duration `mapstructure:"auto_refresh_interval"`
}

type QueryConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollAttempts int           `mapstructure:"max_poll_attempts"`
}

type SessionConfig struct {
	ReloadThreshold time.Duration `mapstructure:"reload_threshold"`
	TabTTL          time.Duration `mapstructure:"tab_ttl"`
}

type FilterConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

type SecurityConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	File    string `mapstructure:"file"`
	MaxAge  int    `mapstructure:"max_age_days"`
	Rotate  int    `mapstructure:"rotate_hours"`
	Console bool   `mapstructure:"console"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	// Set config file path
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	// Override with environment variables
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	// The query route blocks through the full poll budget (~180s), so the
	// write timeout must outlast it.
	v.SetDefault("server.write_timeout", "210s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Backend
	v.SetDefault("backend.request_timeout", "30s")

	// Identity
	v.SetDefault("identity.request_timeout", "15s")
	v.SetDefault("identity.refresh_lookahead", "5m")
	v.SetDefault("identity.auto_refresh_interval", "5m")

	// Query polling
	v.SetDefault("query.poll_interval", "3s")
	v.SetDefault("query.max_poll_attempts", 60)

	// Sessions
	v.SetDefault("session.reload_threshold", "100ms")
	v.SetDefault("session.tab_ttl", "12h")

	// Filter defaults cache
	v.SetDefault("filter.default_ttl", "5m")

	// Security
	v.SetDefault("security.rate_limit.requests_per_minute", 60)
	v.SetDefault("security.rate_limit.burst", 10)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_age_days", 7)
	v.SetDefault("logging.rotate_hours", 24)
	v.SetDefault("logging.console", true)
}

func bindEnvVars(v *viper.Viper) {
	// Redis
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// External collaborators
	v.BindEnv("backend.base_url", "BACKEND_BASE_URL")
	v.BindEnv("identity.base_url", "IDENTITY_BASE_URL")
}
