package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	FanoutLocal = "local"
	FanoutRedis = "redis"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	JWTSecret     string `env:"JWT_SECRET"`
	JWKSIssuerURL string `env:"JWKS_ISSUER_URL"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	FanoutMode string `env:"FANOUT_MODE" envDefault:"local"`

	PushEndpoint  string        `env:"PUSH_ENDPOINT"`
	PushServerKey string        `env:"PUSH_SERVER_KEY"`
	NotifyTimeout time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"15s"`

	SendBuffer      int           `env:"SEND_BUFFER" envDefault:"256"`
	HistoryPageSize int           `env:"HISTORY_PAGE_SIZE" envDefault:"50"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envSeparator:","`
	UploadDir       string        `env:"UPLOAD_DIR" envDefault:"uploads"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.JWTSecret == "" && c.JWKSIssuerURL == "" {
		return errors.New("config: one of JWT_SECRET or JWKS_ISSUER_URL is required")
	}
	if c.FanoutMode != FanoutLocal && c.FanoutMode != FanoutRedis {
		return fmt.Errorf("config: FANOUT_MODE must be %q or %q, got %q", FanoutLocal, FanoutRedis, c.FanoutMode)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("config: SEND_BUFFER must be positive, got %d", c.SendBuffer)
	}
	if c.HistoryPageSize <= 0 {
		return fmt.Errorf("config: HISTORY_PAGE_SIZE must be positive, got %d", c.HistoryPageSize)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + c.Port
}
