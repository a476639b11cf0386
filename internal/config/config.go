// Package config loads server configuration from the environment (with
// optional .env file) and overlays the positional command-line arguments
// `port S D threads`.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration. Env vars override the defaults;
// positional arguments override both.
type Config struct {
	// Listener. Addr, when set, wins over Port (tests bind 127.0.0.1:0).
	Addr string `env:"SALES_ADDR" envDefault:""`
	Port int    `env:"SALES_PORT" envDefault:"12345"`

	// Engine sizing. CacheSize is S, RetentionDays is D.
	CacheSize     int    `env:"SALES_CACHE_SIZE" envDefault:"10"`
	RetentionDays int    `env:"SALES_RETENTION_DAYS" envDefault:"365"`
	Workers       int    `env:"SALES_WORKERS" envDefault:"100"`
	DataDir       string `env:"SALES_DATA_DIR" envDefault:"data"`

	// Dead-peer detection on the read side.
	ReadTimeout time.Duration `env:"SALES_READ_TIMEOUT" envDefault:"60s"`

	// Accept-side protection. Zero values disable each mechanism.
	MaxConnections     int     `env:"SALES_MAX_CONNECTIONS" envDefault:"0"`
	ConnRateLimit      bool    `env:"SALES_CONN_RATE_LIMIT" envDefault:"false"`
	CPURejectThreshold float64 `env:"SALES_CPU_REJECT_THRESHOLD" envDefault:"0"`

	// Observability.
	MetricsAddr string `env:"SALES_METRICS_ADDR" envDefault:""`
	LogLevel    string `env:"SALES_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"SALES_LOG_FORMAT" envDefault:"json"`
}

// Load reads the optional .env file and parses the environment into a
// Config. The result is not yet validated; callers overlay positional
// arguments first.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ApplyArgs overlays the positional arguments `port S D threads`. Missing
// trailing arguments keep their configured values; extra arguments are
// logged as a warning and ignored; a non-positive value is an error.
func (c *Config) ApplyArgs(args []string, logger zerolog.Logger) error {
	targets := []struct {
		name string
		dst  *int
	}{
		{"port", &c.Port},
		{"cache size (S)", &c.CacheSize},
		{"retention days (D)", &c.RetentionDays},
		{"threads", &c.Workers},
	}

	if len(args) > len(targets) {
		logger.Warn().
			Strs("extra", args[len(targets):]).
			Msg("Extra command-line arguments ignored")
		args = args[:len(targets)]
	}

	for i, arg := range args {
		v, err := strconv.Atoi(arg)
		if err != nil || v <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", targets[i].name, arg)
		}
		*targets[i].dst = v
	}
	return nil
}

// Validate checks ranges.
func (c *Config) Validate() error {
	if c.Addr == "" && (c.Port < 1024 || c.Port > 65535) {
		return fmt.Errorf("port must be in 1024-65535, got %d", c.Port)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("cache size (S) must be > 0, got %d", c.CacheSize)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention days (D) must be > 0, got %d", c.RetentionDays)
	}
	if c.Workers < 1 {
		return fmt.Errorf("threads must be > 0, got %d", c.Workers)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be > 0, got %s", c.ReadTimeout)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log level must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("log format must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// ListenAddr returns the address the server binds.
func (c *Config) ListenAddr() string {
	if c.Addr != "" {
		return c.Addr
	}
	return fmt.Sprintf(":%d", c.Port)
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.ListenAddr()).
		Int("cache_size", c.CacheSize).
		Int("retention_days", c.RetentionDays).
		Int("workers", c.Workers).
		Str("data_dir", c.DataDir).
		Dur("read_timeout", c.ReadTimeout).
		Int("max_connections", c.MaxConnections).
		Bool("conn_rate_limit", c.ConnRateLimit).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
