// Package config loads pipeline configuration from an optional
// config.yaml file and LENS_-prefixed environment variables. Every
// setting has a default, so both the SDK and the collector run with
// zero configuration against a local backend.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file consulted when none is specified.
const DefaultPath = "config.yaml"

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	Log     LogConfig     `koanf:"log"`
	SDK     SDKConfig     `koanf:"sdk"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

// SDKConfig configures the producer side of the pipeline.
type SDKConfig struct {
	BackendURL     string  `koanf:"backend_url"`
	APIKey         string  `koanf:"api_key"`
	AgentName      string  `koanf:"agent_name"`
	BatchSize      int     `koanf:"batch_size"`
	FlushInterval  float64 `koanf:"flush_interval"` // seconds
	MaxRetries     int     `koanf:"max_retries"`
	RequestTimeout float64 `koanf:"request_timeout"` // seconds
	MaxBuffered    int     `koanf:"max_buffered"`    // 0 = 10x batch size
}

// FlushIntervalDuration returns the flush interval as a Duration.
func (c SDKConfig) FlushIntervalDuration() time.Duration {
	return time.Duration(c.FlushInterval * float64(time.Second))
}

// RequestTimeoutDuration returns the request timeout as a Duration.
func (c SDKConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout * float64(time.Second))
}

// Load reads DefaultPath (if present) and the environment.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads the given YAML file (missing file is not an error),
// overlays LENS_ environment variables (LENS_SERVER__PORT=8000 maps to
// server.port), applies defaults, and validates.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("LENS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "LENS_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	defaults := map[string]any{
		"server.port":         8000,
		"storage.type":        "sqlite",
		"storage.sqlite.path": "./data/agentlens.db",
		"log.level":           "info",
		"sdk.backend_url":     "http://localhost:8000",
		"sdk.agent_name":      "default_agent",
		"sdk.batch_size":      100,
		"sdk.flush_interval":  5.0,
		"sdk.max_retries":     3,
		"sdk.request_timeout": 10.0,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SDK.BatchSize <= 0 {
		return fmt.Errorf("sdk.batch_size must be greater than 0, got %d", c.SDK.BatchSize)
	}
	if c.SDK.FlushInterval <= 0 {
		return fmt.Errorf("sdk.flush_interval must be greater than 0, got %v", c.SDK.FlushInterval)
	}
	if !strings.HasPrefix(c.SDK.BackendURL, "http://") && !strings.HasPrefix(c.SDK.BackendURL, "https://") {
		return fmt.Errorf("sdk.backend_url must start with http:// or https://, got %q", c.SDK.BackendURL)
	}
	switch c.Storage.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.type must be sqlite or memory, got %q", c.Storage.Type)
	}
	return nil
}

// LogLevel maps the configured level string to a slog level,
// defaulting to info for unknown values.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
