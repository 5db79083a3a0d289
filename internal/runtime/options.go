package runtime

import (
	"fmt"
	"log/slog"

	"github.com/agentlens/agentlens/internal/config"
	"github.com/agentlens/agentlens/internal/storage"
	"github.com/agentlens/agentlens/internal/storage/memory"
	"github.com/agentlens/agentlens/internal/storage/sqlite"
)

// Option is a functional option for configuring a Collector.
type Option func(*Collector) error

// WithConfigFile loads configuration from path and watches it for
// changes while the collector runs.
func WithConfigFile(path string) Option {
	return func(c *Collector) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		c.cfg = cfg
		c.cfgPath = path
		return nil
	}
}

// WithConfig uses an already-built configuration. No file watching.
func WithConfig(cfg *config.Config) Option {
	return func(c *Collector) error {
		c.cfg = cfg
		return nil
	}
}

// WithSQLite uses SQLite storage at the given path, overriding the
// configured adapter.
func WithSQLite(path string) Option {
	return func(c *Collector) error {
		store, err := sqlite.New(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		c.store = store
		return nil
	}
}

// WithMemoryStorage uses in-memory storage. Data is lost on shutdown;
// intended for tests and local development.
func WithMemoryStorage() Option {
	return func(c *Collector) error {
		c.store = memory.New()
		return nil
	}
}

// WithStore uses a caller-provided store implementation.
func WithStore(store storage.Store) Option {
	return func(c *Collector) error {
		c.store = store
		return nil
	}
}

// WithLogger sets the collector's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) error {
		c.logger = logger
		return nil
	}
}

// WithLogLevelVar hands the collector the level var backing the
// process logger so config reloads can adjust verbosity live.
func WithLogLevelVar(lv *slog.LevelVar) Option {
	return func(c *Collector) error {
		c.logLevel = lv
		return nil
	}
}
