// Package runtime provides the Collector struct and lifecycle
// management for the event collector service.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/agentlens/agentlens/internal/api"
	"github.com/agentlens/agentlens/internal/config"
	"github.com/agentlens/agentlens/internal/ingest"
	"github.com/agentlens/agentlens/internal/server"
	"github.com/agentlens/agentlens/internal/storage"
	"github.com/agentlens/agentlens/internal/storage/memory"
	"github.com/agentlens/agentlens/internal/storage/sqlite"
)

// Collector is the main entry point for running the event collector.
// It manages configuration, storage, and HTTP server lifecycle, and
// can be embedded in larger applications or run standalone.
type Collector struct {
	cfg      *config.Config
	cfgPath  string
	store    storage.Store
	logger   *slog.Logger
	logLevel *slog.LevelVar

	server *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a Collector with the given options. Without a config
// option the default config path is loaded; without a storage option
// the configured adapter (sqlite or memory) is opened on Start.
func New(opts ...Option) (*Collector, error) {
	c := &Collector{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if c.cfg == nil {
		path := c.cfgPath
		if path == "" {
			path = config.DefaultPath
		}
		cfg, err := config.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		c.cfg = cfg
		c.cfgPath = path
	}

	return c, nil
}

// Start opens storage, builds the HTTP stack, and begins serving.
// It returns once the listener is up; serve errors are logged.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.store == nil {
		store, err := openStore(c.cfg)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		c.store = store
	}

	if c.logLevel != nil {
		c.logLevel.Set(c.cfg.LogLevel())
	}

	svc := ingest.New(c.store, c.logger)
	handler := api.New(svc, c.store, c.logger)

	srv := server.New(c.logger, server.Options{
		APIKey:         c.cfg.SDK.APIKey,
		RequestTimeout: 30 * time.Second,
	})
	handler.Routes(srv.Router)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.cfg.Server.Port),
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	// Watch only a config file that exists; the default path is
	// optional and usually absent.
	if c.cfgPath != "" {
		if _, err := os.Stat(c.cfgPath); err == nil {
			go c.watchConfig()
		}
	}

	c.logger.Info("collector started",
		slog.Int("port", c.cfg.Server.Port),
		slog.String("storage", c.cfg.Storage.Type))

	return nil
}

// Shutdown gracefully stops the collector.
func (c *Collector) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("shutting down collector")

	if c.cancel != nil {
		c.cancel()
	}

	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			c.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			return err
		}
	}

	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}

	c.logger.Info("collector shutdown complete")
	return nil
}

// Store exposes the backing store, mainly for embedding applications
// and tests.
func (c *Collector) Store() storage.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

// watchConfig reloads on config file changes. Only the log level is
// applied live; port and storage changes require a restart.
func (c *Collector) watchConfig() {
	onChange := func(newCfg *config.Config) {
		c.mu.Lock()
		old := c.cfg
		c.cfg = newCfg
		c.mu.Unlock()

		if c.logLevel != nil && newCfg.Log.Level != old.Log.Level {
			c.logLevel.Set(newCfg.LogLevel())
			c.logger.Info("log level changed", slog.String("level", newCfg.Log.Level))
		}
		if newCfg.Server.Port != old.Server.Port || newCfg.Storage != old.Storage {
			c.logger.Warn("server or storage config changed, restart required to apply")
		}
	}

	if err := config.Watch(c.ctx, c.cfgPath, c.logger, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite", "":
		return sqlite.New(cfg.Storage.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}
