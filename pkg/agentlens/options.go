package agentlens

import (
	"log/slog"
	"time"

	"github.com/agentlens/agentlens/internal/buffer"
	"github.com/agentlens/agentlens/internal/config"
	"github.com/agentlens/agentlens/internal/delivery"
	"github.com/agentlens/agentlens/internal/event"
)

type options struct {
	agentName      string
	backendURL     string
	apiKey         string
	batchSize      int
	flushInterval  time.Duration
	maxRetries     int
	requestTimeout time.Duration
	maxBuffered    int
	logger         *slog.Logger
	sink           Sink
}

func defaultOptions() options {
	return options{
		backendURL:     "http://localhost:8000",
		batchSize:      buffer.DefaultBatchSize,
		flushInterval:  buffer.DefaultFlushInterval,
		maxRetries:     delivery.DefaultMaxRetries,
		requestTimeout: delivery.DefaultRequestTimeout,
		maxBuffered:    10 * buffer.DefaultBatchSize,
		logger:         slog.Default(),
	}
}

// Option configures a Client.
type Option func(*options)

// WithAgentName sets the agent identity stamped on every event.
// Required.
func WithAgentName(name string) Option {
	return func(o *options) { o.agentName = name }
}

// WithBackendURL points the client at a collector. Defaults to
// http://localhost:8000.
func WithBackendURL(url string) Option {
	return func(o *options) { o.backendURL = url }
}

// WithAPIKey sends the key as a bearer credential on every batch.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithBatchSize sets how many buffered events trigger a flush.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithFlushInterval sets the age at which a partial batch is flushed.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.flushInterval = d
		}
	}
}

// WithMaxRetries sets how many extra delivery attempts a failed batch
// gets before being dropped.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithRequestTimeout bounds each delivery request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithMaxBuffered caps the buffer; events beyond the cap are dropped.
func WithMaxBuffered(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBuffered = n
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSink replaces HTTP delivery with a caller-provided sink.
// Flushed batches go to the sink directly; retries and backoff are
// the sink's concern.
func WithSink(sink Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithConfig applies the sdk section of a loaded configuration.
// Explicit options placed after it still win.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		if cfg == nil {
			return
		}
		if cfg.SDK.AgentName != "" {
			o.agentName = cfg.SDK.AgentName
		}
		if cfg.SDK.BackendURL != "" {
			o.backendURL = cfg.SDK.BackendURL
		}
		if cfg.SDK.APIKey != "" {
			o.apiKey = cfg.SDK.APIKey
		}
		if cfg.SDK.BatchSize > 0 {
			o.batchSize = cfg.SDK.BatchSize
		}
		if d := cfg.SDK.FlushIntervalDuration(); d > 0 {
			o.flushInterval = d
		}
		if cfg.SDK.MaxRetries >= 0 {
			o.maxRetries = cfg.SDK.MaxRetries
		}
		if d := cfg.SDK.RequestTimeoutDuration(); d > 0 {
			o.requestTimeout = d
		}
		if cfg.SDK.MaxBuffered > 0 {
			o.maxBuffered = cfg.SDK.MaxBuffered
		}
	}
}

// NewRunID returns a fresh run identifier, for callers that need to
// know a run's ID before starting it.
func NewRunID() string {
	return event.NewRunID()
}
