// Package delivery transmits event batches to the collector over HTTP
// with bounded retries, without blocking the caller.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentlens/agentlens/internal/event"
)

const (
	// DefaultMaxRetries bounds retry attempts after the first send.
	DefaultMaxRetries = 3

	// DefaultRequestTimeout bounds a single HTTP attempt.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultMaxInFlight bounds concurrent batch sends so a burst of
	// flushes cannot spawn unbounded goroutines.
	DefaultMaxInFlight = 8

	eventsPath = "/api/events"
)

// batchEnvelope is the wire format accepted by the ingestion endpoint.
type batchEnvelope struct {
	Events []*event.Record `json:"events"`
}

// Client sends event batches to the collector. Send is fire-and-forget:
// each batch is dispatched on its own goroutine, tracked so shutdown
// can wait for in-flight sends. Delivery failures are logged, never
// surfaced to the producer.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	timeout    time.Duration
	logger     *slog.Logger

	// backoff maps a completed attempt number to the wait before the
	// next one. Overridable for tests.
	backoff func(attempt int) time.Duration

	mu       sync.Mutex
	inflight sync.WaitGroup
	sem      chan struct{}
	closed   bool
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey attaches a bearer credential to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithMaxRetries sets the retry budget for transient failures.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRequestTimeout bounds each HTTP attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxInFlight bounds the number of concurrently sending batches.
func WithMaxInFlight(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.sem = make(chan struct{}, n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBackoff replaces the exponential backoff schedule.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(c *Client) {
		if fn != nil {
			c.backoff = fn
		}
	}
}

// New creates a Client pointed at the collector base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		endpoint:   strings.TrimRight(baseURL, "/") + eventsPath,
		httpClient: &http.Client{},
		maxRetries: DefaultMaxRetries,
		timeout:    DefaultRequestTimeout,
		logger:     slog.Default(),
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sem == nil {
		c.sem = make(chan struct{}, DefaultMaxInFlight)
	}
	return c
}

// Send serializes the batch and dispatches it in the background. The
// batch keeps its insertion order on the wire. Send returns
// immediately; the worker handle is tracked for WaitForPending.
func (c *Client) Send(batch []*event.Record) error {
	if len(batch) == 0 {
		return nil
	}

	body, err := json.Marshal(batchEnvelope{Events: batch})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("delivery client closed, dropping %d events", len(batch))
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.inflight.Done()
		c.sem <- struct{}{}
		defer func() { <-c.sem }()
		c.sendWithRetry(body, len(batch))
	}()

	return nil
}

// sendWithRetry posts the serialized batch, retrying transient
// failures (5xx, 429, connection and timeout errors) with exponential
// backoff. Permanent client errors and exhausted retries drop the
// batch with a log entry.
func (c *Client) sendWithRetry(body []byte, size int) {
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		status, err := c.post(body)

		switch {
		case err == nil && status < 300:
			return

		case err == nil && status >= 400 && status < 500 && status != http.StatusTooManyRequests:
			c.logger.Error("collector rejected batch, dropping",
				slog.Int("status", status),
				slog.Int("batch_size", size))
			return
		}

		if attempt == c.maxRetries {
			break
		}

		wait := c.backoff(attempt)
		if err != nil {
			c.logger.Warn("send failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", wait))
		} else {
			c.logger.Warn("collector unavailable, retrying",
				slog.Int("status", status),
				slog.Duration("backoff", wait))
		}
		time.Sleep(wait)
	}

	c.logger.Error("delivery failed after retries, dropping batch",
		slog.Int("max_retries", c.maxRetries),
		slog.Int("batch_size", size))
}

// post performs one HTTP attempt and returns the status code, or an
// error for connection-level failures.
func (c *Client) post(body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// WaitForPending blocks until all in-flight sends complete or the
// timeout elapses. Returns true when everything drained in time.
func (c *Client) WaitForPending(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		c.logger.Warn("timed out waiting for pending sends",
			slog.Duration("timeout", timeout))
		return false
	}
}

// Close marks the client closed and releases idle connections. Batches
// already in flight are allowed to finish; use WaitForPending first
// during graceful shutdown.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.httpClient.CloseIdleConnections()
}
