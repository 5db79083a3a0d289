// Package buffer accumulates telemetry events from concurrent
// producers and hands them off in batches, by size or by time, without
// ever blocking the producer on network I/O.
package buffer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentlens/agentlens/internal/event"
)

const (
	// DefaultBatchSize is the number of buffered events that triggers
	// an immediate flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background loop flushes a
	// non-empty buffer.
	DefaultFlushInterval = 5 * time.Second
)

// Sink receives a flushed batch. Implementations must not retain the
// slice beyond the call unless they take ownership of it; the buffer
// never reuses a handed-off slice. A returned error is logged and
// swallowed: the batch has already left the buffer, so retry is the
// sink's responsibility.
type Sink func(batch []*event.Record) error

// Buffer is a thread-safe event accumulator. Add never blocks on
// delivery; flushes hand the batch to the sink on a separate goroutine.
type Buffer struct {
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	maxBuffered   int
	logger        *slog.Logger

	mu        sync.Mutex
	events    []*event.Record
	lastFlush time.Time
	dropped   uint64
	running   bool

	done       chan struct{}
	loopDone   chan struct{}
	dispatches sync.WaitGroup
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithBatchSize sets the size threshold that triggers a flush.
func WithBatchSize(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithFlushInterval sets the background flush period.
func WithFlushInterval(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.flushInterval = d
		}
	}
}

// WithMaxBuffered caps the number of events held between flushes. When
// the cap is reached, Add drops the incoming event rather than block
// or grow without bound. Zero means 10x the batch size.
func WithMaxBuffered(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxBuffered = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Buffer) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a Buffer that delivers batches to sink.
func New(sink Sink, opts ...Option) *Buffer {
	b := &Buffer{
		sink:          sink,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		logger:        slog.Default(),
		lastFlush:     time.Now(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxBuffered == 0 {
		b.maxBuffered = b.batchSize * 10
	}
	return b
}

// Add appends an event to the buffer. Reaching the batch size triggers
// an immediate flush; the batch is handed off inside the critical
// section but delivered outside it, so Add only ever holds the mutex
// for in-memory work.
func (b *Buffer) Add(e *event.Record) {
	if e == nil {
		return
	}

	b.mu.Lock()
	if len(b.events) >= b.maxBuffered {
		b.dropped++
		dropped := b.dropped
		b.mu.Unlock()
		b.logger.Warn("event buffer full, dropping event",
			slog.String("event_id", e.EventID),
			slog.Uint64("dropped_total", dropped))
		return
	}

	b.events = append(b.events, e)
	if len(b.events) >= b.batchSize {
		b.flushLocked()
	}
	b.mu.Unlock()
}

// Flush hands off all buffered events to the sink. A flush with zero
// buffered events is a no-op.
func (b *Buffer) Flush() {
	b.mu.Lock()
	b.flushLocked()
	b.mu.Unlock()
}

// flushLocked swaps the buffered slice for an empty one and dispatches
// it asynchronously. Callers must hold b.mu.
func (b *Buffer) flushLocked() {
	if len(b.events) == 0 {
		return
	}

	batch := b.events
	b.events = nil
	b.lastFlush = time.Now()

	b.dispatches.Add(1)
	go func() {
		defer b.dispatches.Done()
		if err := b.sink(batch); err != nil {
			b.logger.Error("flush sink failed",
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()))
		}
	}()
}

// Len returns the number of currently buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Dropped returns how many events were discarded because the buffer
// was full.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Start launches the background flush loop. Calling Start on a running
// buffer is a no-op.
func (b *Buffer) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.done = make(chan struct{})
	b.loopDone = make(chan struct{})
	go b.flushLoop(b.done, b.loopDone)
}

// flushLoop wakes every flushInterval and flushes when the buffer is
// non-empty and no flush happened in the meantime.
func (b *Buffer) flushLoop(done <-chan struct{}, loopDone chan<- struct{}) {
	defer close(loopDone)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.mu.Lock()
			if len(b.events) > 0 && time.Since(b.lastFlush) >= b.flushInterval {
				b.flushLocked()
			}
			b.mu.Unlock()
		}
	}
}

// Stop signals the background loop to exit, waits for it and for any
// in-flight sink dispatches (each bounded by timeout), and performs a
// final flush to drain remaining events. The final drain is handed to
// the sink synchronously from the dispatch goroutine perspective, so
// after Stop returns the buffer is empty and the sink has been invoked
// for every batch.
func (b *Buffer) Stop(timeout time.Duration) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.done)
	loopDone := b.loopDone
	b.mu.Unlock()

	select {
	case <-loopDone:
	case <-time.After(timeout):
		b.logger.Warn("timed out waiting for flush loop to stop")
	}

	b.Flush()
	b.waitDispatches(timeout)
}

// waitDispatches blocks until all dispatch goroutines have handed
// their batch to the sink, or the timeout elapses.
func (b *Buffer) waitDispatches(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		b.dispatches.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Warn("timed out waiting for in-flight flushes",
			slog.Duration("timeout", timeout))
	}
}
