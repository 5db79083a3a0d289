// Package agentlens is the producer SDK: it instruments agent code,
// buffers the emitted events, and ships them to a collector in the
// background. Recording never blocks agent execution and never
// returns delivery errors to the caller.
package agentlens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentlens/agentlens/internal/buffer"
	"github.com/agentlens/agentlens/internal/delivery"
	"github.com/agentlens/agentlens/internal/event"
	"github.com/agentlens/agentlens/internal/runctx"
	"github.com/agentlens/agentlens/internal/tokens"
)

// Event is a telemetry event as shipped to the collector.
type Event = event.Record

// Sink receives flushed event batches. The default sink posts to the
// collector's ingest endpoint; tests substitute their own.
type Sink func(batch []*Event) error

// Parameter structs for the typed record methods.
type (
	LLMCall       = event.LLMCall
	ToolCall      = event.ToolCall
	NodeExecution = event.NodeExecution
	Step          = event.Step
)

// Client instruments one agent. All methods are safe for concurrent
// use; concurrent runs are isolated through their contexts.
type Client struct {
	agentName string
	buf       *buffer.Buffer
	del       *delivery.Client
	est       *tokens.Estimator
	logger    *slog.Logger

	mu        sync.Mutex
	runStarts map[string]time.Time
}

// New builds a Client and starts its background flush loop.
func New(opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.agentName == "" {
		return nil, fmt.Errorf("agent name is required")
	}

	c := &Client{
		agentName: o.agentName,
		est:       tokens.NewEstimator(),
		logger:    o.logger,
		runStarts: make(map[string]time.Time),
	}

	sink := o.sink
	if sink == nil {
		delOpts := []delivery.Option{
			delivery.WithMaxRetries(o.maxRetries),
			delivery.WithRequestTimeout(o.requestTimeout),
			delivery.WithLogger(o.logger),
		}
		if o.apiKey != "" {
			delOpts = append(delOpts, delivery.WithAPIKey(o.apiKey))
		}
		c.del = delivery.New(o.backendURL, delOpts...)
		sink = c.del.Send
	}

	c.buf = buffer.New(buffer.Sink(sink),
		buffer.WithBatchSize(o.batchSize),
		buffer.WithFlushInterval(o.flushInterval),
		buffer.WithMaxBuffered(o.maxBuffered),
		buffer.WithLogger(o.logger),
	)
	c.buf.Start()

	return c, nil
}

// RunOptions customizes StartRun.
type RunOptions struct {
	// RunName pins a display name instead of the backend-assigned
	// sequential one.
	RunName string

	// ParentRunName links this run under another run for display.
	ParentRunName string

	// Input and Metadata are recorded on the run's agent_start event.
	Input    map[string]any
	Metadata map[string]any
}

// StartRun opens a run scope on the context and emits its agent_start
// event. The returned context carries the scope; pass it to the
// record methods and to EndRun. Runs started from independent
// contexts proceed concurrently without interference.
func (c *Client) StartRun(ctx context.Context, opts RunOptions) context.Context {
	runCtx, runID := runctx.Push(ctx, runctx.PushOptions{
		RunName:    opts.RunName,
		ParentName: opts.ParentRunName,
	})

	c.mu.Lock()
	c.runStarts[runID] = time.Now()
	c.mu.Unlock()

	rec := event.NewAgentStart(event.AgentStart{
		Input:    opts.Input,
		Metadata: opts.Metadata,
	})
	c.emit(runCtx, rec)
	return runCtx
}

// EndOptions customizes EndRun.
type EndOptions struct {
	Output    map[string]any
	TotalCost float64
}

// EndRun emits the run's terminal agent_end event and closes the
// scope. The returned context has the enclosing scope (if any) on
// top. Total duration is measured from StartRun.
func (c *Client) EndRun(ctx context.Context, opts EndOptions) context.Context {
	runID := runctx.CurrentRunID(ctx)
	if runID == "" {
		c.logger.Warn("EndRun called outside a run scope")
		return ctx
	}

	var durationMS float64
	c.mu.Lock()
	if start, ok := c.runStarts[runID]; ok {
		durationMS = float64(time.Since(start)) / float64(time.Millisecond)
		delete(c.runStarts, runID)
	}
	c.mu.Unlock()

	rec := event.NewAgentEnd(event.AgentEnd{
		Output:          opts.Output,
		TotalDurationMS: durationMS,
		TotalCost:       opts.TotalCost,
	})
	c.emit(ctx, rec)
	return runctx.Pop(ctx)
}

// RecordLLMCall records a completed LLM request. Token counts left at
// zero are estimated from the prompt and completion text. Returns the
// event ID for parent linking.
func (c *Client) RecordLLMCall(ctx context.Context, call LLMCall) string {
	if call.TokensIn == 0 && (call.Prompt != "" || call.SystemPrompt != "") {
		call.TokensIn = c.est.Count(call.Model, call.SystemPrompt+call.Prompt)
	}
	if call.TokensOut == 0 && call.Completion != "" {
		call.TokensOut = c.est.Count(call.Model, call.Completion)
	}
	return c.emit(ctx, event.NewLLMCall(call))
}

// RecordToolCall records a completed tool invocation.
func (c *Client) RecordToolCall(ctx context.Context, call ToolCall) string {
	return c.emit(ctx, event.NewToolCall(call))
}

// RecordNodeExecution records one graph-node execution.
func (c *Client) RecordNodeExecution(ctx context.Context, node NodeExecution) string {
	return c.emit(ctx, event.NewNodeExecution(node))
}

// RecordStep records an individual agent step.
func (c *Client) RecordStep(ctx context.Context, step Step) string {
	return c.emit(ctx, event.NewStep(step))
}

// SetParentEventID makes subsequently recorded events in this scope
// attach under the given event, nesting them in the trace view.
func (c *Client) SetParentEventID(ctx context.Context, eventID string) {
	runctx.SetParentEventID(ctx, eventID)
}

// CurrentRunID exposes the run ID of the scope on ctx, or "".
func (c *Client) CurrentRunID(ctx context.Context) string {
	return runctx.CurrentRunID(ctx)
}

// Flush forces buffered events toward the sink without waiting for
// delivery.
func (c *Client) Flush() {
	c.buf.Flush()
}

// Shutdown flushes remaining events and waits up to timeout for
// pending deliveries before releasing resources.
func (c *Client) Shutdown(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	c.buf.Stop(timeout)
	if c.del != nil {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if !c.del.WaitForPending(remaining) {
			c.logger.Warn("shutdown timed out with deliveries still pending")
		}
		c.del.Close()
	}
}

// Dropped reports how many events were discarded because the buffer
// was at capacity.
func (c *Client) Dropped() uint64 {
	return c.buf.Dropped()
}

// emit stamps run identity and ordering links onto rec and buffers
// it. Events recorded outside a run scope are dropped with a warning
// since they cannot be attributed to a run.
func (c *Client) emit(ctx context.Context, rec *event.Record) string {
	f := runctx.Current(ctx)
	if f == nil {
		c.logger.Warn("event recorded outside a run scope, dropping",
			slog.String("event_type", string(rec.EventType)))
		return ""
	}

	rec.RunID = f.RunID
	rec.RunName = f.RunName
	rec.AgentName = c.agentName
	rec.ParentEventID = runctx.ParentEventID(ctx)
	rec.PreviousEventID = runctx.NextLink(ctx, rec.EventID)

	c.buf.Add(rec)
	return rec.EventID
}
