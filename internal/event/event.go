// Package event defines the immutable telemetry record emitted by
// instrumented agent code, plus constructors for the fixed set of
// event types the pipeline understands.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of execution event.
type Type string

const (
	// TypeAgentStart marks the beginning of an agent run.
	TypeAgentStart Type = "agent_start"

	// TypeAgentEnd marks the end of an agent run. Trace reconstruction
	// always renders this type as a top-level, last node.
	TypeAgentEnd Type = "agent_end"

	// TypeLLMCall records a single LLM request/response.
	TypeLLMCall Type = "llm_call"

	// TypeToolCall records a tool invocation.
	TypeToolCall Type = "tool_call"

	// TypeNodeExecution records one node of a graph-based agent.
	TypeNodeExecution Type = "node_execution"

	// TypeStep records an individual step within an agent.
	TypeStep Type = "step"
)

// placeholderPrefix marks a run name the backend should replace with
// the next sequential "run N" display name for the agent.
const placeholderPrefix = "temp_"

// Record is one immutable fact about something that happened during a
// run. Records are value objects: once handed to the buffer they are
// owned by the pipeline and must not be mutated by the producer.
type Record struct {
	EventID         string         `json:"event_id"`
	EventType       Type           `json:"event_type"`
	RunID           string         `json:"run_id"`
	RunName         string         `json:"run_name"`
	AgentName       string         `json:"agent_name"`
	Timestamp       time.Time      `json:"timestamp"`
	ParentEventID   string         `json:"parent_event_id,omitempty"`
	PreviousEventID string         `json:"previous_event_id,omitempty"`
	Data            map[string]any `json:"data"`
}

// New creates a record of the given type with a fresh event ID and the
// current UTC timestamp. Run and parent linkage are filled in later by
// the caller (typically from the execution context).
func New(eventType Type, data map[string]any) *Record {
	if data == nil {
		data = map[string]any{}
	}
	return &Record{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// JSON serializes the record for transport.
func (r *Record) JSON() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", r.EventID, err)
	}
	return b, nil
}

// NewRunID generates a unique run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// PlaceholderRunName generates a temporary run name the backend will
// replace with an auto-incremented "run N" display name.
func PlaceholderRunName() string {
	return placeholderPrefix + uuid.New().String()
}

// IsPlaceholderRunName reports whether name is a temporary placeholder
// awaiting a backend-assigned display name.
func IsPlaceholderRunName(name string) bool {
	return strings.HasPrefix(name, placeholderPrefix)
}

// FormatRunName renders the sequential display name for run number n.
func FormatRunName(n int) string {
	return fmt.Sprintf("run %d", n)
}

// LLMCall describes a completed LLM request for NewLLMCall.
type LLMCall struct {
	Model        string
	Prompt       string
	Completion   string
	SystemPrompt string
	TokensIn     int
	TokensOut    int
	LatencyMS    float64
	Cost         float64
}

// NewLLMCall builds an llm_call record.
func NewLLMCall(c LLMCall) *Record {
	return New(TypeLLMCall, map[string]any{
		"model":         c.Model,
		"prompt":        c.Prompt,
		"completion":    c.Completion,
		"system_prompt": c.SystemPrompt,
		"tokens_in":     c.TokensIn,
		"tokens_out":    c.TokensOut,
		"latency_ms":    c.LatencyMS,
		"cost":          c.Cost,
	})
}

// ToolCall describes a completed tool invocation for NewToolCall.
type ToolCall struct {
	Tool      string
	Input     map[string]any
	Output    map[string]any
	LatencyMS float64
}

// NewToolCall builds a tool_call record.
func NewToolCall(c ToolCall) *Record {
	return New(TypeToolCall, map[string]any{
		"tool_name":  c.Tool,
		"input":      orEmpty(c.Input),
		"output":     orEmpty(c.Output),
		"latency_ms": c.LatencyMS,
	})
}

// AgentStart describes the beginning of a run for NewAgentStart.
type AgentStart struct {
	Input    map[string]any
	Metadata map[string]any
}

// NewAgentStart builds an agent_start record.
func NewAgentStart(s AgentStart) *Record {
	return New(TypeAgentStart, map[string]any{
		"input":    orEmpty(s.Input),
		"metadata": orEmpty(s.Metadata),
	})
}

// AgentEnd describes the end of a run for NewAgentEnd.
type AgentEnd struct {
	Output          map[string]any
	TotalDurationMS float64
	TotalCost       float64
}

// NewAgentEnd builds an agent_end record.
func NewAgentEnd(e AgentEnd) *Record {
	return New(TypeAgentEnd, map[string]any{
		"output":            orEmpty(e.Output),
		"total_duration_ms": e.TotalDurationMS,
		"total_cost":        e.TotalCost,
	})
}

// NodeExecution describes one graph node execution for NewNodeExecution.
type NodeExecution struct {
	Node        string
	StateBefore map[string]any
	StateAfter  map[string]any
	DurationMS  float64
}

// NewNodeExecution builds a node_execution record.
func NewNodeExecution(n NodeExecution) *Record {
	return New(TypeNodeExecution, map[string]any{
		"node_name":    n.Node,
		"state_before": orEmpty(n.StateBefore),
		"state_after":  orEmpty(n.StateAfter),
		"duration_ms":  n.DurationMS,
	})
}

// Step describes an individual agent step for NewStep.
type Step struct {
	Name       string
	Input      map[string]any
	Output     map[string]any
	Metadata   map[string]any
	DurationMS float64
}

// NewStep builds a step record.
func NewStep(s Step) *Record {
	return New(TypeStep, map[string]any{
		"step_name":   s.Name,
		"input":       orEmpty(s.Input),
		"output":      orEmpty(s.Output),
		"metadata":    orEmpty(s.Metadata),
		"duration_ms": s.DurationMS,
	})
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
