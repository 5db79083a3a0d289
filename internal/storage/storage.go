// Package storage defines the persistence boundary of the collector:
// agents, runs, and their events. Adapters live in subpackages
// (sqlite for durable storage, memory for tests and zero-config dev).
package storage

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"time"
)

var (
	// ErrAgentNotFound is returned when the referenced agent does not exist.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrRunNotFound is returned when the referenced run does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNameTaken is returned when renaming a run to a name already
	// used by another run of the same agent.
	ErrRunNameTaken = errors.New("run name already exists for agent")
)

// RunStatusActive is the status assigned to auto-created runs.
const RunStatusActive = "active"

// Agent is an event producer identity, created implicitly on first
// reference.
type Agent struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AgentSummary is an agent with its run count, for listings.
type AgentSummary struct {
	Agent
	RunCount int `json:"run_count"`
}

// Run groups the events of one logical agent execution. Aggregate
// fields are recomputed from the run's events after each ingested
// batch.
type Run struct {
	RunID           string    `json:"run_id"`
	AgentName       string    `json:"agent_name"`
	RunName         string    `json:"run_name"`
	Status          string    `json:"status"`
	TotalDurationMS float64   `json:"total_duration_ms"`
	TotalCost       float64   `json:"total_cost"`
	TokensIn        float64   `json:"tokens_in"`
	TokensOut       float64   `json:"tokens_out"`
	CreatedAt       time.Time `json:"created_at"`
}

// Event is a persisted event row.
type Event struct {
	EventID         string         `json:"event_id"`
	RunID           string         `json:"run_id"`
	AgentName       string         `json:"agent_name"`
	EventType       string         `json:"event_type"`
	Timestamp       time.Time      `json:"timestamp"`
	ParentEventID   string         `json:"parent_event_id,omitempty"`
	PreviousEventID string         `json:"previous_event_id,omitempty"`
	Data            map[string]any `json:"data"`
}

// NewRun describes a run to provision during ingestion.
type NewRun struct {
	RunID     string
	AgentName string
	// RunName may be a temporary placeholder, in which case the store
	// allocates the next sequential "run N" name for the agent.
	RunName string
}

// RunAggregates are the recomputed run-level totals.
type RunAggregates struct {
	TotalCost       float64
	TokensIn        float64
	TokensOut       float64
	TotalDurationMS float64
}

// Store is the collector's persistence interface.
type Store interface {
	// EnsureAgent creates the agent if missing. Concurrent duplicate
	// creation is treated as success.
	EnsureAgent(ctx context.Context, name string) error

	// EnsureRun creates the run if missing and returns the persisted
	// row. An existing run is returned unchanged: auto-creation never
	// overwrites a run's name. Placeholder-name allocation is
	// serialized per agent so generated names stay unique.
	EnsureRun(ctx context.Context, run NewRun) (*Run, error)

	// InsertEvents bulk-inserts events, ignoring duplicate event IDs,
	// and returns the number of rows actually written.
	InsertEvents(ctx context.Context, events []*Event) (int, error)

	// UpdateRunAggregates writes recomputed totals to the run row.
	UpdateRunAggregates(ctx context.Context, runID string, agg RunAggregates) error

	// GetRun fetches a run by agent and display name.
	GetRun(ctx context.Context, agentName, runName string) (*Run, error)

	// ListRunEvents returns the run's events ordered by timestamp
	// ascending.
	ListRunEvents(ctx context.Context, runID string) ([]*Event, error)

	// CountRunEvents returns how many events the run has.
	CountRunEvents(ctx context.Context, runID string) (int, error)

	// ListAgents returns all agents with their run counts, ordered by
	// name.
	ListAgents(ctx context.Context) ([]*AgentSummary, error)

	// ListRuns returns the agent's runs, newest first.
	ListRuns(ctx context.Context, agentName string) ([]*Run, error)

	// RenameRun changes a run's display name. Fails with
	// ErrRunNameTaken when the target name is in use.
	RenameRun(ctx context.Context, agentName, runName, newName string) (*Run, error)

	// DeleteRun removes the run and all its events.
	DeleteRun(ctx context.Context, agentName, runName string) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

var runNamePattern = regexp.MustCompile(`^run (\d+)$`)

// RunNumber extracts N from a "run N" display name. Returns 0, false
// for names that do not match the sequential pattern.
func RunNumber(name string) (int, bool) {
	m := runNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// NextRunNumber scans existing display names and returns the next
// sequential run number for an agent.
func NextRunNumber(names []string) int {
	max := 0
	for _, name := range names {
		if n, ok := RunNumber(name); ok && n > max {
			max = n
		}
	}
	return max + 1
}
