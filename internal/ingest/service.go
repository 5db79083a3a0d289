// Package ingest accepts event batches from the delivery client and
// makes them durable, auto-provisioning the agents and runs they
// reference.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agentlens/agentlens/internal/event"
	"github.com/agentlens/agentlens/internal/storage"
)

// ErrEmptyBatch is returned for a batch with no events; the HTTP layer
// maps it to a client error.
var ErrEmptyBatch = errors.New("event batch cannot be empty")

// Result summarizes one ingested batch.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Count   int    `json:"count"`
	Failed  int    `json:"failed"`
}

// Service persists event batches.
type Service struct {
	store  storage.Store
	logger *slog.Logger
}

// New creates an ingestion service over the given store.
func New(store storage.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Ingest persists a batch. Agents and runs referenced by the batch are
// created on first sight; duplicate event IDs (a batch re-delivered
// after a retry) are ignored rather than rejected. Run aggregates are
// recomputed best-effort after the insert and never fail the call.
func (s *Service) Ingest(ctx context.Context, events []*event.Record) (*Result, error) {
	if len(events) == 0 {
		return nil, ErrEmptyBatch
	}

	agents := map[string]struct{}{}
	runs := map[string]storage.NewRun{} // keyed by run_id
	for _, e := range events {
		agents[e.AgentName] = struct{}{}
		if _, seen := runs[e.RunID]; !seen {
			runs[e.RunID] = storage.NewRun{
				RunID:     e.RunID,
				AgentName: e.AgentName,
				RunName:   e.RunName,
			}
		}
	}

	for name := range agents {
		if err := s.store.EnsureAgent(ctx, name); err != nil {
			return nil, fmt.Errorf("ensure agent %s: %w", name, err)
		}
	}
	for _, run := range runs {
		if _, err := s.store.EnsureRun(ctx, run); err != nil {
			return nil, fmt.Errorf("ensure run %s: %w", run.RunID, err)
		}
	}

	rows := make([]*storage.Event, 0, len(events))
	for _, e := range events {
		eventID := e.EventID
		if eventID == "" {
			eventID = uuid.New().String()
		}
		rows = append(rows, &storage.Event{
			EventID:         eventID,
			RunID:           e.RunID,
			AgentName:       e.AgentName,
			EventType:       string(e.EventType),
			Timestamp:       e.Timestamp,
			ParentEventID:   e.ParentEventID,
			PreviousEventID: e.PreviousEventID,
			Data:            e.Data,
		})
	}

	inserted, err := s.store.InsertEvents(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("insert events: %w", err)
	}

	for runID := range runs {
		if err := s.refreshAggregates(ctx, runID); err != nil {
			s.logger.Warn("failed to refresh run aggregates",
				slog.String("run_id", runID),
				slog.String("error", err.Error()))
		}
	}

	s.logger.Info("ingested event batch",
		slog.Int("events", len(events)),
		slog.Int("inserted", inserted))

	return &Result{
		Status:  "success",
		Message: fmt.Sprintf("Ingested %d events", len(events)),
		Count:   len(events),
		Failed:  0,
	}, nil
}

// refreshAggregates recomputes a run's totals from its full event set:
// cost and token counts summed out of event data, duration from the
// timestamp span.
func (s *Service) refreshAggregates(ctx context.Context, runID string) error {
	events, err := s.store.ListRunEvents(ctx, runID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	var agg storage.RunAggregates
	for _, e := range events {
		agg.TotalCost += numberField(e.Data, "cost")
		agg.TokensIn += numberField(e.Data, "tokens_in")
		agg.TokensOut += numberField(e.Data, "tokens_out")
	}

	first, last := events[0].Timestamp, events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	agg.TotalDurationMS = float64(last.Sub(first).Microseconds()) / 1000

	return s.store.UpdateRunAggregates(ctx, runID, agg)
}

// numberField extracts a numeric field from event data, tolerating the
// numeric types JSON decoding and in-process producers yield.
func numberField(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
