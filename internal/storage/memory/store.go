// Package memory is an in-memory Store implementation, used by tests
// and for zero-config local development.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agentlens/agentlens/internal/event"
	"github.com/agentlens/agentlens/internal/storage"
)

// Store is an in-memory implementation of storage.Store. All state is
// guarded by one RWMutex, which also serializes run-name allocation so
// concurrent placeholder runs get distinct "run N" names.
type Store struct {
	mu     sync.RWMutex
	agents map[string]*storage.Agent
	runs   map[string]*storage.Run      // by run_id
	events map[string][]*storage.Event  // by run_id, insertion order
	seen   map[string]struct{}          // event_id dedupe
	closed bool
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		agents: make(map[string]*storage.Agent),
		runs:   make(map[string]*storage.Run),
		events: make(map[string][]*storage.Event),
		seen:   make(map[string]struct{}),
	}
}

func (s *Store) EnsureAgent(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[name]; exists {
		return nil
	}
	s.agents[name] = &storage.Agent{
		Name:        name,
		Description: "Auto-created agent: " + name,
		CreatedAt:   time.Now().UTC(),
	}
	return nil
}

func (s *Store) EnsureRun(ctx context.Context, run storage.NewRun) (*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.runs[run.RunID]; ok {
		out := *existing
		return &out, nil
	}

	name := run.RunName
	if event.IsPlaceholderRunName(name) {
		names := make([]string, 0, len(s.runs))
		for _, r := range s.runs {
			if r.AgentName == run.AgentName {
				names = append(names, r.RunName)
			}
		}
		name = event.FormatRunName(storage.NextRunNumber(names))
	}

	r := &storage.Run{
		RunID:     run.RunID,
		AgentName: run.AgentName,
		RunName:   name,
		Status:    storage.RunStatusActive,
		CreatedAt: time.Now().UTC(),
	}
	s.runs[run.RunID] = r

	out := *r
	return &out, nil
}

func (s *Store) InsertEvents(ctx context.Context, events []*storage.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, e := range events {
		if _, dup := s.seen[e.EventID]; dup {
			continue
		}
		s.seen[e.EventID] = struct{}{}
		cp := *e
		s.events[e.RunID] = append(s.events[e.RunID], &cp)
		inserted++
	}
	return inserted, nil
}

func (s *Store) UpdateRunAggregates(ctx context.Context, runID string, agg storage.RunAggregates) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return storage.ErrRunNotFound
	}
	run.TotalCost = agg.TotalCost
	run.TokensIn = agg.TokensIn
	run.TokensOut = agg.TokensOut
	run.TotalDurationMS = agg.TotalDurationMS
	return nil
}

func (s *Store) GetRun(ctx context.Context, agentName, runName string) (*storage.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run := s.findRunLocked(agentName, runName)
	if run == nil {
		return nil, storage.ErrRunNotFound
	}
	out := *run
	return &out, nil
}

func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]*storage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[runID]
	out := make([]*storage.Event, len(evs))
	for i, e := range evs {
		cp := *e
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *Store) CountRunEvents(ctx context.Context, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events[runID]), nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*storage.AgentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.AgentSummary, 0, len(s.agents))
	for _, a := range s.agents {
		count := 0
		for _, r := range s.runs {
			if r.AgentName == a.Name {
				count++
			}
		}
		out = append(out, &storage.AgentSummary{Agent: *a, RunCount: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListRuns(ctx context.Context, agentName string) ([]*storage.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.agents[agentName]; !ok {
		return nil, storage.ErrAgentNotFound
	}

	out := make([]*storage.Run, 0)
	for _, r := range s.runs {
		if r.AgentName == agentName {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RunName > out[j].RunName
	})
	return out, nil
}

func (s *Store) RenameRun(ctx context.Context, agentName, runName, newName string) (*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.findRunLocked(agentName, runName)
	if run == nil {
		return nil, storage.ErrRunNotFound
	}
	if taken := s.findRunLocked(agentName, newName); taken != nil && taken.RunID != run.RunID {
		return nil, storage.ErrRunNameTaken
	}

	run.RunName = newName
	out := *run
	return &out, nil
}

func (s *Store) DeleteRun(ctx context.Context, agentName, runName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.findRunLocked(agentName, runName)
	if run == nil {
		return storage.ErrRunNotFound
	}

	for _, e := range s.events[run.RunID] {
		delete(s.seen, e.EventID)
	}
	delete(s.events, run.RunID)
	delete(s.runs, run.RunID)
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// findRunLocked resolves a run by agent and display name. Callers must
// hold s.mu.
func (s *Store) findRunLocked(agentName, runName string) *storage.Run {
	for _, r := range s.runs {
		if r.AgentName == agentName && r.RunName == runName {
			return r
		}
	}
	return nil
}
