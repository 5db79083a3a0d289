package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentlens/agentlens/internal/event"
	"github.com/agentlens/agentlens/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteEnsureRunAllocatesSequentialNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureAgent(ctx, "coder"); err != nil {
		t.Fatalf("EnsureAgent() error = %v", err)
	}

	r1, err := s.EnsureRun(ctx, storage.NewRun{RunID: "id-1", AgentName: "coder", RunName: event.PlaceholderRunName()})
	if err != nil {
		t.Fatalf("EnsureRun() error = %v", err)
	}
	r2, err := s.EnsureRun(ctx, storage.NewRun{RunID: "id-2", AgentName: "coder", RunName: event.PlaceholderRunName()})
	if err != nil {
		t.Fatalf("EnsureRun() error = %v", err)
	}

	if r1.RunName != "run 1" {
		t.Errorf("first run name = %q, want %q", r1.RunName, "run 1")
	}
	if r2.RunName != "run 2" {
		t.Errorf("second run name = %q, want %q", r2.RunName, "run 2")
	}
}

func TestSQLiteEnsureRunExistingIsUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureAgent(ctx, "coder"); err != nil {
		t.Fatalf("EnsureAgent() error = %v", err)
	}
	first, err := s.EnsureRun(ctx, storage.NewRun{RunID: "id-1", AgentName: "coder", RunName: event.PlaceholderRunName()})
	if err != nil {
		t.Fatalf("EnsureRun() error = %v", err)
	}

	again, err := s.EnsureRun(ctx, storage.NewRun{RunID: "id-1", AgentName: "coder", RunName: event.PlaceholderRunName()})
	if err != nil {
		t.Fatalf("EnsureRun() second call error = %v", err)
	}
	if again.RunName != first.RunName {
		t.Errorf("second EnsureRun changed name: %q -> %q", first.RunName, again.RunName)
	}
}

func TestSQLiteInsertEventsDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureAgent(ctx, "coder"); err != nil {
		t.Fatalf("EnsureAgent() error = %v", err)
	}
	if _, err := s.EnsureRun(ctx, storage.NewRun{RunID: "id-1", AgentName: "coder", RunName: "run 1"}); err != nil {
		t.Fatalf("EnsureRun() error = %v", err)
	}

	evs := []*storage.Event{
		{EventID: "e1", RunID: "id-1", AgentName: "coder", EventType: "step", Timestamp: time.Now(), Data: map[string]any{"step_name": "plan"}},
		{EventID: "e2", RunID: "id-1", AgentName: "coder", EventType: "step", Timestamp: time.Now(), Data: map[string]any{}},
	}
	inserted, err := s.InsertEvents(ctx, evs)
	if err != nil {
		t.Fatalf("InsertEvents() error = %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}

	inserted, err = s.InsertEvents(ctx, evs)
	if err != nil {
		t.Fatalf("InsertEvents() redelivery error = %v", err)
	}
	if inserted != 0 {
		t.Errorf("redelivery inserted = %d, want 0", inserted)
	}

	count, err := s.CountRunEvents(ctx, "id-1")
	if err != nil {
		t.Fatalf("CountRunEvents() error = %v", err)
	}
	if count != 2 {
		t.Errorf("event count = %d, want 2", count)
	}
}

func TestSQLiteEventRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureAgent(ctx, "coder"); err != nil {
		t.Fatalf("EnsureAgent() error = %v", err)
	}
	if _, err := s.EnsureRun(ctx, storage.NewRun{RunID: "id-1", AgentName: "coder", RunName: "run 1"}); err != nil {
		t.Fatalf("EnsureRun() error = %v", err)
	}

	ts := time.Now().UTC().Truncate(time.Millisecond)
	in := &storage.Event{
		EventID:         "e1",
		RunID:           "id-1",
		AgentName:       "coder",
		EventType:       "llm_call",
		Timestamp:       ts,
		ParentEventID:   "p1",
		PreviousEventID: "prev1",
		Data:            map[string]any{"model": "gpt-4o", "tokens_in": float64(12)},
	}
	if _, err := s.InsertEvents(ctx, []*storage.Event{in}); err != nil {
		t.Fatalf("InsertEvents() error = %v", err)
	}

	events, err := s.ListRunEvents(ctx, "id-1")
	if err != nil {
		t.Fatalf("ListRunEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	got := events[0]
	if got.ParentEventID != "p1" || got.PreviousEventID != "prev1" {
		t.Errorf("link fields = %q/%q, want p1/prev1", got.ParentEventID, got.PreviousEventID)
	}
	if got.Data["model"] != "gpt-4o" {
		t.Errorf("data.model = %v, want gpt-4o", got.Data["model"])
	}
	if got.Data["tokens_in"] != float64(12) {
		t.Errorf("data.tokens_in = %v, want 12", got.Data["tokens_in"])
	}
}

func TestSQLiteListRunEventsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureAgent(ctx, "coder"); err != nil {
		t.Fatalf("EnsureAgent() error = %v", err)
	}
	if _, err := s.EnsureRun(ctx, storage.NewRun{RunID: "id-1", AgentName: "coder", RunName: "run 1"}); err != nil {
		t.Fatalf("EnsureRun() error = %v", err)
	}

	base := time.Now().UTC()
	evs := []*storage.Event{
		{EventID: "late", RunID: "id-1", AgentName: "coder", EventType: "step", Timestamp: base.Add(2 * time.Second)},
		{EventID: "early", RunID: "id-1", AgentName: "coder", EventType: "step", Timestamp: base},
		{EventID: "mid", RunID: "id-1", AgentName: "coder", EventType: "step", Timestamp: base.Add(time.Second)},
	}
	if _, err := s.InsertEvents(ctx, evs); err != nil {
		t.Fatalf("InsertEvents() error = %v", err)
	}

	events, err := s.ListRunEvents(ctx, "id-1")
	if err != nil {
		t.Fatalf("ListRunEvents() error = %v", err)
	}
	want := []string{"early", "mid", "late"}
	for i, id := range want {
		if events[i].EventID != id {
			t.Errorf("events[%d] = %s, want %s", i, events[i].EventID, id)
		}
	}
}

func TestSQLiteUpdateRunAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureAgent(ctx, "coder"); err != nil {
		t.Fatalf("EnsureAgent() error = %v", err)
	}
	if _, err := s.EnsureRun(ctx, storage.NewRun{RunID: "id-1", AgentName: "coder", RunName: "run 1"}); err != nil {
		t.Fatalf("EnsureRun() error = %v", err)
	}

	agg := storage.RunAggregates{TotalCost: 0.25, TokensIn: 80, TokensOut: 20, TotalDurationMS: 950}
	if err := s.UpdateRunAggregates(ctx, "id-1", agg); err != nil {
		t.Fatalf("UpdateRunAggregates() error = %v", err)
	}

	run, err := s.GetRun(ctx, "coder", "run 1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.TotalCost != 0.25 || run.TokensIn != 80 || run.TokensOut != 20 || run.TotalDurationMS != 950 {
		t.Errorf("aggregates not applied: %+v", run)
	}

	if err := s.UpdateRunAggregates(ctx, "missing", agg); !errors.Is(err, storage.ErrRunNotFound) {
		t.Errorf("UpdateRunAggregates(missing) error = %v, want ErrRunNotFound", err)
	}
}

func TestSQLiteRenameRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureAgent(ctx, "coder"); err != nil {
		t.Fatalf("EnsureAgent() error = %v", err)
	}
	if _, err := s.EnsureRun(ctx, storage.NewRun{RunID: "id-1", AgentName: "coder", RunName: "run 1"}); err != nil {
		t.Fatalf("EnsureRun() error = %v", err)
	}
	if _, err := s.EnsureRun(ctx, storage.NewRun{RunID: "id-2", AgentName: "coder", RunName: "run 2"}); err != nil {
		t.Fatalf("EnsureRun() error = %v", err)
	}

	run, err := s.RenameRun(ctx, "coder", "run 1", "first attempt")
	if err != nil {
		t.Fatalf("RenameRun() error = %v", err)
	}
	if run.RunName != "first attempt" {
		t.Errorf("renamed run = %q, want %q", run.RunName, "first attempt")
	}

	if _, err := s.RenameRun(ctx, "coder", "run 2", "first attempt"); !errors.Is(err, storage.ErrRunNameTaken) {
		t.Errorf("RenameRun to taken name error = %v, want ErrRunNameTaken", err)
	}
	if _, err := s.RenameRun(ctx, "coder", "missing", "x"); !errors.Is(err, storage.ErrRunNotFound) {
		t.Errorf("RenameRun missing run error = %v, want ErrRunNotFound", err)
	}

	run, err = s.RenameRun(ctx, "coder", "run 2", "run 2")
	if err != nil {
		t.Fatalf("RenameRun to current name error = %v, want nil", err)
	}
	if run.RunName != "run 2" {
		t.Errorf("run name after same-name rename = %q, want %q", run.RunName, "run 2")
	}
}

func TestSQLiteCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "nested", "agentlens.db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestSQLiteDeleteRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureAgent(ctx, "coder"); err != nil {
		t.Fatalf("EnsureAgent() error = %v", err)
	}
	if _, err := s.EnsureRun(ctx, storage.NewRun{RunID: "id-1", AgentName: "coder", RunName: "run 1"}); err != nil {
		t.Fatalf("EnsureRun() error = %v", err)
	}
	if _, err := s.InsertEvents(ctx, []*storage.Event{
		{EventID: "e1", RunID: "id-1", AgentName: "coder", EventType: "step", Timestamp: time.Now()},
	}); err != nil {
		t.Fatalf("InsertEvents() error = %v", err)
	}

	if err := s.DeleteRun(ctx, "coder", "run 1"); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	if _, err := s.GetRun(ctx, "coder", "run 1"); !errors.Is(err, storage.ErrRunNotFound) {
		t.Errorf("GetRun after delete error = %v, want ErrRunNotFound", err)
	}
	count, err := s.CountRunEvents(ctx, "id-1")
	if err != nil {
		t.Fatalf("CountRunEvents() error = %v", err)
	}
	if count != 0 {
		t.Errorf("event count after delete = %d, want 0", count)
	}

	if err := s.DeleteRun(ctx, "coder", "run 1"); !errors.Is(err, storage.ErrRunNotFound) {
		t.Errorf("second DeleteRun error = %v, want ErrRunNotFound", err)
	}
}

func TestSQLiteListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ListRuns(ctx, "ghost"); !errors.Is(err, storage.ErrAgentNotFound) {
		t.Errorf("ListRuns(ghost) error = %v, want ErrAgentNotFound", err)
	}

	if err := s.EnsureAgent(ctx, "coder"); err != nil {
		t.Fatalf("EnsureAgent() error = %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := s.EnsureRun(ctx, storage.NewRun{
			RunID:     fmt.Sprintf("id-%d", i),
			AgentName: "coder",
			RunName:   event.PlaceholderRunName(),
		}); err != nil {
			t.Fatalf("EnsureRun() error = %v", err)
		}
	}

	runs, err := s.ListRuns(ctx, "coder")
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
}

func TestSQLiteListAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureAgent(ctx, "reviewer"); err != nil {
		t.Fatalf("EnsureAgent() error = %v", err)
	}
	if err := s.EnsureAgent(ctx, "coder"); err != nil {
		t.Fatalf("EnsureAgent() error = %v", err)
	}
	if _, err := s.EnsureRun(ctx, storage.NewRun{RunID: "id-1", AgentName: "coder", RunName: "run 1"}); err != nil {
		t.Fatalf("EnsureRun() error = %v", err)
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents() error = %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("got %d agents, want 2", len(agents))
	}
	if agents[0].Name != "coder" || agents[0].RunCount != 1 {
		t.Errorf("agents[0] = %s/%d, want coder/1", agents[0].Name, agents[0].RunCount)
	}
	if agents[1].Name != "reviewer" || agents[1].RunCount != 0 {
		t.Errorf("agents[1] = %s/%d, want reviewer/0", agents[1].Name, agents[1].RunCount)
	}
}
