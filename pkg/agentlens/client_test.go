package agentlens

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentlens/agentlens/internal/event"
)

// captureSink collects flushed batches for inspection.
type captureSink struct {
	mu      sync.Mutex
	batches [][]*Event
}

func (s *captureSink) sink(batch []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*Event
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func newTestClient(t *testing.T, sink *captureSink, extra ...Option) *Client {
	t.Helper()
	opts := append([]Option{
		WithAgentName("coder"),
		WithSink(sink.sink),
		WithFlushInterval(time.Hour),
	}, extra...)
	c, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNewRequiresAgentName(t *testing.T) {
	if _, err := New(); err == nil {
		t.Fatal("New() without agent name, want error")
	}
}

func TestStartRunEmitsAgentStart(t *testing.T) {
	var sink captureSink
	c := newTestClient(t, &sink)

	ctx := c.StartRun(context.Background(), RunOptions{
		Input: map[string]any{"task": "refactor"},
	})
	if c.CurrentRunID(ctx) == "" {
		t.Fatal("CurrentRunID() empty after StartRun")
	}
	c.Shutdown(time.Second)

	events := sink.events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.EventType != event.TypeAgentStart {
		t.Errorf("EventType = %q, want %q", ev.EventType, event.TypeAgentStart)
	}
	if ev.AgentName != "coder" {
		t.Errorf("AgentName = %q, want coder", ev.AgentName)
	}
	if ev.RunID != c.CurrentRunID(ctx) {
		t.Errorf("RunID = %q, want %q", ev.RunID, c.CurrentRunID(ctx))
	}
	if !event.IsPlaceholderRunName(ev.RunName) {
		t.Errorf("RunName = %q, want a placeholder", ev.RunName)
	}
	if ev.Data["input"] == nil {
		t.Error("agent_start data missing input")
	}
}

func TestStartRunHonorsExplicitName(t *testing.T) {
	var sink captureSink
	c := newTestClient(t, &sink)

	c.StartRun(context.Background(), RunOptions{RunName: "nightly build"})
	c.Shutdown(time.Second)

	events := sink.events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].RunName != "nightly build" {
		t.Errorf("RunName = %q, want %q", events[0].RunName, "nightly build")
	}
}

func TestRecordedEventsChainInOrder(t *testing.T) {
	var sink captureSink
	c := newTestClient(t, &sink)

	ctx := c.StartRun(context.Background(), RunOptions{})
	llmID := c.RecordLLMCall(ctx, LLMCall{Model: "gpt-4o", TokensIn: 10, TokensOut: 5})
	toolID := c.RecordToolCall(ctx, ToolCall{Tool: "search"})
	c.EndRun(ctx, EndOptions{})
	c.Shutdown(time.Second)

	events := sink.events()
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	start := events[0]
	if start.PreviousEventID != "" {
		t.Errorf("first event PreviousEventID = %q, want empty", start.PreviousEventID)
	}
	if events[1].EventID != llmID || events[1].PreviousEventID != start.EventID {
		t.Errorf("llm_call chain: got previous %q, want %q", events[1].PreviousEventID, start.EventID)
	}
	if events[2].EventID != toolID || events[2].PreviousEventID != llmID {
		t.Errorf("tool_call chain: got previous %q, want %q", events[2].PreviousEventID, llmID)
	}
	if events[3].EventType != event.TypeAgentEnd {
		t.Errorf("last event type = %q, want %q", events[3].EventType, event.TypeAgentEnd)
	}
	if events[3].PreviousEventID != toolID {
		t.Errorf("agent_end chain: got previous %q, want %q", events[3].PreviousEventID, toolID)
	}
	for _, ev := range events {
		if ev.RunID != start.RunID {
			t.Errorf("event %s RunID = %q, want %q", ev.EventType, ev.RunID, start.RunID)
		}
	}
}

func TestSetParentEventIDNestsSubsequentEvents(t *testing.T) {
	var sink captureSink
	c := newTestClient(t, &sink)

	ctx := c.StartRun(context.Background(), RunOptions{})
	planID := c.RecordStep(ctx, Step{Name: "plan"})
	c.SetParentEventID(ctx, planID)
	childID := c.RecordToolCall(ctx, ToolCall{Tool: "read_file"})
	c.SetParentEventID(ctx, "")
	topID := c.RecordStep(ctx, Step{Name: "report"})
	c.EndRun(ctx, EndOptions{})
	c.Shutdown(time.Second)

	byID := make(map[string]*Event)
	for _, ev := range sink.events() {
		byID[ev.EventID] = ev
	}
	if got := byID[childID].ParentEventID; got != planID {
		t.Errorf("child ParentEventID = %q, want %q", got, planID)
	}
	if got := byID[topID].ParentEventID; got != "" {
		t.Errorf("top-level ParentEventID = %q, want empty", got)
	}
}

func TestEndRunRecordsDurationAndCost(t *testing.T) {
	var sink captureSink
	c := newTestClient(t, &sink)

	ctx := c.StartRun(context.Background(), RunOptions{})
	time.Sleep(20 * time.Millisecond)
	after := c.EndRun(ctx, EndOptions{
		Output:    map[string]any{"result": "done"},
		TotalCost: 0.031,
	})
	if c.CurrentRunID(after) != "" {
		t.Error("CurrentRunID() non-empty after EndRun")
	}
	c.Shutdown(time.Second)

	events := sink.events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	end := events[1]
	dur, ok := end.Data["total_duration_ms"].(float64)
	if !ok || dur < 15 {
		t.Errorf("total_duration_ms = %v, want >= 15", end.Data["total_duration_ms"])
	}
	if cost := end.Data["total_cost"]; cost != 0.031 {
		t.Errorf("total_cost = %v, want 0.031", cost)
	}
}

func TestNestedRunsAreSeparate(t *testing.T) {
	var sink captureSink
	c := newTestClient(t, &sink)

	outer := c.StartRun(context.Background(), RunOptions{})
	outerID := c.CurrentRunID(outer)
	inner := c.StartRun(outer, RunOptions{ParentRunName: "outer"})
	innerID := c.CurrentRunID(inner)
	if innerID == outerID {
		t.Fatal("nested run shares run ID with enclosing run")
	}
	c.RecordStep(inner, Step{Name: "sub"})
	back := c.EndRun(inner, EndOptions{})
	if c.CurrentRunID(back) != outerID {
		t.Errorf("after inner EndRun, CurrentRunID = %q, want %q", c.CurrentRunID(back), outerID)
	}
	c.EndRun(back, EndOptions{})
	c.Shutdown(time.Second)

	for _, ev := range sink.events() {
		if ev.EventType == event.TypeStep && ev.RunID != innerID {
			t.Errorf("step RunID = %q, want inner run %q", ev.RunID, innerID)
		}
	}
}

func TestLLMCallTokenEstimation(t *testing.T) {
	var sink captureSink
	c := newTestClient(t, &sink)

	ctx := c.StartRun(context.Background(), RunOptions{})
	c.RecordLLMCall(ctx, LLMCall{
		Model:      "gpt-4o",
		Prompt:     "Summarize the design document in three bullet points.",
		Completion: "It buffers events, batches them, and ships them asynchronously.",
	})
	c.RecordLLMCall(ctx, LLMCall{
		Model:     "gpt-4o",
		Prompt:    "counted upstream",
		TokensIn:  42,
		TokensOut: 7,
	})
	c.Shutdown(time.Second)

	var calls []*Event
	for _, ev := range sink.events() {
		if ev.EventType == event.TypeLLMCall {
			calls = append(calls, ev)
		}
	}
	if len(calls) != 2 {
		t.Fatalf("got %d llm_call events, want 2", len(calls))
	}
	if in, _ := calls[0].Data["tokens_in"].(int); in <= 0 {
		t.Errorf("estimated tokens_in = %v, want > 0", calls[0].Data["tokens_in"])
	}
	if out, _ := calls[0].Data["tokens_out"].(int); out <= 0 {
		t.Errorf("estimated tokens_out = %v, want > 0", calls[0].Data["tokens_out"])
	}
	if in := calls[1].Data["tokens_in"]; in != 42 {
		t.Errorf("explicit tokens_in = %v, want 42", in)
	}
	if out := calls[1].Data["tokens_out"]; out != 7 {
		t.Errorf("explicit tokens_out = %v, want 7", out)
	}
}

func TestEventsOutsideRunScopeAreDropped(t *testing.T) {
	var sink captureSink
	c := newTestClient(t, &sink)

	if id := c.RecordStep(context.Background(), Step{Name: "orphan"}); id != "" {
		t.Errorf("RecordStep outside a run returned %q, want empty", id)
	}
	c.EndRun(context.Background(), EndOptions{})
	c.Shutdown(time.Second)

	if n := len(sink.events()); n != 0 {
		t.Errorf("got %d events, want 0", n)
	}
}

func TestShutdownDrainsPartialBatch(t *testing.T) {
	var sink captureSink
	c := newTestClient(t, &sink, WithBatchSize(1000))

	ctx := c.StartRun(context.Background(), RunOptions{})
	for i := 0; i < 7; i++ {
		c.RecordStep(ctx, Step{Name: "work"})
	}
	c.EndRun(ctx, EndOptions{})
	c.Shutdown(time.Second)

	if n := len(sink.events()); n != 9 {
		t.Errorf("got %d events after Shutdown, want 9", n)
	}
}

func TestConcurrentRunsDoNotInterleaveChains(t *testing.T) {
	var sink captureSink
	c := newTestClient(t, &sink)

	const runs = 8
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := c.StartRun(context.Background(), RunOptions{})
			c.RecordStep(ctx, Step{Name: "a"})
			c.RecordStep(ctx, Step{Name: "b"})
			c.EndRun(ctx, EndOptions{})
		}()
	}
	wg.Wait()
	c.Shutdown(time.Second)

	byRun := make(map[string][]*Event)
	for _, ev := range sink.events() {
		byRun[ev.RunID] = append(byRun[ev.RunID], ev)
	}
	if len(byRun) != runs {
		t.Fatalf("got %d distinct runs, want %d", len(byRun), runs)
	}
	for runID, events := range byRun {
		if len(events) != 4 {
			t.Errorf("run %s has %d events, want 4", runID, len(events))
			continue
		}
		ids := make(map[string]bool, len(events))
		for _, ev := range events {
			ids[ev.EventID] = true
		}
		for _, ev := range events {
			if ev.PreviousEventID != "" && !ids[ev.PreviousEventID] {
				t.Errorf("run %s: previous_event_id %s points outside the run", runID, ev.PreviousEventID)
			}
		}
	}
}

func TestNewRunIDUnique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == b || a == "" {
		t.Errorf("NewRunID() = %q, %q, want distinct non-empty", a, b)
	}
	if strings.ContainsAny(a, " /") {
		t.Errorf("NewRunID() = %q contains separator characters", a)
	}
}
