package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewPopulatesIdentity(t *testing.T) {
	before := time.Now().UTC()
	e := New(TypeStep, map[string]any{"step_name": "plan"})
	after := time.Now().UTC()

	if e.EventID == "" {
		t.Error("EventID is empty")
	}
	if e.EventType != TypeStep {
		t.Errorf("EventType = %q, want %q", e.EventType, TypeStep)
	}
	if e.Timestamp.Before(before) || e.Timestamp.After(after) {
		t.Errorf("Timestamp %v outside [%v, %v]", e.Timestamp, before, after)
	}
	if e.Data["step_name"] != "plan" {
		t.Errorf("Data = %v", e.Data)
	}
}

func TestNewDistinctIDs(t *testing.T) {
	a := New(TypeStep, nil)
	b := New(TypeStep, nil)
	if a.EventID == b.EventID {
		t.Errorf("two events share ID %s", a.EventID)
	}
}

func TestPlaceholderRunName(t *testing.T) {
	name := PlaceholderRunName()
	if !IsPlaceholderRunName(name) {
		t.Errorf("IsPlaceholderRunName(%q) = false", name)
	}
	if IsPlaceholderRunName("run 1") {
		t.Error("IsPlaceholderRunName(run 1) = true")
	}
	if IsPlaceholderRunName("") {
		t.Error("IsPlaceholderRunName(empty) = true")
	}
	// Distinct placeholders per call keeps concurrent unnamed runs apart.
	if PlaceholderRunName() == name {
		t.Error("placeholder names collide")
	}
}

func TestFormatRunName(t *testing.T) {
	if got := FormatRunName(7); got != "run 7" {
		t.Errorf("FormatRunName(7) = %q, want %q", got, "run 7")
	}
}

func TestRecordJSONShape(t *testing.T) {
	e := NewLLMCall(LLMCall{
		Model:     "gpt-4o",
		Prompt:    "hello",
		TokensIn:  3,
		TokensOut: 5,
		Cost:      0.001,
	})
	e.RunID = "id-1"
	e.RunName = "run 1"
	e.AgentName = "coder"

	raw, err := e.JSON()
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{"event_id", "event_type", "run_id", "run_name", "agent_name", "timestamp", "data"} {
		if _, ok := m[key]; !ok {
			t.Errorf("JSON missing key %q", key)
		}
	}
	// Optional links are omitted when empty.
	if _, ok := m["parent_event_id"]; ok {
		t.Error("empty parent_event_id serialized")
	}
	if _, ok := m["previous_event_id"]; ok {
		t.Error("empty previous_event_id serialized")
	}

	data := m["data"].(map[string]any)
	if data["model"] != "gpt-4o" {
		t.Errorf("data.model = %v", data["model"])
	}
}

func TestTypedConstructors(t *testing.T) {
	tests := []struct {
		name     string
		rec      *Record
		wantType Type
		wantKey  string
	}{
		{"llm call", NewLLMCall(LLMCall{Model: "m"}), TypeLLMCall, "model"},
		{"tool call", NewToolCall(ToolCall{Tool: "search"}), TypeToolCall, "tool_name"},
		{"agent start", NewAgentStart(AgentStart{}), TypeAgentStart, "input"},
		{"agent end", NewAgentEnd(AgentEnd{}), TypeAgentEnd, "output"},
		{"node execution", NewNodeExecution(NodeExecution{Node: "retrieve"}), TypeNodeExecution, "node_name"},
		{"step", NewStep(Step{Name: "plan"}), TypeStep, "step_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.rec.EventType != tt.wantType {
				t.Errorf("EventType = %q, want %q", tt.rec.EventType, tt.wantType)
			}
			if _, ok := tt.rec.Data[tt.wantKey]; !ok {
				t.Errorf("Data missing key %q: %v", tt.wantKey, tt.rec.Data)
			}
		})
	}
}

func TestToolCallEmptyMapsNotNil(t *testing.T) {
	rec := NewToolCall(ToolCall{Tool: "search"})
	if rec.Data["input"] == nil || rec.Data["output"] == nil {
		t.Errorf("nil maps not defaulted: %v", rec.Data)
	}
}
