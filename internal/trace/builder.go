// Package trace reconstructs a hierarchical, chronologically ordered
// execution tree from a run's flat event set.
package trace

import (
	"sort"
	"time"

	"github.com/agentlens/agentlens/internal/event"
	"github.com/agentlens/agentlens/internal/storage"
)

// Node is one event in the reconstructed tree.
type Node struct {
	EventID         string         `json:"event_id"`
	EventType       string         `json:"event_type"`
	Timestamp       time.Time      `json:"timestamp"`
	ParentEventID   string         `json:"parent_event_id,omitempty"`
	PreviousEventID string         `json:"previous_event_id,omitempty"`
	Data            map[string]any `json:"data"`
	Children        []*Node        `json:"children"`
}

// Build reconstructs the execution tree for one run's events. It is a
// pure function of its input: the same event set always yields the
// same tree, regardless of input order.
//
// Tree shape rules:
//   - events nest under their parent_event_id when it resolves within
//     the run; unresolved or absent parents make root candidates
//   - the terminal agent_end event is always a root, even when it
//     carries a parent_event_id
//   - roots are ordered by following the previous_event_id chain from
//     the agent_start event; roots off the chain follow in timestamp
//     order
//   - the terminal event is always the last top-level node
func Build(events []*storage.Event) []*Node {
	if len(events) == 0 {
		return []*Node{}
	}

	sorted := make([]*storage.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	nodes := make(map[string]*Node, len(sorted))
	ordered := make([]*Node, 0, len(sorted))
	for _, e := range sorted {
		n := &Node{
			EventID:         e.EventID,
			EventType:       e.EventType,
			Timestamp:       e.Timestamp,
			ParentEventID:   e.ParentEventID,
			PreviousEventID: e.PreviousEventID,
			Data:            e.Data,
			Children:        []*Node{},
		}
		nodes[n.EventID] = n
		ordered = append(ordered, n)
	}

	// Causal pass: attach each node under its parent. Terminal events
	// never nest, whatever their parent_event_id says.
	var roots []*Node
	for _, n := range ordered {
		if n.EventType == string(event.TypeAgentEnd) {
			roots = append(roots, n)
			continue
		}
		if parent, ok := nodes[n.ParentEventID]; ok && n.ParentEventID != n.EventID {
			parent.Children = append(parent.Children, n)
			continue
		}
		roots = append(roots, n)
	}

	return orderRoots(roots)
}

// orderRoots sequences the top-level nodes: the previous_event_id
// chain starting at agent_start first, unchained roots after in sort
// order, terminal events last.
func orderRoots(roots []*Node) []*Node {
	byPrevious := make(map[string]*Node, len(roots))
	for _, n := range roots {
		if n.PreviousEventID != "" {
			// First occurrence wins on duplicate predecessors.
			if _, dup := byPrevious[n.PreviousEventID]; !dup {
				byPrevious[n.PreviousEventID] = n
			}
		}
	}

	placed := make(map[string]bool, len(roots))
	result := make([]*Node, 0, len(roots))

	for _, n := range roots {
		if n.EventType == string(event.TypeAgentStart) {
			for cur := n; cur != nil && !placed[cur.EventID]; cur = byPrevious[cur.EventID] {
				placed[cur.EventID] = true
				result = append(result, cur)
			}
			break
		}
	}

	for _, n := range roots {
		if !placed[n.EventID] {
			placed[n.EventID] = true
			result = append(result, n)
		}
	}

	// Terminal events move to the end, preserving their relative order.
	var body, terminal []*Node
	for _, n := range result {
		if n.EventType == string(event.TypeAgentEnd) {
			terminal = append(terminal, n)
		} else {
			body = append(body, n)
		}
	}
	return append(body, terminal...)
}
