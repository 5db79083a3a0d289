// Package runctx tracks the current run and parent-event attachment
// point for producer code. Frames live in a context.Context value and
// form an immutable linked stack: pushing derives a new context, so
// concurrent goroutines holding the same parent context never observe
// each other's frames.
package runctx

import (
	"context"
	"sync"

	"github.com/agentlens/agentlens/internal/event"
)

type frameKey struct{}

// Frame is one execution scope on the run stack. RunID, RunName,
// ParentID, ParentName and Depth are fixed at push time. The
// parent-event attachment point and the previous-event chain are
// mutable within the frame and guarded by the frame's own mutex; the
// stack structure itself needs no locking.
type Frame struct {
	RunID      string
	RunName    string
	ParentID   string
	ParentName string
	Depth      int

	parent *Frame

	mu            sync.Mutex
	parentEventID string
	lastEventID   string
}

// PushOptions controls Push. Zero values are generated: RunID becomes
// a fresh UUID and RunName a temporary placeholder the backend will
// replace with an auto-incremented display name.
type PushOptions struct {
	RunID      string
	RunName    string
	ParentName string
}

// Push opens a new execution scope and returns the derived context and
// the run ID of the new frame. The enclosing frame, if any, becomes
// the parent. The caller closes the scope by discarding the derived
// context (or via Pop for non-lexical lifetimes).
func Push(ctx context.Context, opts PushOptions) (context.Context, string) {
	runID := opts.RunID
	if runID == "" {
		runID = event.NewRunID()
	}
	runName := opts.RunName
	if runName == "" {
		runName = event.PlaceholderRunName()
	}

	cur := Current(ctx)

	parentName := opts.ParentName
	parentID := ""
	if parentName == "" && cur != nil {
		parentName = cur.RunName
	}
	if parentName != "" && cur != nil {
		parentID = cur.RunID
	}

	f := &Frame{
		RunID:      runID,
		RunName:    runName,
		ParentID:   parentID,
		ParentName: parentName,
		parent:     cur,
	}
	if cur != nil {
		f.Depth = cur.Depth + 1
	}

	return context.WithValue(ctx, frameKey{}, f), runID
}

// Pop closes the current scope and returns a context whose current
// frame is the enclosing one. Contexts derived before the Push are
// unaffected.
func Pop(ctx context.Context) context.Context {
	cur := Current(ctx)
	if cur == nil {
		return ctx
	}
	return context.WithValue(ctx, frameKey{}, cur.parent)
}

// Current returns the top-of-stack frame, or nil when no run scope is
// open on this context.
func Current(ctx context.Context) *Frame {
	f, _ := ctx.Value(frameKey{}).(*Frame)
	return f
}

// CurrentRunID returns the run ID of the current scope, or "".
func CurrentRunID(ctx context.Context) string {
	if f := Current(ctx); f != nil {
		return f.RunID
	}
	return ""
}

// CurrentRunName returns the run name of the current scope, or "".
func CurrentRunName(ctx context.Context) string {
	if f := Current(ctx); f != nil {
		return f.RunName
	}
	return ""
}

// Depth returns the number of open scopes on this context's stack.
func Depth(ctx context.Context) int {
	if f := Current(ctx); f != nil {
		return f.Depth + 1
	}
	return 0
}

// ParentEventID returns the event new child events should attach to,
// or "" when none is set.
func ParentEventID(ctx context.Context) string {
	if f := Current(ctx); f != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.parentEventID
	}
	return ""
}

// SetParentEventID changes the attachment point for events emitted
// subsequently within the current scope. Used so that, for example, a
// tool call made inside a traced node nests under that node's own
// event rather than the run root.
func SetParentEventID(ctx context.Context, id string) {
	if f := Current(ctx); f != nil {
		f.mu.Lock()
		f.parentEventID = id
		f.mu.Unlock()
	}
}

// NextLink records that an event with the given ID was just emitted in
// this scope and returns the ID of its immediate predecessor, wiring
// the linear previous-event chain used to order trace roots.
func NextLink(ctx context.Context, eventID string) (previousEventID string) {
	f := Current(ctx)
	if f == nil {
		return ""
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.lastEventID
	f.lastEventID = eventID
	return prev
}
