// ABOUTME: Hook registrations and the immutable snapshots the bus dispatches against.
// ABOUTME: Hook bodies are a closed variant: native Go functions or compiled script references.

package events

import (
	"context"
	"sort"

	"github.com/2389/toolgate/internal/script"
)

// NativeFunc is an in-process hook body. Returning a nil event means "no change".
type NativeFunc func(ctx context.Context, ev *Event) (*Event, error)

// Body is the executable part of a hook. It is implemented only by Native and
// ScriptRef.
type Body interface {
	isBody()
}

// Native wraps a Go function as a hook body.
type Native NativeFunc

func (Native) isBody() {}

// ScriptRef points at a compiled script hook and the source it came from.
type ScriptRef struct {
	Path        string
	ContentHash string
	Compiled    script.Compiled
}

func (ScriptRef) isBody() {}

// Hook is one subscription on the bus.
type Hook struct {
	ID                string
	EventPattern      string
	IdentifierPattern string
	Priority          int32
	Enabled           bool
	Body              Body

	// Order is the stable discovery order used to break priority ties.
	Order uint64
}

// Matches reports whether the hook subscribes to an event of this kind and identifier.
func (h *Hook) Matches(kind Kind, identifier string) bool {
	return h.Enabled && Match(string(kind), h.EventPattern) && Match(identifier, h.IdentifierPattern)
}

// Source describes where the hook came from, for logs and listings.
func (h *Hook) Source() string {
	if ref, ok := h.Body.(ScriptRef); ok {
		return ref.Path
	}
	return "native"
}

// Snapshot is an immutable, ordered set of hooks. Once built it is never
// modified; a reload builds a new one.
type Snapshot struct {
	generation uint64
	hooks      []*Hook
}

// NewSnapshot copies hooks and orders them by (priority, order).
func NewSnapshot(generation uint64, hooks []*Hook) *Snapshot {
	sorted := make([]*Hook, len(hooks))
	for i, h := range hooks {
		c := *h
		sorted[i] = &c
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Order < sorted[j].Order
	})
	return &Snapshot{generation: generation, hooks: sorted}
}

// Generation identifies the reload that produced this snapshot.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// Len returns the number of hooks in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.hooks)
}

// Hooks returns the ordered hooks. Callers must not modify them.
func (s *Snapshot) Hooks() []*Hook {
	out := make([]*Hook, len(s.hooks))
	copy(out, s.hooks)
	return out
}

// Matching returns the hooks subscribed to kind and identifier, in dispatch order.
func (s *Snapshot) Matching(kind Kind, identifier string) []*Hook {
	var out []*Hook
	for _, h := range s.hooks {
		if h.Matches(kind, identifier) {
			out = append(out, h)
		}
	}
	return out
}
