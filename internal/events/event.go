// ABOUTME: Event model published on the bus: kind, identifier, payload, timestamp.
// ABOUTME: Events are cloned per hook so a failing hook cannot corrupt the chain.

package events

import (
	"strings"
	"time"
)

// Kind identifies what an event is about. The built-in kinds form a closed
// set; anything else is a custom kind created with Custom.
type Kind string

const (
	KindToolBefore     Kind = "tool:before"
	KindToolAfter      Kind = "tool:after"
	KindToolError      Kind = "tool:error"
	KindToolDiscovered Kind = "tool:discovered"
	KindToolRemoved    Kind = "tool:removed"
	KindNoteParsed     Kind = "note:parsed"
	KindNoteCreated    Kind = "note:created"
	KindNoteModified   Kind = "note:modified"
	KindPeerAttached   Kind = "peer:attached"
)

// builtinKinds lists every non-custom kind.
var builtinKinds = map[Kind]struct{}{
	KindToolBefore:     {},
	KindToolAfter:      {},
	KindToolError:      {},
	KindToolDiscovered: {},
	KindToolRemoved:    {},
	KindNoteParsed:     {},
	KindNoteCreated:    {},
	KindNoteModified:   {},
	KindPeerAttached:   {},
}

// Custom returns a custom event kind such as "audit:tool_executed".
func Custom(name string) Kind {
	return Kind(strings.TrimSpace(name))
}

// IsCustom reports whether k is outside the built-in set.
func (k Kind) IsCustom() bool {
	_, ok := builtinKinds[k]
	return !ok
}

// Payload keys shared by the producers and the built-in hooks.
const (
	PayloadTool         = "tool"
	PayloadArguments    = "arguments"
	PayloadResult       = "result"
	PayloadError        = "error"
	PayloadShortCircuit = "short_circuit"
	PayloadSource       = "source"
)

// Event is a single occurrence dispatched through the bus.
type Event struct {
	Kind       Kind           `json:"kind"`
	Identifier string         `json:"identifier"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`

	// Call is set for tool:before, tool:after and tool:error events.
	Call *CallContext `json:"-"`

	halted bool
}

// New creates an event stamped with the current time.
func New(kind Kind, identifier string, payload map[string]any) *Event {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Event{
		Kind:       kind,
		Identifier: identifier,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// Halt stops dispatch after the current hook returns successfully.
func (e *Event) Halt() {
	e.halted = true
}

// Halted reports whether a hook halted the chain.
func (e *Event) Halted() bool {
	return e.halted
}

// ShortCircuit records a canned tool result and halts the before phase.
// The pipeline skips the executor and hands result to tool:after hooks.
func (e *Event) ShortCircuit(result any) {
	e.Payload[PayloadShortCircuit] = result
	e.halted = true
}

// ShortCircuitResult returns the canned result recorded by ShortCircuit.
func (e *Event) ShortCircuitResult() (any, bool) {
	v, ok := e.Payload[PayloadShortCircuit]
	return v, ok
}

// Clone returns a deep copy of the event. The call context is shared.
func (e *Event) Clone() *Event {
	c := *e
	c.Payload = CloneMap(e.Payload)
	return &c
}

// CloneMap deep-copies a JSON-shaped map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices; other values are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
