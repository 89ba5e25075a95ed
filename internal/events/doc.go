// Package events provides the typed event model and the hook bus every
// gateway component publishes to.
//
// # Overview
//
// Producers create an Event (a kind, the identifier it concerns, and a JSON-shaped
// payload) and hand it to Bus.Publish. The bus selects the hooks of the active
// Snapshot whose event pattern matches the kind and whose identifier pattern
// matches the identifier, and invokes them one at a time in ascending
// (priority, discovery order). Each hook receives the event produced by the
// previous one.
//
// # Patterns
//
// Patterns are matched with Match:
//
//	"*"            every identifier
//	"tool:*"       every kind starting with "tool:"
//	"echo_hello"   exactly one identifier
//
// # Fail-open dispatch
//
// A hook that returns an error, panics, or exceeds the hook timeout is logged
// and skipped. The next hook sees the event exactly as it was before the
// failing hook ran. Publish itself never returns an error.
//
// # Snapshots
//
// The bus holds a single atomic pointer to an immutable Snapshot. The hook
// registry builds a fresh snapshot on every reload and installs it with
// Bus.Install. A Publish call loads the pointer once, so a reload in the
// middle of a dispatch is never visible to that dispatch.
//
// # Usage
//
//	bus := events.NewBus(events.BusConfig{Runtime: rt, Logger: logger})
//	bus.Install(events.NewSnapshot(1, hooks))
//	out := bus.Publish(ctx, events.New(events.KindToolAfter, "echo_hello", payload))
package events
