// Package builtins provides the gateway's own tools and hooks.
//
// # Local Tools
//
//   - ping: returns "pong"
//   - echo: returns arguments.text
//   - read_note: read a markdown note (optionally rendered as HTML)
//   - write_note: create or replace a note
//   - list_notes: list note names and titles
//
// write_note publishes note:created or note:modified, then note:parsed with
// the title, headings and links extracted by goldmark.
//
// # Hooks
//
// Every hook here is native and registered with the hook registry, so the
// hooks section of the configuration can enable, disable, re-pattern or
// re-prioritize it like any script hook.
//
//	id            event                 priority  default
//	request_id    tool:before           -1000     enabled
//	cache.lookup  tool:before           -500      disabled
//	cache.store   tool:after            500       disabled
//	redact        tool:after            800       disabled
//	token_budget  tool:after            900       disabled
//	audit         tool:after            1000      enabled
//	audit.error   tool:error            1000      enabled
//	audit.sink    audit:*               0         enabled
//
// The audit hooks publish audit:tool_executed, a custom event; audit.sink
// writes each one to the store.
package builtins
