// Package catalog holds the aggregated, namespaced set of tools the gateway
// exposes and the executors that run them.
//
// Tools reach the catalog only through the event bus. Providers describe
// their tools with a Descriptor and publish them through a Feed, which turns
// full listings into incremental tool:discovered and tool:removed events. The
// Selector hook runs first on every discovery to filter and rename; the
// catalog's own insert and remove hooks run last and apply the result.
//
// Executors are bound per Source: one LocalTools for every in-process tool,
// one ScriptExecutor per script file, and one per upstream server. Resolve
// maps a qualified name to its descriptor and executor and reports
// ErrToolUnavailable when the owning upstream is offline.
package catalog
