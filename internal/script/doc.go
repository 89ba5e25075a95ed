// Package script is the gateway's scripting capability.
//
// Runtime is the narrow interface the rest of the gateway depends on: compile
// a source once, invoke the compiled entry function many times. Lua is the
// implementation shipped with the binary. Every Invoke gets a fresh sandboxed
// state (base, string, table and math libraries only, no file or module
// loading) bounded by a wall-clock timeout and a registry ceiling.
//
// Hook scripts receive the event payload and, for tool events, a scratch
// table with get and set functions:
//
//	function hook(payload, scratch)
//	  payload.result = string.upper(payload.result)
//	  return payload
//	end
package script
