// Package hooks discovers script hooks and tools and owns the hook snapshots
// installed on the event bus.
//
// A script announces itself with attribute comments that are parsed without
// compiling the script:
//
//	--#[hook(event = "tool:after", pattern = "echo*", priority = 10)]
//	function hook(payload)
//	  payload.result = string.upper(payload.result)
//	  return payload
//	end
//
//	--#[tool(name = "word_count", description = "Counts words", schema = '{"type":"object"}')]
//	function run(args) ... end
//
// Reload scans the discovery directories in order; a hook id or tool name
// found in a later directory replaces the earlier one. Malformed declarations
// produce a MetadataError, scripts that fail to compile produce a
// CompileError. Both are logged and dropped while everything else still makes
// it into the new snapshot. Watch drives Reload from filesystem events.
package hooks
