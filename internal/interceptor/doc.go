// Package interceptor runs tool calls through the hook pipeline.
//
// A call is resolved to an executor first; unknown and unavailable tools
// fail before any event is published. tool:before hooks see a mutable call
// context and may rewrite the arguments or short-circuit with a canned
// result. The context is then frozen, the executor runs under the call
// timeout, and tool:after or tool:error hooks observe the outcome. Executor
// failures reach the caller as *ToolExecutionError wrapping the original
// error.
package interceptor
