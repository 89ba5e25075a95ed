// Package mcp exposes the aggregated tool catalog to consumers over the
// Model Context Protocol.
//
// # Streamable HTTP
//
// Server implements the Streamable HTTP transport on a single endpoint:
//
//   - POST /mcp: JSON-RPC requests (initialize, ping, tools/list, tools/call)
//   - DELETE /mcp: terminate the session named by Mcp-Session-Id
//
// initialize creates a session; every later request must carry its id in
// the Mcp-Session-Id header. When a token verifier is configured,
// initialize requires an "Authorization: Bearer <jwt>" header and the
// session is bound to the token's subject.
//
// # Stdio
//
// StdioServer serves the same catalog over stdin/stdout with mcp-go. Sync
// re-mirrors the catalog; clients receive notifications/tools/list_changed
// when tools appear or disappear.
//
// # Errors
//
// Gateway failures map onto the wire as follows:
//
//	unknown tool                 JSON-RPC -32602
//	tool temporarily unavailable JSON-RPC -32603, data.retryable = true
//	executor failure             result with isError and the executor's message
package mcp
