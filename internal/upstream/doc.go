// Package upstream connects the gateway to remote MCP servers.
//
// Each configured server gets its own goroutine cycling through
// Disconnected, Connecting, Connected and Failed. Connecting covers the
// transport (a spawned process for stdio, SSE, or streamable HTTP), the MCP
// initialize handshake and the first tools/list. Every remote tool is
// announced on the bus as tool:discovered under the server's namespace
// prefix; tools/list_changed notifications trigger a re-list whose
// difference is published incrementally. When the session fails the
// server's tools are withdrawn and the connection is retried with
// exponential backoff. A failing server never affects the others.
//
// A Server is also the catalog executor for its tools: calls are forwarded
// with tools/call using the remote tool name.
package upstream
