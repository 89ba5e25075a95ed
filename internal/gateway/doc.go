// Package gateway orchestrates the toolgate server components.
//
// # Overview
//
// New builds every component from a config.Config: the SQLite store, the Lua
// runtime, the event bus, the hook registry with its built-in native hooks,
// the tool catalog with local and scripted tools, the interceptor pipeline,
// the upstream manager and both MCP surfaces. It installs the first hook
// snapshot before returning, so ListTools and CallTool work immediately.
// Upstreams connect and directories are watched only after Start.
//
// Run opens the listeners (TCP, or a tsnet node when tailscale is enabled),
// serves until the context is canceled and then shuts down gracefully.
//
// # HTTP
//
//	GET  /health             liveness, always "OK"
//	GET  /ready              503 until a hook snapshot is installed
//	POST /mcp                MCP Streamable HTTP endpoint
//	GET  /events             websocket event stream (?kind=&identifier=)
//	GET  /api/tools          aggregated catalog
//	GET  /api/upstreams      upstream connection states
//	GET  /api/hooks          active snapshot and last discovery errors
//	POST /api/hooks/reload   rescan hook directories
//	GET  /api/audit          audit log (?tool=&outcome=&since=&limit=)
//
// All routes except the probes require a bearer token when auth.jwt_secret
// is set. /mcp authenticates at initialize and binds the session to the
// token's subject.
//
// # gRPC
//
// The gRPC listener carries the standard grpc.health.v1 service. Service ""
// is the gateway; each upstream name is SERVING only while connected.
package gateway
