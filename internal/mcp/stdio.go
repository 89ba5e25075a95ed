// ABOUTME: MCP stdio surface that mirrors the live catalog into an mcp-go server.
// ABOUTME: Catalog changes add or delete tools, which notifies clients with tools/list_changed.

package mcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/interceptor"
)

// StdioConfig holds configuration for the stdio server.
type StdioConfig struct {
	Gateway Gateway
	Logger  *slog.Logger
	Version string
}

// StdioServer serves the catalog over MCP stdio.
type StdioServer struct {
	gateway Gateway
	srv     *mcpserver.MCPServer
	logger  *slog.Logger

	mu     sync.Mutex
	listed map[string]catalog.Descriptor
}

// NewStdioServer creates the server and mirrors the current catalog into it.
// Call Sync whenever the catalog changes.
func NewStdioServer(cfg StdioConfig) (*StdioServer, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &StdioServer{
		gateway: cfg.Gateway,
		srv: mcpserver.NewMCPServer("toolgate", version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithRecovery(),
		),
		logger: logger.With("component", "mcp_stdio"),
		listed: make(map[string]catalog.Descriptor),
	}
	s.Sync()
	return s, nil
}

// Sync brings the advertised tool set in line with the catalog.
func (s *StdioServer) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.gateway.ListTools()
	seen := make(map[string]struct{}, len(current))
	var added []mcpserver.ServerTool
	for _, d := range current {
		seen[d.Name] = struct{}{}
		if prev, ok := s.listed[d.Name]; ok && sameListing(prev, d) {
			continue
		}
		s.listed[d.Name] = d
		added = append(added, mcpserver.ServerTool{Tool: toolFor(d), Handler: s.handler(d.Name)})
	}

	var removed []string
	for name := range s.listed {
		if _, ok := seen[name]; !ok {
			removed = append(removed, name)
			delete(s.listed, name)
		}
	}

	if len(added) > 0 {
		s.srv.AddTools(added...)
	}
	if len(removed) > 0 {
		s.srv.DeleteTools(removed...)
	}
	if len(added)+len(removed) > 0 {
		s.logger.Debug("stdio tool list synced", "added", len(added), "removed", len(removed))
	}
}

// MCPServer exposes the underlying server for in-process clients.
func (s *StdioServer) MCPServer() *mcpserver.MCPServer {
	return s.srv
}

// Serve reads requests from in and writes responses to out until ctx is done
// or in reaches EOF.
func (s *StdioServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.srv)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("serving MCP on stdio", "tools", len(s.gateway.ListTools()))
	return stdio.Listen(ctx, in, out)
}

func (s *StdioServer) handler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		res, err := s.gateway.CallTool(ctx, name, req.GetArguments())
		if err != nil {
			var execErr *interceptor.ToolExecutionError
			if errors.As(err, &execErr) {
				return mcpgo.NewToolResultError(execErr.Err.Error()), nil
			}
			return nil, err
		}
		text, err := ResultText(res)
		if err != nil {
			return nil, err
		}
		return mcpgo.NewToolResultText(text), nil
	}
}

func toolFor(d catalog.Descriptor) mcpgo.Tool {
	schema := d.Schema
	if len(schema) == 0 {
		schema = emptySchema
	}
	return mcpgo.NewToolWithRawSchema(d.Name, d.Description, schema)
}

func sameListing(a, b catalog.Descriptor) bool {
	return a.Description == b.Description && bytes.Equal(a.Schema, b.Schema)
}
