// ABOUTME: Builds MCP client transports for upstream servers: stdio, SSE and streamable HTTP.
// ABOUTME: A Dialer is called on every connection attempt so each attempt gets a fresh transport.

package upstream

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport names accepted in configuration.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// Dialer creates the transport for one connection attempt.
type Dialer func(ctx context.Context) (mcp.Transport, error)

// NewDialer returns the dialer for cfg's transport.
func NewDialer(cfg ServerConfig) (Dialer, error) {
	switch cfg.Transport {
	case TransportStdio, "":
		if cfg.Command == "" {
			return nil, fmt.Errorf("upstream %s: stdio transport requires a command", cfg.Name)
		}
		return func(ctx context.Context) (mcp.Transport, error) {
			cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
			cmd.Env = append(os.Environ(), envSlice(cfg.Env)...)
			cmd.Stderr = os.Stderr
			return &mcp.CommandTransport{Command: cmd}, nil
		}, nil

	case TransportSSE:
		if cfg.URL == "" {
			return nil, fmt.Errorf("upstream %s: sse transport requires a url", cfg.Name)
		}
		client := httpClient(cfg.Headers)
		return func(context.Context) (mcp.Transport, error) {
			return &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: client}, nil
		}, nil

	case TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("upstream %s: http transport requires a url", cfg.Name)
		}
		client := httpClient(cfg.Headers)
		return func(context.Context) (mcp.Transport, error) {
			return &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: client}, nil
		}, nil

	default:
		return nil, fmt.Errorf("upstream %s: unknown transport %q", cfg.Name, cfg.Transport)
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// headerTransport adds fixed headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func httpClient(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return http.DefaultClient
	}
	return &http.Client{Transport: &headerTransport{base: http.DefaultTransport, headers: headers}}
}
