// ABOUTME: Tests for the Gateway orchestrator wired end to end
// ABOUTME: Covers local, scripted and upstream tools, outage isolation, HTTP routes and gRPC health

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/hooks"
	"github.com/2389/toolgate/internal/upstream"
)

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	grpcListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcAddr := grpcListener.Addr().String()
	grpcListener.Close()

	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpAddr := httpListener.Addr().String()
	httpListener.Close()

	watch := false
	cfg := &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: grpcAddr,
			HTTPAddr: httpAddr,
		},
		Database: config.DatabaseConfig{
			Path: ":memory:",
		},
		Discovery: config.DiscoveryConfig{
			Watch: &watch,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGateway(t *testing.T, cfg *config.Config, opts ...Option) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })
	return gw
}

func toolNames(gw *Gateway) []string {
	var names []string
	for _, d := range gw.ListTools() {
		names = append(names, d.Name)
	}
	return names
}

func TestGatewayNew(t *testing.T) {
	gw := newGateway(t, testConfig(t))

	assert.Equal(t, []string{"echo", "list_notes", "ping", "read_note", "write_note"}, toolNames(gw))
	assert.Greater(t, gw.bus.Snapshot().Generation(), uint64(0))

	ids := make(map[string]bool)
	for _, h := range gw.Hooks() {
		ids[h.ID] = true
	}
	for _, id := range []string{"request_id", "audit", "audit.sink", "catalog.insert", "event_stream"} {
		assert.True(t, ids[id], "missing hook %s", id)
	}
}

func TestGatewayCallTool(t *testing.T) {
	gw := newGateway(t, testConfig(t))
	ctx := context.Background()

	res, err := gw.CallTool(ctx, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Content)

	_, err = gw.CallTool(ctx, "write_note", map[string]any{"name": "todo", "body": "# Todo"})
	require.NoError(t, err)
	res, err = gw.CallTool(ctx, "read_note", map[string]any{"name": "todo"})
	require.NoError(t, err)
	assert.Equal(t, "Todo", res.Content.(map[string]any)["title"])

	_, err = gw.CallTool(ctx, "nope", nil)
	assert.ErrorIs(t, err, catalog.ErrUnknownTool)
}

func TestGatewayRejectsDuplicateHookIDs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.lua", "b.lua"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`--#[hook(id = "shared", event = "tool:after")]
function hook(p) return p end
`), 0o644))
	}

	cfg := testConfig(t)
	cfg.Discovery.Directories = []string{dir}
	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfiguration)
	assert.ErrorIs(t, err, hooks.ErrDuplicateDeclaration)
}

func TestGatewayScriptHooksAndTools(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "upper.lua"), []byte(`--#[hook(event = "tool:after", pattern = "echo*", priority = 10)]
function hook(payload)
  payload.result = string.upper(payload.result)
  return payload
end
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wc.lua"), []byte(`--#[tool(name = "word_count", description = "Counts words")]
function run(args)
  local n = 0
  for _ in string.gmatch(args.text, "%S+") do n = n + 1 end
  return n
end
`), 0o644))

	cfg := testConfig(t)
	cfg.Discovery.Directories = []string{dir}
	gw := newGateway(t, cfg)
	ctx := context.Background()

	res, err := gw.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "HI", res.Content)

	assert.Contains(t, toolNames(gw), "word_count")
	res, err = gw.CallTool(ctx, "word_count", map[string]any{"text": "one two three"})
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Content)

	assert.Empty(t, gw.LastReport().Errors)
}

func TestGatewayHookOverrideDisablesBuiltin(t *testing.T) {
	cfg := testConfig(t)
	off := false
	cfg.Hooks.RequestID.Enabled = &off
	gw := newGateway(t, cfg)

	for _, h := range gw.Hooks() {
		if h.ID == "request_id" {
			assert.False(t, h.Enabled)
			return
		}
	}
	t.Fatal("request_id hook not in snapshot")
}

type searchArgs struct {
	Query string `json:"query"`
}

func remoteServer() *sdk.Server {
	srv := sdk.NewServer(&sdk.Implementation{Name: "remote", Version: "test"}, nil)
	sdk.AddTool(srv, &sdk.Tool{Name: "search", Description: "search things"},
		func(_ context.Context, _ *sdk.CallToolRequest, args searchArgs) (*sdk.CallToolResult, any, error) {
			return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: "found:" + args.Query}}}, nil, nil
		})
	return srv
}

func TestGatewayUpstreamOutageIsIsolated(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upstreams = []config.UpstreamConfig{
		{Name: "gh", NamespacePrefix: "gh_", Transport: "stdio", Command: "unused"},
		{Name: "flaky", NamespacePrefix: "flaky_", Transport: "stdio", Command: "unused"},
	}
	cfg.ApplyDefaults()

	remote := remoteServer()
	healthy := func(ctx context.Context) (sdk.Transport, error) {
		clientT, serverT := sdk.NewInMemoryTransports()
		if _, err := remote.Connect(ctx, serverT, nil); err != nil {
			return nil, err
		}
		return clientT, nil
	}
	broken := func(context.Context) (sdk.Transport, error) {
		return nil, errors.New("connection refused")
	}

	gw := newGateway(t, cfg,
		WithDialer("gh", upstream.Dialer(healthy)),
		WithDialer("flaky", upstream.Dialer(broken)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.Start(ctx)

	require.Eventually(t, func() bool {
		_, ok := gw.catalog.Lookup("gh_search")
		s, _ := gw.upstreams.Server("gh")
		return ok && s.Available()
	}, 5*time.Second, 20*time.Millisecond)

	res, err := gw.CallTool(ctx, "gh_search", map[string]any{"query": "go"})
	require.NoError(t, err)
	assert.Equal(t, "found:go", res.Content)

	res, err = gw.CallTool(ctx, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Content)

	_, err = gw.CallTool(ctx, "flaky_anything", nil)
	assert.ErrorIs(t, err, catalog.ErrToolUnavailable)
	assert.ErrorContains(t, err, "tool temporarily unavailable")

	states := map[string]string{}
	for _, s := range gw.Upstreams() {
		states[s.Name] = s.State
	}
	assert.Equal(t, "connected", states["gh"])
	assert.NotEqual(t, "connected", states["flaky"])
}

func TestGatewayHTTPRoutes(t *testing.T) {
	gw := newGateway(t, testConfig(t))
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/tools")
	require.NoError(t, err)
	var listing struct {
		Tools []ToolInfo `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	require.Len(t, listing.Tools, 5)
	assert.Equal(t, "echo", listing.Tools[0].Name)
	assert.Equal(t, "local", listing.Tools[0].Source)

	_, err = gw.CallTool(context.Background(), "ping", nil)
	require.NoError(t, err)
	resp, err = http.Get(srv.URL + "/api/audit?tool=ping")
	require.NoError(t, err)
	var audit struct {
		Entries []map[string]any `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&audit))
	resp.Body.Close()
	assert.Len(t, audit.Entries, 1)

	resp, err = http.Post(srv.URL+"/api/hooks/reload", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/audit?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGatewayHTTPAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "test-secret-that-is-long-enough-for-hs256"
	gw := newGateway(t, cfg)
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "probes stay open")

	resp, err = http.Get(srv.URL + "/api/tools")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate("ci", time.Hour)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/tools", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGatewayGRPCHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upstreams = []config.UpstreamConfig{{Name: "flaky", NamespacePrefix: "flaky_", Command: "unused"}}
	cfg.ApplyDefaults()
	gw := newGateway(t, cfg, WithDialer("flaky", func(context.Context) (sdk.Transport, error) {
		return nil, errors.New("down")
	}))

	lis := bufconn.Listen(1024 * 1024)
	go func() { _ = gw.grpcServer.Serve(lis) }()
	defer gw.grpcServer.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "flaky"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestGatewayRun(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	status, err := CheckHealth(context.Background(), cfg.Server.GRPCAddr, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
