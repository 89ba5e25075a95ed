// ABOUTME: Tests for the MCP HTTP server including sessions, tool listing and execution.
// ABOUTME: Validates auth handling and the mapping of gateway errors onto JSON-RPC.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/interceptor"
)

// fakeGateway serves a fixed tool set. Calls to unlisted tools fail the way
// the catalog does.
type fakeGateway struct {
	mu       sync.Mutex
	tools    []catalog.Descriptor
	subjects []string
}

func (g *fakeGateway) ListTools() []catalog.Descriptor {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]catalog.Descriptor(nil), g.tools...)
}

func (g *fakeGateway) setTools(tools ...catalog.Descriptor) {
	g.mu.Lock()
	g.tools = tools
	g.mu.Unlock()
}

func (g *fakeGateway) CallTool(ctx context.Context, name string, args map[string]any) (*catalog.Result, error) {
	g.mu.Lock()
	g.subjects = append(g.subjects, auth.SubjectFromContext(ctx))
	g.mu.Unlock()

	switch name {
	case "ping":
		return &catalog.Result{Content: "pong"}, nil
	case "lookup":
		return &catalog.Result{Content: map[string]any{"q": args["q"], "hits": 2}}, nil
	case "broken":
		return nil, &interceptor.ToolExecutionError{Tool: name, Err: errors.New("backend exploded")}
	case "gh_search":
		return nil, fmt.Errorf("%w: %s", catalog.ErrToolUnavailable, name)
	default:
		return nil, fmt.Errorf("%w: %s", catalog.ErrUnknownTool, name)
	}
}

func newGateway() *fakeGateway {
	return &fakeGateway{tools: []catalog.Descriptor{
		{Name: "ping", OriginalName: "ping", Description: "Replies pong", Source: catalog.Source{Kind: catalog.SourceLocal}},
		{Name: "lookup", OriginalName: "lookup", Schema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`), Source: catalog.Source{Kind: catalog.SourceLocal}},
	}}
}

type harness struct {
	t       *testing.T
	server  *Server
	mux     *http.ServeMux
	token   string
	session string
}

func newHarness(t *testing.T, gw Gateway, verifier auth.TokenVerifier) *harness {
	t.Helper()
	server, err := NewServer(Config{Gateway: gw, TokenVerifier: verifier, Version: "test"})
	require.NoError(t, err)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	return &harness{t: t, server: server, mux: mux}
}

func (h *harness) post(method string, id any, params any) (*httptest.ResponseRecorder, JSONRPCResponse) {
	h.t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		msg["id"] = id
	}
	if params != nil {
		msg["params"] = params
	}
	body, err := json.Marshal(msg)
	require.NoError(h.t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	if h.session != "" {
		req.Header.Set("Mcp-Session-Id", h.session)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	rr := httptest.NewRecorder()
	h.mux.ServeHTTP(rr, req)

	var resp JSONRPCResponse
	if rr.Code == http.StatusOK {
		require.NoError(h.t, json.Unmarshal(rr.Body.Bytes(), &resp))
	}
	return rr, resp
}

func (h *harness) initialize() {
	h.t.Helper()
	rr, resp := h.post("initialize", 1, map[string]any{"protocolVersion": latestProtocolVersion})
	require.Nil(h.t, resp.Error)
	h.session = rr.Header().Get("Mcp-Session-Id")
	require.NotEmpty(h.t, h.session)
}

func decodeResult(t *testing.T, resp JSONRPCResponse, into any) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	b, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, into))
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)

	_, err = NewServer(Config{Gateway: newGateway()})
	assert.NoError(t, err)
}

func TestInitialize(t *testing.T) {
	h := newHarness(t, newGateway(), nil)

	rr, resp := h.post("initialize", 1, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Mcp-Session-Id"))

	var result map[string]any
	decodeResult(t, resp, &result)
	assert.Equal(t, latestProtocolVersion, result["protocolVersion"])
	assert.Equal(t, "toolgate", result["serverInfo"].(map[string]any)["name"])
	assert.Equal(t, 1, h.server.Sessions())
}

func TestSessionRequired(t *testing.T) {
	h := newHarness(t, newGateway(), nil)

	rr, _ := h.post("tools/list", 1, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	h.session = "not-a-session"
	rr, _ = h.post("tools/list", 1, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestToolsList(t *testing.T) {
	h := newHarness(t, newGateway(), nil)
	h.initialize()

	_, resp := h.post("tools/list", 2, nil)
	var result MCPListToolsResult
	decodeResult(t, resp, &result)

	require.Len(t, result.Tools, 2)
	assert.Equal(t, "ping", result.Tools[0].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(result.Tools[0].InputSchema))
	assert.Equal(t, "lookup", result.Tools[1].Name)
	assert.Contains(t, string(result.Tools[1].InputSchema), `"q"`)
}

func TestToolsCall(t *testing.T) {
	h := newHarness(t, newGateway(), nil)
	h.initialize()

	t.Run("string result", func(t *testing.T) {
		_, resp := h.post("tools/call", 3, MCPCallToolParams{Name: "ping"})
		var result MCPCallToolResult
		decodeResult(t, resp, &result)
		assert.False(t, result.IsError)
		assert.Equal(t, []MCPContent{{Type: "text", Text: "pong"}}, result.Content)
	})

	t.Run("structured result", func(t *testing.T) {
		_, resp := h.post("tools/call", 4, MCPCallToolParams{Name: "lookup", Arguments: map[string]any{"q": "go"}})
		var result MCPCallToolResult
		decodeResult(t, resp, &result)
		require.Len(t, result.Content, 1)
		assert.JSONEq(t, `{"q":"go","hits":2}`, result.Content[0].Text)
	})

	t.Run("executor failure is a tool error", func(t *testing.T) {
		_, resp := h.post("tools/call", 5, MCPCallToolParams{Name: "broken"})
		var result MCPCallToolResult
		decodeResult(t, resp, &result)
		assert.True(t, result.IsError)
		assert.Equal(t, "backend exploded", result.Content[0].Text)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, resp := h.post("tools/call", 6, MCPCallToolParams{Name: "nope"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "unknown tool")
	})

	t.Run("unavailable upstream", func(t *testing.T) {
		_, resp := h.post("tools/call", 7, MCPCallToolParams{Name: "gh_search"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "tool temporarily unavailable")
	})

	t.Run("missing name", func(t *testing.T) {
		_, resp := h.post("tools/call", 8, map[string]any{})
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
	})
}

func TestProtocolErrors(t *testing.T) {
	h := newHarness(t, newGateway(), nil)
	h.initialize()

	_, resp := h.post("resources/list", 9, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, JSONRPCMethodNotFound, resp.Error.Code)

	rr, _ := h.post("notifications/initialized", nil, nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	var parsed JSONRPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	assert.Equal(t, JSONRPCParseError, parsed.Error.Code)

	req = httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	req.Header.Set("Mcp-Session-Id", h.session)
	req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
	rec = httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("mcp-test-secret"))
	gw := newGateway()
	h := newHarness(t, gw, verifier)

	_, resp := h.post("initialize", 1, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "authentication required", resp.Error.Message)

	h.token = "garbage"
	_, resp = h.post("initialize", 1, nil)
	require.NotNil(t, resp.Error)

	token, err := verifier.Generate("ci-bot", time.Hour)
	require.NoError(t, err)
	h.token = token
	h.initialize()

	_, resp = h.post("tools/call", 2, MCPCallToolParams{Name: "ping"})
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{"ci-bot"}, gw.subjects)
}

func TestDeleteSession(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("mcp-test-secret"))
	h := newHarness(t, newGateway(), verifier)
	owner, _ := verifier.Generate("alice", time.Hour)
	other, _ := verifier.Generate("mallory", time.Hour)
	h.token = owner
	h.initialize()

	del := func(token, session string) int {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		if session != "" {
			req.Header.Set("Mcp-Session-Id", session)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.mux.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusBadRequest, del(owner, ""))
	assert.Equal(t, http.StatusForbidden, del(other, h.session))
	assert.Equal(t, http.StatusNoContent, del(owner, h.session))
	assert.Equal(t, http.StatusNotFound, del(owner, h.session))
	assert.Zero(t, h.server.Sessions())
}

func TestResultText(t *testing.T) {
	s, err := ResultText(nil)
	require.NoError(t, err)
	assert.Empty(t, s)

	s, err = ResultText(&catalog.Result{Content: "plain"})
	require.NoError(t, err)
	assert.Equal(t, "plain", s)

	s, err = ResultText(&catalog.Result{Content: []any{1.0, "two"}})
	require.NoError(t, err)
	assert.Equal(t, `[1,"two"]`, s)

	_, err = ResultText(&catalog.Result{Content: make(chan int)})
	assert.Error(t, err)
}
