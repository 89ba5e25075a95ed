// ABOUTME: HTTP surface of the gateway: health probes, /mcp, the /events stream and the JSON API
// ABOUTME: Everything except the probes sits behind bearer auth when a jwt_secret is configured

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/store"
)

func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/ready", g.handleReady)

	g.mcpServer.RegisterRoutes(mux)

	authMiddleware := auth.HTTPAuthMiddleware(tokenVerifier(g.verifier))
	mux.Handle("/events", authMiddleware(g.stream.Handler()))
	mux.Handle("/api/tools", authMiddleware(http.HandlerFunc(g.handleListTools)))
	mux.Handle("/api/upstreams", authMiddleware(http.HandlerFunc(g.handleListUpstreams)))
	mux.Handle("/api/hooks", authMiddleware(http.HandlerFunc(g.handleListHooks)))
	mux.Handle("/api/hooks/reload", authMiddleware(http.HandlerFunc(g.handleReload)))
	mux.Handle("/api/audit", authMiddleware(http.HandlerFunc(g.handleListAudit)))
	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once a hook snapshot has been installed.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.bus.Snapshot().Generation() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no hook snapshot installed"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d tools)", g.catalog.Len())
}

// ToolInfo is one entry of GET /api/tools.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Source      string          `json:"source"`
	Schema      json.RawMessage `json:"input_schema,omitempty"`
}

func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	descs := g.ListTools()
	out := make([]ToolInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, toolInfo(d))
	}
	sendJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func toolInfo(d catalog.Descriptor) ToolInfo {
	return ToolInfo{
		Name:        d.Name,
		Description: d.Description,
		Source:      d.Source.Key(),
		Schema:      d.Schema,
	}
}

func (g *Gateway) handleListUpstreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"upstreams": g.Upstreams()})
}

// HookInfo is one entry of GET /api/hooks.
type HookInfo struct {
	ID       string `json:"id"`
	Event    string `json:"event"`
	Pattern  string `json:"pattern"`
	Priority int32  `json:"priority"`
	Enabled  bool   `json:"enabled"`
	Source   string `json:"source"`
}

func (g *Gateway) handleListHooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap := g.bus.Snapshot()
	out := make([]HookInfo, 0, snap.Len())
	for _, h := range snap.Hooks() {
		out = append(out, HookInfo{
			ID:       h.ID,
			Event:    h.EventPattern,
			Pattern:  h.IdentifierPattern,
			Priority: h.Priority,
			Enabled:  h.Enabled,
			Source:   h.Source(),
		})
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"generation": snap.Generation(),
		"hooks":      out,
		"errors":     errorStrings(g.LastReport().Errors),
	})
}

func (g *Gateway) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	report, err := g.Reload(r.Context())
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"generation": report.Generation,
		"hooks":      report.Hooks,
		"tools":      report.Tools,
		"errors":     errorStrings(report.Errors),
	})
}

// handleListAudit serves GET /api/audit?tool=&outcome=&since=&limit=.
func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	var filter store.AuditFilter
	if tool := q.Get("tool"); tool != "" {
		filter.Tool = &tool
	}
	if outcome := q.Get("outcome"); outcome != "" {
		filter.Outcome = &outcome
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	entries, err := g.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing audit log", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func errorStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}
