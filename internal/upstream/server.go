// ABOUTME: One upstream MCP server: connection loop, tool discovery and call forwarding.
// ABOUTME: Failures drop the server's tools and retry with exponential backoff; other servers are unaffected.

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/events"
)

// Retry defaults.
const (
	DefaultRetryInitial = 500 * time.Millisecond
	DefaultRetryMax     = 30 * time.Second
)

// ErrSessionClosed is the failure reason when the remote end closes the session.
var ErrSessionClosed = errors.New("session closed by server")

// ServerConfig describes one upstream server.
type ServerConfig struct {
	Name      string
	Prefix    string
	Transport string
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string

	RetryInitial time.Duration
	RetryMax     time.Duration

	// Dial overrides the transport built from the fields above.
	Dial Dialer
}

// StateFunc observes state transitions.
type StateFunc func(server string, state State, reason string)

// Server manages the connection to one upstream server. It is the catalog
// executor for every tool under its namespace prefix.
type Server struct {
	name      string
	prefix    string
	transport string
	dial      Dialer
	retryInit time.Duration
	retryMax  time.Duration

	bus      catalog.Publisher
	feed     *catalog.Feed
	onState  StateFunc
	version  string
	logger   *slog.Logger
	source   catalog.Source
	attempts int

	mu      sync.RWMutex
	state   State
	reason  string
	session *mcp.ClientSession
	tools   int
}

var (
	_ catalog.Executor     = (*Server)(nil)
	_ catalog.Availability = (*Server)(nil)
)

// Name returns the configured server name.
func (s *Server) Name() string { return s.name }

// Prefix returns the namespace prefix applied to the server's tools.
func (s *Server) Prefix() string { return s.prefix }

// Source returns the catalog source of the server's tools.
func (s *Server) Source() catalog.Source { return s.source }

// State returns the current state and, for StateFailed, the reason.
func (s *Server) State() (State, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.reason
}

// Available reports whether calls can be forwarded right now.
func (s *Server) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected && s.session != nil
}

// Status returns a snapshot for listings.
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Name:   s.name,
		Prefix: s.prefix,
		State:  s.state.String(),
		Reason: s.reason,
		Tools:  s.tools,
	}
}

func (s *Server) setState(state State, reason string) {
	s.mu.Lock()
	changed := s.state != state || s.reason != reason
	s.state = state
	s.reason = reason
	if state != StateConnected {
		s.session = nil
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	if state == StateFailed {
		s.logger.Warn("upstream failed", "state", state.String(), "reason", reason)
	} else {
		s.logger.Info("upstream state", "state", state.String())
	}
	if s.onState != nil {
		s.onState(s.name, state, reason)
	}
}

// Execute forwards a call for the tool the server knows as name.
func (s *Server) Execute(ctx context.Context, name string, args map[string]any) (*catalog.Result, error) {
	s.mu.RLock()
	session := s.session
	connected := s.state == StateConnected
	s.mu.RUnlock()
	if !connected || session == nil {
		return nil, fmt.Errorf("%w: %s%s (server %s)", catalog.ErrToolUnavailable, s.prefix, name, s.name)
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("calling %s on %s: %w", name, s.name, err)
	}
	if res.IsError {
		return nil, &RemoteError{Server: s.name, Tool: name, Message: contentText(res.Content)}
	}
	return &catalog.Result{Content: resultContent(res)}, nil
}

// RemoteError is a tool failure reported by the upstream server itself.
type RemoteError struct {
	Server  string
	Tool    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s/%s reported an error", e.Server, e.Tool)
	}
	return e.Message
}

// run keeps the server connected until ctx is cancelled.
func (s *Server) run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInit
	b.MaxInterval = s.retryMax
	b.MaxElapsedTime = 0

	for {
		s.setState(StateConnecting, "")
		err := s.connectAndServe(ctx, b.Reset)

		s.mu.Lock()
		s.session = nil
		s.tools = 0
		s.mu.Unlock()
		s.feed.Drop(context.WithoutCancel(ctx), s.source)

		if ctx.Err() != nil {
			s.setState(StateDisconnected, "")
			return
		}
		s.setState(StateFailed, err.Error())

		wait := b.NextBackOff()
		s.logger.Debug("retrying upstream", "in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected, "")
			return
		case <-timer.C:
		}
	}
}

// connectAndServe runs one session: dial, handshake, initial listing, then
// re-list on every tools/list_changed until the session ends.
func (s *Server) connectAndServe(ctx context.Context, onConnected func()) error {
	s.attempts++
	transport, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}

	changed := make(chan struct{}, 1)
	client := mcp.NewClient(&mcp.Implementation{Name: "toolgate", Version: s.version}, &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
	})

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("initializing: %w", err)
	}
	defer func() { _ = session.Close() }()

	descs, err := s.list(ctx, session)
	if err != nil {
		return err
	}

	// Connected before the first discovery so listed tools resolve at once.
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	s.setState(StateConnected, "")
	onConnected()
	s.sync(ctx, descs)

	s.bus.Publish(ctx, events.New(events.KindPeerAttached, s.name, map[string]any{
		"server":    s.name,
		"transport": s.transport,
		"prefix":    s.prefix,
		"tools":     s.Status().Tools,
		"attempt":   s.attempts,
	}))

	closed := make(chan error, 1)
	go func() { closed <- session.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-closed:
			if err == nil {
				err = ErrSessionClosed
			}
			return err
		case <-changed:
			s.logger.Debug("tool list changed")
			if err := s.refresh(ctx, session); err != nil {
				return err
			}
		}
	}
}

// refresh lists every tool and feeds the difference to the bus.
func (s *Server) refresh(ctx context.Context, session *mcp.ClientSession) error {
	descs, err := s.list(ctx, session)
	if err != nil {
		return err
	}
	s.sync(ctx, descs)
	return nil
}

func (s *Server) list(ctx context.Context, session *mcp.ClientSession) ([]catalog.Descriptor, error) {
	var descs []catalog.Descriptor
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("listing tools: %w", err)
		}
		for _, t := range res.Tools {
			descs = append(descs, s.describe(t))
		}
		if res.NextCursor == "" {
			break
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
	return descs, nil
}

func (s *Server) sync(ctx context.Context, descs []catalog.Descriptor) {
	s.mu.Lock()
	s.tools = len(descs)
	s.mu.Unlock()
	discovered, removed := s.feed.Sync(ctx, s.source, descs)
	s.logger.Debug("tools synced", "tools", len(descs), "discovered", discovered, "removed", removed)
}

func (s *Server) describe(t *mcp.Tool) catalog.Descriptor {
	d := catalog.Descriptor{
		Name:         s.prefix + t.Name,
		OriginalName: t.Name,
		Description:  t.Description,
		Source:       s.source,
	}
	if t.InputSchema != nil {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			d.Schema = raw
		}
	}
	return d
}

// resultContent flattens an MCP result: structured content when present,
// a single string for all-text content, otherwise the content list as JSON.
func resultContent(res *mcp.CallToolResult) any {
	if res.StructuredContent != nil {
		return normalize(res.StructuredContent)
	}
	allText := true
	for _, c := range res.Content {
		if _, ok := c.(*mcp.TextContent); !ok {
			allText = false
			break
		}
	}
	if allText {
		if len(res.Content) == 0 {
			return nil
		}
		return contentText(res.Content)
	}
	return normalize(res.Content)
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if t, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// normalize converts v into plain JSON-shaped values.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
