// ABOUTME: Tests for the built-in hooks running on a real bus behind the interceptor pipeline
// ABOUTME: Covers request ids, caching, redaction, token budgets and the audit trail

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/dedupe"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/interceptor"
	"github.com/2389/toolgate/internal/store"
)

type fixture struct {
	bus      *events.Bus
	pipeline *interceptor.Pipeline
	calls    atomic.Int32
	lastID   atomic.Value
}

func newFixture(t *testing.T, hooks ...*events.Hook) *fixture {
	t.Helper()
	f := &fixture{bus: events.NewBus(events.BusConfig{HookTimeout: time.Second})}

	c := catalog.New(nil)
	l := localTools(t, append(CoreTools(),
		&catalog.LocalTool{Name: "counter", Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			n := f.calls.Add(1)
			return json.Marshal(map[string]any{"n": n, "token": "s3cret", "user": map[string]any{"email": "a@b.c"}})
		}},
		&catalog.LocalTool{Name: "broken", Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("backend exploded")
		}},
		&catalog.LocalTool{Name: "essay", Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(strings.Repeat("word ", 100))
		}},
	)...)
	c.Bind(catalog.Source{Kind: catalog.SourceLocal}, l)
	for _, d := range l.Descriptors() {
		require.NoError(t, c.Insert(d))
	}

	recordID := &events.Hook{
		ID:                "record_id",
		EventPattern:      string(events.KindToolBefore),
		IdentifierPattern: events.Wildcard,
		Priority:          0,
		Enabled:           true,
		Body: events.Native(func(_ context.Context, ev *events.Event) (*events.Event, error) {
			if ev.Call != nil {
				f.lastID.Store(ev.Call.GetString(ScratchRequestID))
			}
			return nil, nil
		}),
	}
	f.bus.Install(events.NewSnapshot(1, append(hooks, recordID)))

	f.pipeline = interceptor.New(interceptor.Config{Resolver: c, Bus: f.bus, CallTimeout: time.Second})
	return f
}

func (f *fixture) call(t *testing.T, tool string, args map[string]any) any {
	t.Helper()
	res, err := f.pipeline.Execute(context.Background(), interceptor.Request{Tool: tool, Arguments: args})
	require.NoError(t, err)
	return res.Content
}

func enabled(h *events.Hook) *events.Hook {
	h.Enabled = true
	return h
}

func TestRequestIDHook(t *testing.T) {
	f := newFixture(t, RequestIDHook())

	f.call(t, "ping", nil)
	first, _ := f.lastID.Load().(string)
	assert.Len(t, first, 36)

	f.call(t, "ping", nil)
	second, _ := f.lastID.Load().(string)
	assert.NotEqual(t, first, second)
}

func TestCacheHooks(t *testing.T) {
	cache := dedupe.New(time.Minute, 10)
	defer cache.Close()
	lookup, store := CacheHooks(cache, nil)
	assert.False(t, lookup.Enabled, "cache is opt-in")

	f := newFixture(t, enabled(lookup), enabled(store))

	first := f.call(t, "counter", map[string]any{"q": "x", "page": 1.0})
	second := f.call(t, "counter", map[string]any{"page": 1.0, "q": "x"})
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.calls.Load(), "second call served from cache")

	f.call(t, "counter", map[string]any{"q": "y"})
	assert.Equal(t, int32(2), f.calls.Load())

	hits, _ := cache.Stats()
	assert.Equal(t, uint64(1), hits)
}

func TestCacheHooks_ErrorsNotCached(t *testing.T) {
	cache := dedupe.New(time.Minute, 10)
	defer cache.Close()
	lookup, store := CacheHooks(cache, nil)
	f := newFixture(t, enabled(lookup), enabled(store))

	for i := 0; i < 2; i++ {
		_, err := f.pipeline.Execute(context.Background(), interceptor.Request{Tool: "broken"})
		require.Error(t, err)
	}
	assert.Equal(t, 0, cache.Len())
}

func TestRedactHook(t *testing.T) {
	f := newFixture(t, enabled(RedactHook([]string{"token", "user.email", "missing.path"})))

	got := f.call(t, "counter", nil).(map[string]any)
	assert.Equal(t, RedactedValue, got["token"])
	assert.Equal(t, RedactedValue, got["user"].(map[string]any)["email"])
	assert.Equal(t, float64(1), got["n"])
}

func TestRedact(t *testing.T) {
	out, changed, err := Redact(`{"token":"abc","keep":1}`, []string{"token"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.JSONEq(t, `{"token":"[REDACTED]","keep":1}`, out.(string))

	out, changed, err = Redact("not json at all", []string{"token"})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "not json at all", out)

	out, changed, err = Redact([]any{map[string]any{"token": "a"}, map[string]any{"token": "b"}}, []string{"0.token"})
	require.NoError(t, err)
	assert.True(t, changed)
	items := out.([]any)
	assert.Equal(t, RedactedValue, items[0].(map[string]any)["token"])
	assert.Equal(t, "b", items[1].(map[string]any)["token"])

	out, changed, err = Redact(nil, []string{"token"})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, out)
}

func TestTokenBudget(t *testing.T) {
	tb := newTokenBudget(10, approxTokenizer{}, nil)
	f := newFixture(t, enabled(tb.Hook()))

	got := f.call(t, "essay", nil).(string)
	assert.True(t, strings.HasPrefix(got, "word word "))
	assert.Contains(t, got, "[truncated: 10 of 125 tokens shown]")

	// non-string results pass through untouched
	assert.IsType(t, map[string]any{}, f.call(t, "counter", nil))
	assert.Equal(t, "pong", f.call(t, "ping", nil))
}

func TestTokenBudget_Apply(t *testing.T) {
	tb := newTokenBudget(2, approxTokenizer{}, nil)

	s, cut := tb.Apply("abcdefgh")
	assert.False(t, cut)
	assert.Equal(t, "abcdefgh", s)

	s, cut = tb.Apply("abcdefghijkl")
	assert.True(t, cut)
	assert.True(t, strings.HasPrefix(s, "abcdefgh\n"))
}

func TestAuditHooks(t *testing.T) {
	s := setupStore(t)
	bus := events.NewBus(events.BusConfig{HookTimeout: time.Second})

	hooks := append(AuditHooks(bus), AuditSinkHook(s, nil), RequestIDHook())
	f := newFixture(t, hooks...)
	// audit hooks publish on bus, so the fixture's snapshot must be live there too
	bus.Install(f.bus.Snapshot())

	f.call(t, "ping", nil)
	_, err := f.pipeline.Execute(context.Background(), interceptor.Request{Tool: "broken"})
	require.Error(t, err)

	entries, err := s.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byTool := map[string]store.AuditEntry{}
	for _, e := range entries {
		byTool[e.Tool] = e
	}
	assert.Equal(t, store.OutcomeOK, byTool["ping"].Outcome)
	assert.Equal(t, "local", byTool["ping"].Source)
	assert.Len(t, byTool["ping"].RequestID, 36)
	assert.Equal(t, store.OutcomeError, byTool["broken"].Outcome)
	assert.Equal(t, "backend exploded", byTool["broken"].Error)
}
