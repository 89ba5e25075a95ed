// ABOUTME: Tests for the interceptor pipeline phases against a real bus and catalog.
// ABOUTME: Covers transforms, short-circuiting, argument rewrites, error passthrough and timeouts.

package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/script"
)

var errBackend = errors.New("backend exploded")

type harness struct {
	bus      *events.Bus
	catalog  *catalog.Catalog
	pipeline *Pipeline
	runtime  *script.Lua
	calls    atomic.Int32
	hooks    []*events.Hook
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{runtime: script.NewLua(script.LuaConfig{})}
	h.bus = events.NewBus(events.BusConfig{Runtime: h.runtime, HookTimeout: time.Second})
	h.catalog = catalog.New(nil)

	local := catalog.NewLocalTools()
	require.NoError(t, local.Register(
		&catalog.LocalTool{Name: "echo_hello", Handler: h.echo},
		&catalog.LocalTool{Name: "broken", Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			h.calls.Add(1)
			return nil, errBackend
		}},
		&catalog.LocalTool{Name: "slow", Handler: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return json.RawMessage(`"late"`), nil
		}},
	))
	src := catalog.Source{Kind: catalog.SourceLocal}
	h.catalog.Bind(src, local)
	for _, d := range local.Descriptors() {
		require.NoError(t, h.catalog.Insert(d))
	}

	h.pipeline = New(Config{
		Resolver:    h.catalog,
		Bus:         h.bus,
		CallTimeout: 200 * time.Millisecond,
	})
	return h
}

// echo returns arguments.text, defaulting to "hi".
func (h *harness) echo(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	h.calls.Add(1)
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	text, ok := args["text"].(string)
	if !ok {
		text = "hi"
	}
	return json.Marshal(text)
}

func (h *harness) add(hooks ...*events.Hook) {
	for _, hk := range hooks {
		hk.Order = uint64(len(h.hooks))
		h.hooks = append(h.hooks, hk)
	}
	h.bus.Install(events.NewSnapshot(uint64(len(h.hooks)), h.hooks))
}

func (h *harness) addScript(t *testing.T, id, event, pattern string, priority int32, source string) {
	t.Helper()
	compiled, err := h.runtime.Compile(id+".lua", source, "hook")
	require.NoError(t, err)
	h.add(&events.Hook{
		ID: id, EventPattern: event, IdentifierPattern: pattern, Priority: priority, Enabled: true,
		Body: events.ScriptRef{Path: id + ".lua", Compiled: compiled},
	})
}

func native(id string, kind events.Kind, priority int32, fn events.NativeFunc) *events.Hook {
	return &events.Hook{
		ID: id, EventPattern: string(kind), IdentifierPattern: "*", Priority: priority, Enabled: true,
		Body: events.Native(fn),
	}
}

type recorder struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (r *recorder) hook() *events.Hook {
	return &events.Hook{
		ID: "recorder", EventPattern: "*", IdentifierPattern: "*", Priority: 10000, Enabled: true,
		Body: events.Native(func(_ context.Context, ev *events.Event) (*events.Event, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.kinds = append(r.kinds, ev.Kind)
			return nil, nil
		}),
	}
}

func (r *recorder) seen() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Kind(nil), r.kinds...)
}

func TestPipelineUppercaseTransform(t *testing.T) {
	h := newHarness(t)
	h.addScript(t, "uppercase", "tool:after", "echo*", 10, `
function hook(payload)
  payload.result = string.upper(payload.result)
  return payload
end`)

	res, err := h.pipeline.Execute(context.Background(), Request{Tool: "echo_hello"})
	require.NoError(t, err)
	assert.Equal(t, "HI", res.Content)
}

func TestPipelineShortCircuit(t *testing.T) {
	h := newHarness(t)
	var laterBefore, after atomic.Bool

	h.add(
		native("cache", events.KindToolBefore, 1, func(_ context.Context, ev *events.Event) (*events.Event, error) {
			ev.ShortCircuit("cached")
			return ev, nil
		}),
		native("later", events.KindToolBefore, 2, func(context.Context, *events.Event) (*events.Event, error) {
			laterBefore.Store(true)
			return nil, nil
		}),
		native("after", events.KindToolAfter, 1, func(_ context.Context, ev *events.Event) (*events.Event, error) {
			after.Store(true)
			ev.Payload[events.PayloadResult] = ev.Payload[events.PayloadResult].(string) + "!"
			return ev, nil
		}),
	)

	res, err := h.pipeline.Execute(context.Background(), Request{Tool: "echo_hello"})
	require.NoError(t, err)
	assert.Equal(t, "cached!", res.Content)
	assert.Zero(t, h.calls.Load(), "executor must not run")
	assert.False(t, laterBefore.Load(), "before phase ends at the short-circuit")
	assert.True(t, after.Load(), "after hooks see the canned result")
}

func TestPipelineShortCircuitFromScript(t *testing.T) {
	h := newHarness(t)
	h.addScript(t, "deny", "tool:before", "echo*", 0, `
function hook(payload)
  payload.short_circuit = "denied"
  return payload
end`)

	res, err := h.pipeline.Execute(context.Background(), Request{Tool: "echo_hello"})
	require.NoError(t, err)
	assert.Equal(t, "denied", res.Content)
	assert.Zero(t, h.calls.Load())
}

func TestPipelineRewritesArguments(t *testing.T) {
	h := newHarness(t)
	h.addScript(t, "rewrite", "tool:before", "echo*", 0, `
function hook(payload, scratch)
  payload.arguments.text = "rewritten"
  scratch.set("touched", true)
  return payload
end`)

	var sawScratch atomic.Bool
	h.add(native("check", events.KindToolAfter, 0, func(_ context.Context, ev *events.Event) (*events.Event, error) {
		v, _ := ev.Call.Get("touched")
		sawScratch.Store(v == true)
		if err := ev.Call.Set("late", 1); !errors.Is(err, events.ErrScratchFrozen) {
			return nil, errors.New("scratch writable after before phase")
		}
		return nil, nil
	}))

	original := map[string]any{"text": "original"}
	res, err := h.pipeline.Execute(context.Background(), Request{Tool: "echo_hello", Arguments: original})
	require.NoError(t, err)
	assert.Equal(t, "rewritten", res.Content)
	assert.True(t, sawScratch.Load())
	assert.Equal(t, "original", original["text"], "caller's map is not mutated")
}

func TestPipelineErrorPassthrough(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	var gotError atomic.Value
	h.add(
		rec.hook(),
		native("mangle", events.KindToolError, 0, func(_ context.Context, ev *events.Event) (*events.Event, error) {
			gotError.Store(ev.Payload[events.PayloadError])
			ev.Payload[events.PayloadError] = "something else entirely"
			return ev, nil
		}),
	)

	_, err := h.pipeline.Execute(context.Background(), Request{Tool: "broken"})
	require.Error(t, err)

	var execErr *ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "broken", execErr.Tool)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, errBackend, errors.Unwrap(err))
	assert.Equal(t, errBackend.Error(), gotError.Load())
	assert.Equal(t, []events.Kind{events.KindToolBefore, events.KindToolError}, rec.seen())
}

func TestPipelineUnknownToolPublishesNothing(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	h.add(rec.hook())

	_, err := h.pipeline.Execute(context.Background(), Request{Tool: "nope"})
	assert.ErrorIs(t, err, catalog.ErrUnknownTool)
	assert.Empty(t, rec.seen())
}

func TestPipelineTimeout(t *testing.T) {
	h := newHarness(t)

	start := time.Now()
	_, err := h.pipeline.Execute(context.Background(), Request{Tool: "slow"})
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPipelineFailingHookIsInvisible(t *testing.T) {
	h := newHarness(t)
	h.add(native("boom", events.KindToolAfter, 0, func(_ context.Context, ev *events.Event) (*events.Event, error) {
		ev.Payload[events.PayloadResult] = "corrupted"
		return nil, errors.New("boom")
	}))

	res, err := h.pipeline.Execute(context.Background(), Request{Tool: "echo_hello", Arguments: map[string]any{"text": "ok"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
}
