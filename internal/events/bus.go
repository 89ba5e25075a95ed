// ABOUTME: Event bus that dispatches events through the hooks of an immutable snapshot.
// ABOUTME: Dispatch is sequential and fail-open: hook errors, panics and timeouts are logged and skipped.

package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/2389/toolgate/internal/script"
)

// DefaultHookTimeout bounds a single hook invocation.
const DefaultHookTimeout = 2 * time.Second

// ErrHookTimeout is reported when a hook does not return within the hook timeout.
var ErrHookTimeout = errors.New("hook timed out")

// scriptHaltKey lets a script hook stop the chain without short-circuiting.
const scriptHaltKey = "halt"

// BusConfig contains configuration options for the Bus.
type BusConfig struct {
	Runtime     script.Runtime
	HookTimeout time.Duration
	Logger      *slog.Logger
}

// Bus dispatches events to the hooks of the currently installed snapshot.
type Bus struct {
	snapshot    atomic.Pointer[Snapshot]
	runtime     script.Runtime
	hookTimeout time.Duration
	logger      *slog.Logger
}

// NewBus creates a bus with an empty snapshot installed.
func NewBus(cfg BusConfig) *Bus {
	timeout := cfg.HookTimeout
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bus{
		runtime:     cfg.Runtime,
		hookTimeout: timeout,
		logger:      logger.With("component", "bus"),
	}
	b.snapshot.Store(NewSnapshot(0, nil))
	return b
}

// Install atomically replaces the active snapshot and returns the previous one.
// Dispatches already running keep the snapshot they started with.
func (b *Bus) Install(s *Snapshot) *Snapshot {
	return b.snapshot.Swap(s)
}

// Snapshot returns the active snapshot.
func (b *Bus) Snapshot() *Snapshot {
	return b.snapshot.Load()
}

// Publish runs ev through every matching hook of the active snapshot in
// (priority, discovery order) and returns the resulting event. Publish never
// fails: a hook that errors is logged and the chain continues with the event
// as it was before that hook ran.
func (b *Bus) Publish(ctx context.Context, ev *Event) *Event {
	snap := b.snapshot.Load()

	current := ev
	for _, h := range snap.Matching(ev.Kind, ev.Identifier) {
		next, err := b.invoke(ctx, h, current)
		if err != nil {
			b.logger.Warn("hook failed",
				"hook_id", h.ID,
				"event", string(ev.Kind),
				"identifier", ev.Identifier,
				"generation", snap.Generation(),
				"error", err,
			)
			continue
		}
		if next == nil {
			continue
		}
		current = next
		if current.Halted() {
			b.logger.Debug("dispatch halted",
				"hook_id", h.ID,
				"event", string(ev.Kind),
				"identifier", ev.Identifier,
			)
			break
		}
	}
	return current
}

type hookOutcome struct {
	ev  *Event
	err error
}

// invoke runs one hook against a clone of ev under the hook timeout. The
// hook runs in its own goroutine so one that ignores its context cannot
// stall dispatch; its late result is discarded.
func (b *Bus) invoke(ctx context.Context, h *Hook, ev *Event) (*Event, error) {
	hctx, cancel := context.WithTimeout(ctx, b.hookTimeout)
	defer cancel()

	done := make(chan hookOutcome, 1)
	clone := ev.Clone()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- hookOutcome{err: fmt.Errorf("hook panicked: %v", r)}
			}
		}()
		out, err := b.run(hctx, h, clone)
		done <- hookOutcome{ev: out, err: err}
	}()

	select {
	case res := <-done:
		return res.ev, res.err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrHookTimeout
	}
}

func (b *Bus) run(ctx context.Context, h *Hook, ev *Event) (*Event, error) {
	switch body := h.Body.(type) {
	case Native:
		return body(ctx, ev)
	case ScriptRef:
		return b.runScript(ctx, body, ev)
	default:
		return nil, fmt.Errorf("hook %s has no body", h.ID)
	}
}

func (b *Bus) runScript(ctx context.Context, ref ScriptRef, ev *Event) (*Event, error) {
	if b.runtime == nil {
		return nil, errors.New("no script runtime configured")
	}

	var scratch script.Scratch
	if ev.Call != nil {
		scratch = ev.Call
	}

	out, err := b.runtime.Invoke(ctx, ref.Compiled, ev.Payload, scratch)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	payload, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("script hook returned %T, want table or nil", out)
	}

	ev.Payload = payload
	if halt, _ := payload[scriptHaltKey].(bool); halt {
		delete(payload, scriptHaltKey)
		ev.Halt()
	}
	if _, ok := payload[PayloadShortCircuit]; ok && ev.Kind == KindToolBefore {
		ev.Halt()
	}
	return ev, nil
}
