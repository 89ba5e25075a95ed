// ABOUTME: Interceptor pipeline that runs every tool call through before, execute and after phases.
// ABOUTME: Hooks may rewrite arguments, short-circuit with a canned result, or transform the result.

package interceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/events"
)

// DefaultCallTimeout bounds a single executor invocation.
const DefaultCallTimeout = 30 * time.Second

// ErrCallTimeout is returned when the executor does not finish in time.
var ErrCallTimeout = errors.New("tool call timed out")

// ToolExecutionError wraps an executor failure. The wrapped error is always
// the executor's own error, whatever tool:error hooks did with the event.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// Resolver maps a qualified tool name to its executor.
type Resolver interface {
	Resolve(name string) (catalog.Descriptor, catalog.Executor, error)
}

// Request is one tool invocation entering the gateway.
type Request struct {
	Tool      string
	Arguments map[string]any
}

// Config contains configuration options for the Pipeline.
type Config struct {
	Resolver    Resolver
	Bus         *events.Bus
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Pipeline executes tool calls.
type Pipeline struct {
	resolver    Resolver
	bus         *events.Bus
	callTimeout time.Duration
	logger      *slog.Logger
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		resolver:    cfg.Resolver,
		bus:         cfg.Bus,
		callTimeout: timeout,
		logger:      logger.With("component", "pipeline"),
	}
}

// Execute runs req through the pipeline:
//
//  1. resolve the executor; unknown or unavailable tools fail immediately
//  2. publish tool:before; hooks may rewrite arguments or short-circuit
//  3. freeze the call context
//  4. run the executor under the call timeout unless short-circuited
//  5. publish tool:after with the result, or tool:error with the failure
func (p *Pipeline) Execute(ctx context.Context, req Request) (*catalog.Result, error) {
	desc, exec, err := p.resolver.Resolve(req.Tool)
	if err != nil {
		p.logger.Debug("tool not resolved", "tool_name", req.Tool, "error", err)
		return nil, err
	}

	args := events.CloneMap(req.Arguments)
	if args == nil {
		args = make(map[string]any)
	}
	call := events.NewCallContext(req.Tool, args)

	before := events.New(events.KindToolBefore, req.Tool, map[string]any{
		events.PayloadTool:      req.Tool,
		events.PayloadArguments: args,
	})
	before.Call = call
	before = p.bus.Publish(ctx, before)
	call.Freeze()

	if rewritten, ok := before.Payload[events.PayloadArguments].(map[string]any); ok {
		args = rewritten
	}

	var result any
	if canned, ok := before.ShortCircuitResult(); ok {
		p.logger.Debug("→ short-circuited", "tool_name", req.Tool, "request_id", call.GetString("request_id"))
		result = canned
	} else {
		p.logger.Debug("→ dispatching",
			"tool_name", req.Tool,
			"source", desc.Source.Key(),
			"request_id", call.GetString("request_id"),
		)
		res, err := p.run(ctx, exec, desc.OriginalName, args)
		if err != nil {
			p.publishError(ctx, call, req.Tool, desc.Source.Key(), args, err)
			return nil, &ToolExecutionError{Tool: req.Tool, Err: err}
		}
		result = res.Content
	}

	after := events.New(events.KindToolAfter, req.Tool, map[string]any{
		events.PayloadTool:      req.Tool,
		events.PayloadArguments: args,
		events.PayloadResult:    result,
		events.PayloadSource:    desc.Source.Key(),
	})
	after.Call = call
	after = p.bus.Publish(ctx, after)

	p.logger.Debug("← completed", "tool_name", req.Tool, "elapsed", call.Elapsed())
	return &catalog.Result{Content: after.Payload[events.PayloadResult]}, nil
}

type execOutcome struct {
	res *catalog.Result
	err error
}

// run invokes the executor in its own goroutine so a stuck executor is
// abandoned once the call timeout fires.
func (p *Pipeline) run(ctx context.Context, exec catalog.Executor, name string, args map[string]any) (*catalog.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()
		res, err := exec.Execute(ctx, name, args)
		if err == nil && res == nil {
			res = &catalog.Result{}
		}
		done <- execOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrCallTimeout, p.callTimeout)
		}
		return nil, ctx.Err()
	}
}

func (p *Pipeline) publishError(ctx context.Context, call *events.CallContext, tool, source string, args map[string]any, err error) {
	p.logger.Warn("tool execution failed", "tool_name", tool, "error", err)
	ev := events.New(events.KindToolError, tool, map[string]any{
		events.PayloadTool:      tool,
		events.PayloadArguments: args,
		events.PayloadError:     err.Error(),
		events.PayloadSource:    source,
	})
	ev.Call = call
	p.bus.Publish(ctx, ev)
}
