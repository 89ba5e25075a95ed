// ABOUTME: Lua implementation of the script Runtime built on gopher-lua.
// ABOUTME: Each invocation gets a fresh sandboxed state with safe libraries and a wall-clock deadline.

package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Defaults applied by NewLua when the config leaves a field zero.
const (
	DefaultTimeout         = time.Second
	DefaultRegistryMaxSize = 64 * 1024
	DefaultCallStackSize   = 256
)

// globals removed from the base library before any script runs.
var unsafeGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"collectgarbage", "getfenv", "setfenv", "newproxy", "_printregs",
}

// LuaConfig contains configuration options for the Lua runtime.
type LuaConfig struct {
	Timeout         time.Duration
	RegistryMaxSize int
	CallStackSize   int
	Logger          *slog.Logger
}

// Lua compiles and runs Lua 5.1 scripts.
type Lua struct {
	timeout         time.Duration
	registryMaxSize int
	callStackSize   int
	logger          *slog.Logger
}

var _ Runtime = (*Lua)(nil)

// NewLua creates a Lua runtime.
func NewLua(cfg LuaConfig) *Lua {
	l := &Lua{
		timeout:         cfg.Timeout,
		registryMaxSize: cfg.RegistryMaxSize,
		callStackSize:   cfg.CallStackSize,
		logger:          cfg.Logger,
	}
	if l.timeout <= 0 {
		l.timeout = DefaultTimeout
	}
	if l.registryMaxSize <= 0 {
		l.registryMaxSize = DefaultRegistryMaxSize
	}
	if l.callStackSize <= 0 {
		l.callStackSize = DefaultCallStackSize
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "script")
	return l
}

type luaCompiled struct {
	name  string
	entry string
	proto *lua.FunctionProto
}

func (c *luaCompiled) Name() string  { return c.name }
func (c *luaCompiled) Entry() string { return c.entry }

// Compile parses source, runs its top-level chunk once in a throwaway
// sandbox and checks that entry names a global function.
func (l *Lua) Compile(name, source, entry string) (Compiled, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCompile, name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCompile, name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	L := l.newState(ctx, name)
	defer L.Close()

	if err := l.load(L, proto); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCompile, name, err)
	}
	if fn := L.GetGlobal(entry); fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %s: entry %q is %s, want function", ErrCompile, name, entry, fn.Type())
	}

	return &luaCompiled{name: name, entry: entry, proto: proto}, nil
}

// Invoke runs the compiled chunk in a fresh state and calls its entry
// function with input and, when non-nil, a scratch table.
func (l *Lua) Invoke(ctx context.Context, c Compiled, input any, scratch Scratch) (any, error) {
	compiled, ok := c.(*luaCompiled)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported compiled script %T", ErrRuntime, c)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	L := l.newState(ctx, compiled.name)
	defer L.Close()

	if err := l.load(L, compiled.proto); err != nil {
		return nil, l.runtimeError(ctx, compiled, err)
	}

	fn := L.GetGlobal(compiled.entry)
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %s: entry %q missing", ErrRuntime, compiled.name, compiled.entry)
	}

	args := []lua.LValue{ToLua(L, input)}
	if scratch != nil {
		args = append(args, scratchTable(L, scratch))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return nil, l.runtimeError(ctx, compiled, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	return FromLua(ret), nil
}

func (l *Lua) runtimeError(ctx context.Context, c *luaCompiled, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrRuntime, c.name, ctxErr)
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return fmt.Errorf("%w: %s: %s", ErrRuntime, c.name, apiErr.Object.String())
	}
	return fmt.Errorf("%w: %s: %v", ErrRuntime, c.name, err)
}

func (l *Lua) load(L *lua.LState, proto *lua.FunctionProto) error {
	L.Push(L.NewFunctionFromProto(proto))
	return L.PCall(0, lua.MultRet, nil)
}

// newState builds a sandboxed state: base, string, table and math only.
func (l *Lua) newState(ctx context.Context, name string) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:     true,
		CallStackSize:    l.callStackSize,
		RegistryMaxSize:  l.registryMaxSize,
		RegistryGrowStep: 32,
	})

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.TabLibName, lua.OpenTable},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, g := range unsafeGlobals {
		L.SetGlobal(g, lua.LNil)
	}

	logger := l.logger.With("script", name)
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		logger.Info(strings.Join(parts, " "))
		return 0
	}))

	L.SetContext(ctx)
	return L
}

// scratchTable exposes a Scratch as {get = fn(key), set = fn(key, value)}.
func scratchTable(L *lua.LState, scratch Scratch) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "get", L.NewFunction(func(L *lua.LState) int {
		v, ok := scratch.Get(L.CheckString(1))
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(ToLua(L, v))
		return 1
	}))
	L.SetField(tbl, "set", L.NewFunction(func(L *lua.LState) int {
		if err := scratch.Set(L.CheckString(1), FromLua(L.Get(2))); err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	}))
	return tbl
}
