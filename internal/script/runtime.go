// ABOUTME: Script capability consumed by the gateway: compile a source, invoke the result.
// ABOUTME: Failures from either operation are treated by callers as ordinary hook or tool errors.

package script

import (
	"context"
	"errors"
)

// ErrCompile wraps every compile-time failure.
var ErrCompile = errors.New("script compile failed")

// ErrRuntime wraps every invocation failure, including timeouts.
var ErrRuntime = errors.New("script runtime error")

// Scratch is the per-call key/value area a script may read and write.
type Scratch interface {
	Get(key string) (any, bool)
	Set(key string, value any) error
}

// Compiled is an opaque, reusable compiled script bound to one entry function.
type Compiled interface {
	Name() string
	Entry() string
}

// Runtime compiles and invokes sandboxed scripts.
type Runtime interface {
	// Compile parses and validates source and checks that entry is a function.
	Compile(name, source, entry string) (Compiled, error)

	// Invoke calls the compiled entry function with input and the optional
	// scratch area, returning whatever the function returned.
	Invoke(ctx context.Context, c Compiled, input any, scratch Scratch) (any, error)
}
