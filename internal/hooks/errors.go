// ABOUTME: Error types reported while discovering script hooks and tools.
// ABOUTME: Metadata and compile failures are distinct types that both wrap ErrDiscovery.

package hooks

import (
	"errors"
	"fmt"
)

// ErrDiscovery is wrapped by every per-file discovery failure.
var ErrDiscovery = errors.New("hook discovery failed")

// ErrDuplicateDeclaration marks a hook id or tool name declared twice in one
// discovery directory.
var ErrDuplicateDeclaration = errors.New("duplicate declaration")

// MetadataError reports a malformed declaration comment. It never depends on
// whether the script itself compiles.
type MetadataError struct {
	Path string
	Line int
	Msg  string
	Err  error
}

func (e *MetadataError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: invalid declaration: %s", e.Path, e.Line, e.Msg)
	}
	return fmt.Sprintf("%s: invalid declaration: %s", e.Path, e.Msg)
}

func (e *MetadataError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDiscovery, e.Err}
	}
	return []error{ErrDiscovery}
}

// CompileError reports a script that declared itself correctly but failed to
// compile or did not define its entry function.
type CompileError struct {
	Path string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *CompileError) Unwrap() []error { return []error{ErrDiscovery, e.Err} }
