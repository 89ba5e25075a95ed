// ABOUTME: Per-invocation context threaded through the before and after phases of a tool call.
// ABOUTME: Scratch is writable while tool:before runs and read-only once the call is frozen.

package events

import (
	"errors"
	"sync"
	"time"
)

// ErrScratchFrozen is returned when a post-call hook tries to write scratch.
var ErrScratchFrozen = errors.New("call context is read-only after the before phase")

// CallContext carries per-call state between tool:before and tool:after hooks.
type CallContext struct {
	Tool      string
	Arguments map[string]any
	StartedAt time.Time

	mu      sync.RWMutex
	scratch map[string]any
	frozen  bool
}

// NewCallContext snapshots the arguments of a call entering the pipeline.
func NewCallContext(tool string, arguments map[string]any) *CallContext {
	return &CallContext{
		Tool:      tool,
		Arguments: CloneMap(arguments),
		StartedAt: time.Now(),
		scratch:   make(map[string]any),
	}
}

// Get reads a scratch value written by an earlier hook.
func (c *CallContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.scratch[key]
	return v, ok
}

// GetString reads a scratch value as a string.
func (c *CallContext) GetString(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}

// Set writes a scratch value. Fails once the call context is frozen.
func (c *CallContext) Set(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrScratchFrozen
	}
	c.scratch[key] = value
	return nil
}

// Freeze makes scratch read-only for the rest of the call.
func (c *CallContext) Freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

// Scratch returns a copy of all scratch values.
func (c *CallContext) Scratch() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CloneMap(c.scratch)
}

// Elapsed returns the time since the call entered the pipeline.
func (c *CallContext) Elapsed() time.Duration {
	return time.Since(c.StartedAt)
}
