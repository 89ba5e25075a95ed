// ABOUTME: In-process tools that execute inside the gateway.
// ABOUTME: Handlers take and return JSON so local tools look like every other provider.

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ToolHandler executes a local tool. It receives the call arguments as JSON
// and returns the result as JSON.
type ToolHandler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// LocalTool is a tool implemented in Go.
type LocalTool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     ToolHandler
}

// LocalTools is the executor for every SourceLocal tool.
type LocalTools struct {
	mu    sync.RWMutex
	tools map[string]*LocalTool
}

var _ Executor = (*LocalTools)(nil)

// NewLocalTools creates an empty local tool set.
func NewLocalTools() *LocalTools {
	return &LocalTools{tools: make(map[string]*LocalTool)}
}

// Register adds tools. Returns ErrToolCollision if any name is taken; in that
// case nothing is registered.
func (l *LocalTools) Register(tools ...*LocalTool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range tools {
		if _, exists := l.tools[t.Name]; exists {
			return fmt.Errorf("%w: local tool '%s' already registered", ErrToolCollision, t.Name)
		}
	}
	for _, t := range tools {
		l.tools[t.Name] = t
	}
	return nil
}

// Descriptors lists the registered tools as catalog descriptors.
func (l *LocalTools) Descriptors() []Descriptor {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Descriptor, 0, len(l.tools))
	for _, t := range l.tools {
		schema := t.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, Descriptor{
			Name:         t.Name,
			OriginalName: t.Name,
			Description:  t.Description,
			Schema:       schema,
			Source:       Source{Kind: SourceLocal},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs the named local tool.
func (l *LocalTools) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	l.mu.RLock()
	t, ok := l.tools[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}
	output, err := t.Handler(ctx, input)
	if err != nil {
		return nil, err
	}
	return DecodeResult(output)
}

// DecodeResult turns a JSON tool output into a Result. Empty output is a nil result.
func DecodeResult(output json.RawMessage) (*Result, error) {
	if len(output) == 0 {
		return &Result{}, nil
	}
	var content any
	if err := json.Unmarshal(output, &content); err != nil {
		return nil, fmt.Errorf("decoding tool output: %w", err)
	}
	return &Result{Content: content}, nil
}
