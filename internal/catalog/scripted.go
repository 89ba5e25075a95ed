// ABOUTME: Executor for tools implemented by discovered scripts.
// ABOUTME: Groups script tools by file and keeps catalog bindings in step with registry reloads.

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/2389/toolgate/internal/script"
)

// ScriptedTool is a tool backed by a compiled script function.
type ScriptedTool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Path        string
	Compiled    script.Compiled
}

// ScriptExecutor runs the tools of one script file.
type ScriptExecutor struct {
	runtime script.Runtime
	tools   map[string]script.Compiled
}

// Execute invokes the tool's entry function with the call arguments.
func (s *ScriptExecutor) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	compiled, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	out, err := s.runtime.Invoke(ctx, compiled, args, nil)
	if err != nil {
		return nil, err
	}
	return &Result{Content: out}, nil
}

// ScriptTools keeps the catalog in step with the script tools found by each
// hook registry reload.
type ScriptTools struct {
	catalog *Catalog
	feed    *Feed
	runtime script.Runtime

	mu    sync.Mutex
	paths map[string]bool
}

// NewScriptTools creates a script tool tracker feeding c through feed.
func NewScriptTools(c *Catalog, feed *Feed, rt script.Runtime) *ScriptTools {
	return &ScriptTools{
		catalog: c,
		feed:    feed,
		runtime: rt,
		paths:   make(map[string]bool),
	}
}

// Update binds an executor per script file and publishes removal events for
// files that disappeared before discovery events for new or changed tools.
func (s *ScriptTools) Update(ctx context.Context, tools []ScriptedTool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPath := make(map[string][]ScriptedTool)
	for _, t := range tools {
		byPath[t.Path] = append(byPath[t.Path], t)
	}

	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	// Departed files go first so a tool that moved to another file can take
	// over its name in the same update.
	for path := range s.paths {
		if _, still := byPath[path]; still {
			continue
		}
		src := Source{Kind: SourceScripted, Path: path}
		s.feed.Drop(ctx, src)
		s.catalog.Unbind(src)
	}

	for _, path := range paths {
		src := Source{Kind: SourceScripted, Path: path}
		exec := &ScriptExecutor{runtime: s.runtime, tools: make(map[string]script.Compiled)}
		descs := make([]Descriptor, 0, len(byPath[path]))
		for _, t := range byPath[path] {
			exec.tools[t.Name] = t.Compiled
			descs = append(descs, Descriptor{
				Name:         t.Name,
				OriginalName: t.Name,
				Description:  t.Description,
				Schema:       t.Schema,
				Source:       src,
			})
		}
		s.catalog.Bind(src, exec)
		s.feed.Sync(ctx, src, descs)
	}

	s.paths = make(map[string]bool, len(byPath))
	for p := range byPath {
		s.paths[p] = true
	}
}
