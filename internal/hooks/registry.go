// ABOUTME: Hook registry: owns native hooks, discovers script hooks and tools, builds snapshots.
// ABOUTME: Each Reload compiles changed scripts, applies overrides and installs one new snapshot on the bus.

package hooks

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/script"
)

// ScriptExtension marks files the registry scans.
const ScriptExtension = ".lua"

// ErrNativeHookExists is returned when a native hook id is registered twice.
var ErrNativeHookExists = errors.New("native hook already registered")

// Override adjusts a hook at snapshot build time. Nil fields keep the hook's value.
type Override struct {
	Enabled  *bool
	Pattern  string
	Priority *int32
}

// ScriptTool is a tool implemented by a discovered script.
type ScriptTool struct {
	Declaration ToolDeclaration
	Path        string
	ContentHash string
	Compiled    script.Compiled
}

// Report summarizes one reload.
type Report struct {
	Generation uint64
	Hooks      int
	Tools      int
	Errors     []error
}

// Config contains configuration options for the Registry.
type Config struct {
	Bus         *events.Bus
	Runtime     script.Runtime
	Directories []string
	Overrides   map[string]Override
	Logger      *slog.Logger

	// OnTools receives the full set of script tools after every reload.
	OnTools func([]ScriptTool)
}

// Registry is the only writer of hook snapshots.
type Registry struct {
	bus         *events.Bus
	runtime     script.Runtime
	directories []string
	overrides   map[string]Override
	onTools     func([]ScriptTool)
	logger      *slog.Logger

	mu         sync.Mutex
	native     []*events.Hook
	order      map[string]uint64
	nextOrder  uint64
	generation uint64
	compiled   map[string]script.Compiled
	tools      []ScriptTool
}

// NewRegistry creates a registry that installs snapshots on cfg.Bus.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bus:         cfg.Bus,
		runtime:     cfg.Runtime,
		directories: cfg.Directories,
		overrides:   cfg.Overrides,
		onTools:     cfg.OnTools,
		logger:      logger.With("component", "hooks"),
		order:       make(map[string]uint64),
		compiled:    make(map[string]script.Compiled),
	}
}

// RegisterNative adds an in-process hook. It takes effect on the next Reload.
func (r *Registry) RegisterNative(h *events.Hook) error {
	if h.ID == "" {
		return fmt.Errorf("native hook requires an id")
	}
	if _, ok := h.Body.(events.Native); !ok {
		return fmt.Errorf("hook %s: native hooks need a native body", h.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.native {
		if existing.ID == h.ID {
			return fmt.Errorf("%w: %s", ErrNativeHookExists, h.ID)
		}
	}
	c := *h
	r.native = append(r.native, &c)
	r.assignOrder(c.ID)
	return nil
}

// Directories returns the discovery directories in override order.
func (r *Registry) Directories() []string {
	return append([]string(nil), r.directories...)
}

// Tools returns the script tools found by the last reload.
func (r *Registry) Tools() []ScriptTool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ScriptTool(nil), r.tools...)
}

// candidate is one discovered script file before compilation.
type candidate struct {
	dir    int
	path   string
	hash   string
	source string
	decls  Declarations
}

// Reload rescans every discovery directory, compiles what changed and
// installs a new snapshot. Per-file failures are logged, reported and
// dropped; they never prevent the snapshot from being installed.
func (r *Registry) Reload(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report Report
	candidates := r.scan(ctx, &report)
	if err := ctx.Err(); err != nil {
		return report, err
	}

	// Later directories override earlier ones by hook id and tool name. Two
	// declarations of one id within a directory are both dropped.
	hookDecls := make(map[string]struct {
		decl HookDeclaration
		file *candidate
	})
	var hookIDs []string
	toolDecls := make(map[string]struct {
		decl ToolDeclaration
		file *candidate
	})
	var toolNames []string
	dupHooks := make(map[string]bool)
	dupTools := make(map[string]bool)

	nativeIDs := make(map[string]bool, len(r.native))
	for _, h := range r.native {
		nativeIDs[h.ID] = true
	}

	for _, c := range candidates {
		for _, d := range c.decls.Hooks {
			if nativeIDs[d.ID] {
				r.fail(&report, &MetadataError{Path: c.path, Line: d.Line, Msg: fmt.Sprintf("hook id %q is reserved by a built-in hook", d.ID)})
				continue
			}
			if prev, ok := hookDecls[d.ID]; !ok {
				hookIDs = append(hookIDs, d.ID)
			} else if prev.file.dir == c.dir {
				r.fail(&report, &MetadataError{Path: c.path, Line: d.Line, Msg: fmt.Sprintf("duplicate hook id %q, also declared in %s", d.ID, prev.file.path), Err: ErrDuplicateDeclaration})
				dupHooks[d.ID] = true
				continue
			} else {
				r.logger.Debug("hook overridden", "hook_id", d.ID, "path", c.path)
				delete(dupHooks, d.ID)
			}
			hookDecls[d.ID] = struct {
				decl HookDeclaration
				file *candidate
			}{d, c}
		}
		for _, d := range c.decls.Tools {
			if prev, ok := toolDecls[d.Name]; !ok {
				toolNames = append(toolNames, d.Name)
			} else if prev.file.dir == c.dir {
				r.fail(&report, &MetadataError{Path: c.path, Line: d.Line, Msg: fmt.Sprintf("duplicate tool name %q, also declared in %s", d.Name, prev.file.path), Err: ErrDuplicateDeclaration})
				dupTools[d.Name] = true
				continue
			} else {
				delete(dupTools, d.Name)
			}
			toolDecls[d.Name] = struct {
				decl ToolDeclaration
				file *candidate
			}{d, c}
		}
	}

	used := make(map[string]bool)
	hooks := make([]*events.Hook, 0, len(r.native)+len(hookIDs))
	for _, h := range r.native {
		c := *h
		hooks = append(hooks, &c)
	}

	for _, id := range hookIDs {
		if dupHooks[id] {
			continue
		}
		entry := hookDecls[id]
		compiled, err := r.compile(entry.file, entry.decl.Entry, used)
		if err != nil {
			r.fail(&report, err)
			continue
		}
		r.assignOrder(id)
		hooks = append(hooks, &events.Hook{
			ID:                id,
			EventPattern:      entry.decl.Event,
			IdentifierPattern: entry.decl.Pattern,
			Priority:          entry.decl.Priority,
			Enabled:           entry.decl.Enabled,
			Body: events.ScriptRef{
				Path:        entry.file.path,
				ContentHash: entry.file.hash,
				Compiled:    compiled,
			},
		})
	}

	var tools []ScriptTool
	for _, name := range toolNames {
		if dupTools[name] {
			continue
		}
		entry := toolDecls[name]
		compiled, err := r.compile(entry.file, entry.decl.Entry, used)
		if err != nil {
			r.fail(&report, err)
			continue
		}
		tools = append(tools, ScriptTool{
			Declaration: entry.decl,
			Path:        entry.file.path,
			ContentHash: entry.file.hash,
			Compiled:    compiled,
		})
	}

	for key := range r.compiled {
		if !used[key] {
			delete(r.compiled, key)
		}
	}

	for _, h := range hooks {
		h.Order = r.order[h.ID]
		r.applyOverride(h)
	}

	r.generation++
	snap := events.NewSnapshot(r.generation, hooks)
	if r.bus != nil {
		r.bus.Install(snap)
	}
	r.tools = tools
	if r.onTools != nil {
		r.onTools(append([]ScriptTool(nil), tools...))
	}

	report.Generation = r.generation
	report.Hooks = snap.Len()
	report.Tools = len(tools)
	r.logger.Info("hook snapshot installed",
		"generation", report.Generation,
		"hooks", report.Hooks,
		"tools", report.Tools,
		"errors", len(report.Errors),
	)
	return report, nil
}

// scan reads every script file in every directory, in directory order.
func (r *Registry) scan(ctx context.Context, report *Report) []*candidate {
	var out []*candidate
	for i, dir := range r.directories {
		if ctx.Err() != nil {
			return out
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			r.logger.Debug("discovery directory skipped", "path", dir)
			continue
		}

		var paths []string
		err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), ScriptExtension) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			r.fail(report, fmt.Errorf("%w: walking %s: %w", ErrDiscovery, dir, err))
		}
		sort.Strings(paths)

		for _, path := range paths {
			data, err := os.ReadFile(path)
			if err != nil {
				r.fail(report, fmt.Errorf("%w: reading %s: %w", ErrDiscovery, path, err))
				continue
			}
			source := string(data)
			stem := strings.TrimSuffix(filepath.Base(path), ScriptExtension)
			decls, err := ParseDeclarations(path, stem, source)
			if err != nil {
				r.fail(report, err)
				continue
			}
			if decls.Empty() {
				r.logger.Debug("script declares nothing", "path", path)
				continue
			}
			out = append(out, &candidate{
				dir:    i,
				path:   path,
				hash:   ContentHash(data),
				source: source,
				decls:  decls,
			})
		}
	}
	return out
}

func (r *Registry) compile(c *candidate, entry string, used map[string]bool) (script.Compiled, error) {
	if r.runtime == nil {
		return nil, &CompileError{Path: c.path, Err: errors.New("no script runtime configured")}
	}
	key := c.hash + ":" + entry
	used[key] = true
	if compiled, ok := r.compiled[key]; ok {
		return compiled, nil
	}
	compiled, err := r.runtime.Compile(filepath.Base(c.path), c.source, entry)
	if err != nil {
		return nil, &CompileError{Path: c.path, Err: err}
	}
	r.compiled[key] = compiled
	return compiled, nil
}

func (r *Registry) fail(report *Report, err error) {
	report.Errors = append(report.Errors, err)
	var metaErr *MetadataError
	var compileErr *CompileError
	switch {
	case errors.As(err, &metaErr):
		r.logger.Warn("script metadata rejected", "path", metaErr.Path, "line", metaErr.Line, "error", metaErr.Msg)
	case errors.As(err, &compileErr):
		r.logger.Warn("script failed to compile", "path", compileErr.Path, "error", compileErr.Err)
	default:
		r.logger.Warn("discovery error", "error", err)
	}
}

func (r *Registry) assignOrder(id string) {
	if _, ok := r.order[id]; ok {
		return
	}
	r.order[id] = r.nextOrder
	r.nextOrder++
}

// applyOverride applies the override keyed by the hook id, or by the part of
// the id before the first dot ("cache" covers "cache.lookup" and "cache.store").
func (r *Registry) applyOverride(h *events.Hook) {
	o, ok := r.overrides[h.ID]
	if !ok {
		group, _, found := strings.Cut(h.ID, ".")
		if !found {
			return
		}
		if o, ok = r.overrides[group]; !ok {
			return
		}
	}
	if o.Enabled != nil {
		h.Enabled = *o.Enabled
	}
	if o.Pattern != "" {
		h.IdentifierPattern = o.Pattern
	}
	if o.Priority != nil {
		h.Priority = *o.Priority
	}
}

// ContentHash returns the hex BLAKE2b-256 digest of a script.
func ContentHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
