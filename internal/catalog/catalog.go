// ABOUTME: Thread-safe aggregated tool catalog keyed by qualified tool name.
// ABOUTME: Entries are inserted and removed by bus hooks and resolved to executors at call time.

package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/2389/toolgate/internal/events"
)

// ErrUnknownTool indicates the tool was never discovered or was rejected.
var ErrUnknownTool = errors.New("unknown tool")

// ErrToolUnavailable indicates the tool's provider is not connected right now.
var ErrToolUnavailable = errors.New("tool temporarily unavailable")

// ErrToolCollision indicates a qualified name is already owned by another source.
var ErrToolCollision = errors.New("tool name collision")

// Hook ids of the catalog's bus subscriptions.
const (
	InsertHookID = "catalog.insert"
	RemoveHookID = "catalog.remove"
)

type entry struct {
	mu   sync.Mutex
	desc Descriptor
}

// Catalog is the aggregated set of tools visible to consumers.
type Catalog struct {
	entries sync.Map // qualified name -> *entry

	mu        sync.RWMutex
	executors map[string]Executor // source key -> executor
	prefixes  map[string]string   // namespace prefix -> upstream server
	origins   map[string]string   // source key + "\x00" + original name -> qualified name
	waiting   map[string]Descriptor // origin key -> descriptor rejected for a name collision

	listenMu  sync.Mutex
	listeners []func()

	logger *slog.Logger
}

// New creates an empty catalog.
func New(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		executors: make(map[string]Executor),
		prefixes:  make(map[string]string),
		origins:   make(map[string]string),
		waiting:   make(map[string]Descriptor),
		logger:    logger.With("component", "catalog"),
	}
}

// OnChange registers fn to run after every insert or removal. fn must not block.
func (c *Catalog) OnChange(fn func()) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Catalog) notify() {
	c.listenMu.Lock()
	fns := append([]func(){}, c.listeners...)
	c.listenMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Bind attaches the executor that serves every tool from src.
func (c *Catalog) Bind(src Source, exec Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executors[src.Key()] = exec
}

// Unbind detaches the executor for src. Tools from src stay listed until removed.
func (c *Catalog) Unbind(src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.executors, src.Key())
}

// ReservePrefix records that names starting with prefix belong to server, so
// calls to them fail with ErrToolUnavailable rather than ErrUnknownTool while
// the server is down.
func (c *Catalog) ReservePrefix(prefix, server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefixes[prefix] = server
}

func originKey(src Source, original string) string {
	return src.Key() + "\x00" + original
}

// Insert adds or updates a tool. Re-discovery from the same source replaces
// the descriptor; a different source claiming the same name is rejected.
// A rejected descriptor waits and is listed once the name is released.
func (c *Catalog) Insert(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("descriptor has no name")
	}
	key := originKey(d.Source, d.OriginalName)

	fresh := &entry{desc: d}
	actual, loaded := c.entries.LoadOrStore(d.Name, fresh)
	if loaded {
		e := actual.(*entry)
		e.mu.Lock()
		owner := e.desc.Source
		if owner != d.Source {
			e.mu.Unlock()
			c.mu.Lock()
			c.waiting[key] = d
			c.mu.Unlock()
			return fmt.Errorf("%w: %s already provided by %s", ErrToolCollision, d.Name, owner.Key())
		}
		e.desc = d
		e.mu.Unlock()
	}

	c.mu.Lock()
	delete(c.waiting, key)
	previous, renamed := c.origins[key]
	c.origins[key] = d.Name
	c.mu.Unlock()

	if renamed && previous != d.Name && c.deleteOwned(previous, d.Source) {
		c.promote(previous)
	}
	c.notify()
	return nil
}

func (c *Catalog) deleteOwned(name string, src Source) bool {
	v, ok := c.entries.Load(name)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	owned := e.desc.Source == src
	e.mu.Unlock()
	return owned && c.entries.CompareAndDelete(name, e)
}

// promote lists the first descriptor, by source key, that was waiting for name.
func (c *Catalog) promote(name string) {
	c.mu.Lock()
	var keys []string
	for k, d := range c.waiting {
		if d.Name == name {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		c.mu.Unlock()
		return
	}
	sort.Strings(keys)
	next := c.waiting[keys[0]]
	c.mu.Unlock()

	if err := c.Insert(next); err != nil {
		return
	}
	c.logger.Info("tool listed after name released", "tool_name", name, "source", next.Source.Key())
}

// Waiting returns how many descriptors are held back by a name collision.
func (c *Catalog) Waiting() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.waiting)
}

// Remove withdraws the tool src knows as original. It returns the qualified
// name that was removed, or "" if nothing was listed.
func (c *Catalog) Remove(src Source, original string) string {
	key := originKey(src, original)

	c.mu.Lock()
	name, ok := c.origins[key]
	delete(c.origins, key)
	delete(c.waiting, key)
	c.mu.Unlock()
	if !ok {
		return ""
	}
	if c.deleteOwned(name, src) {
		c.promote(name)
	}
	c.notify()
	return name
}

// RemoveSource withdraws every tool from src and returns the removed names.
func (c *Catalog) RemoveSource(src Source) []string {
	c.mu.Lock()
	for k, d := range c.waiting {
		if d.Source == src {
			delete(c.waiting, k)
		}
	}
	c.mu.Unlock()

	var removed []string
	c.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		owned := e.desc.Source == src
		original := e.desc.OriginalName
		e.mu.Unlock()
		if owned {
			c.entries.CompareAndDelete(k, e)
			c.mu.Lock()
			delete(c.origins, originKey(src, original))
			c.mu.Unlock()
			removed = append(removed, k.(string))
		}
		return true
	})
	sort.Strings(removed)
	for _, name := range removed {
		c.promote(name)
	}
	if len(removed) > 0 {
		c.notify()
	}
	return removed
}

// Lookup returns the descriptor for a qualified name.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	v, ok := c.entries.Load(name)
	if !ok {
		return Descriptor{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.desc, true
}

// List returns every descriptor ordered by name.
func (c *Catalog) List() []Descriptor {
	var out []Descriptor
	c.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.desc)
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of listed tools.
func (c *Catalog) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Resolve finds the descriptor and executor for a qualified name. It fails
// with ErrToolUnavailable when the owning upstream is offline and with
// ErrUnknownTool when nothing by that name was ever accepted.
func (c *Catalog) Resolve(name string) (Descriptor, Executor, error) {
	d, ok := c.Lookup(name)
	if !ok {
		if server, reserved := c.reservedBy(name); reserved {
			return Descriptor{}, nil, fmt.Errorf("%w: %s (server %s)", ErrToolUnavailable, name, server)
		}
		return Descriptor{}, nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	c.mu.RLock()
	exec, bound := c.executors[d.Source.Key()]
	c.mu.RUnlock()
	if !bound {
		return Descriptor{}, nil, fmt.Errorf("%w: %s", ErrToolUnavailable, name)
	}
	if a, ok := exec.(Availability); ok && !a.Available() {
		return Descriptor{}, nil, fmt.Errorf("%w: %s", ErrToolUnavailable, name)
	}
	return d, exec, nil
}

// reservedBy reports the offline upstream whose namespace covers name.
func (c *Catalog) reservedBy(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for prefix, server := range c.prefixes {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		exec, bound := c.executors[Source{Kind: SourceUpstream, Server: server}.Key()]
		if !bound {
			return server, true
		}
		if a, ok := exec.(Availability); ok && !a.Available() {
			return server, true
		}
		return "", false
	}
	return "", false
}

// InsertHook returns the native hook that adds discovered tools. It runs
// last on tool:discovered so every earlier hook can filter or rename.
func (c *Catalog) InsertHook() *events.Hook {
	return &events.Hook{
		ID:                InsertHookID,
		EventPattern:      string(events.KindToolDiscovered),
		IdentifierPattern: events.Wildcard,
		Priority:          math.MaxInt32,
		Enabled:           true,
		Body: events.Native(func(_ context.Context, ev *events.Event) (*events.Event, error) {
			d, err := DescriptorFromPayload(ev)
			if err != nil {
				return nil, err
			}
			if err := c.Insert(d); err != nil {
				c.logger.Warn("tool rejected",
					"tool_name", d.Name,
					"source", d.Source.Key(),
					"error", err,
				)
				return nil, nil
			}
			c.logger.Debug("tool listed", "tool_name", d.Name, "source", d.Source.Key())
			return nil, nil
		}),
	}
}

// RemoveHook returns the native hook that withdraws removed tools.
func (c *Catalog) RemoveHook() *events.Hook {
	return &events.Hook{
		ID:                RemoveHookID,
		EventPattern:      string(events.KindToolRemoved),
		IdentifierPattern: events.Wildcard,
		Priority:          math.MaxInt32,
		Enabled:           true,
		Body: events.Native(func(_ context.Context, ev *events.Event) (*events.Event, error) {
			d, err := DescriptorFromPayload(ev)
			if err != nil {
				return nil, err
			}
			if name := c.Remove(d.Source, d.OriginalName); name != "" {
				c.logger.Debug("tool withdrawn", "tool_name", name, "source", d.Source.Key())
			}
			return nil, nil
		}),
	}
}
