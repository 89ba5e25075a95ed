// ABOUTME: Tool selector hook that filters and renames tools as they are discovered.
// ABOUTME: Applies global allow/block patterns, per-upstream allowed/blocked sets and renames.

package catalog

import (
	"context"
	"log/slog"
	"math"

	"github.com/2389/toolgate/internal/events"
)

// SelectorHookID is the hook id of the tool selector.
const SelectorHookID = "tool_selector"

// ServerFilter limits the tools accepted from one upstream, by remote name.
// An empty Allowed set admits every tool not in Blocked.
type ServerFilter struct {
	Allowed []string
	Blocked []string
}

// SelectorConfig contains configuration options for the Selector.
type SelectorConfig struct {
	// Allow and Block hold patterns matched against qualified names.
	Allow  []string
	Block  []string
	Rename map[string]string

	// Servers holds per-upstream filters keyed by upstream name.
	Servers map[string]ServerFilter
	Logger  *slog.Logger
}

// Selector decides which discovered tools reach the catalog.
type Selector struct {
	allow   []string
	block   []string
	rename  map[string]string
	servers map[string]ServerFilter
	logger  *slog.Logger
}

// NewSelector creates a selector.
func NewSelector(cfg SelectorConfig) *Selector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		allow:   cfg.Allow,
		block:   cfg.Block,
		rename:  cfg.Rename,
		servers: cfg.Servers,
		logger:  logger.With("component", "selector"),
	}
}

// Admit reports whether d passes the filters.
func (s *Selector) Admit(d Descriptor) bool {
	if d.Source.Kind == SourceUpstream {
		if f, ok := s.servers[d.Source.Server]; ok {
			if matchAny(d.OriginalName, f.Blocked) {
				return false
			}
			if len(f.Allowed) > 0 && !matchAny(d.OriginalName, f.Allowed) {
				return false
			}
		}
	}
	if matchAny(d.Name, s.block) {
		return false
	}
	if len(s.allow) > 0 && !matchAny(d.Name, s.allow) {
		return false
	}
	return true
}

// Rename returns the name consumers see for a qualified name.
func (s *Selector) Rename(name string) string {
	if to, ok := s.rename[name]; ok && to != "" {
		return to
	}
	return name
}

// Hook returns the native hook that runs first on tool:discovered. A blocked
// tool halts the chain so it never reaches the catalog.
func (s *Selector) Hook() *events.Hook {
	return &events.Hook{
		ID:                SelectorHookID,
		EventPattern:      string(events.KindToolDiscovered),
		IdentifierPattern: events.Wildcard,
		Priority:          math.MinInt32,
		Enabled:           true,
		Body: events.Native(func(_ context.Context, ev *events.Event) (*events.Event, error) {
			d, err := DescriptorFromPayload(ev)
			if err != nil {
				return nil, err
			}
			if !s.Admit(d) {
				s.logger.Debug("tool filtered", "tool_name", d.Name, "source", d.Source.Key())
				ev.Payload["blocked"] = true
				ev.Halt()
				return ev, nil
			}
			if renamed := s.Rename(d.Name); renamed != d.Name {
				s.logger.Debug("tool renamed", "from", d.Name, "to", renamed)
				ev.Payload[events.PayloadTool] = renamed
				return ev, nil
			}
			return nil, nil
		}),
	}
}

func matchAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if events.Match(name, p) {
			return true
		}
	}
	return false
}
