// ABOUTME: Conversions from configuration sections to the runtime config types of each component
// ABOUTME: Keeps the component packages free of YAML/TOML concerns

package config

import (
	"log/slog"

	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/hooks"
	"github.com/2389/toolgate/internal/upstream"
)

// UpstreamServers returns the upstream manager's server list.
func (c *Config) UpstreamServers() []upstream.ServerConfig {
	out := make([]upstream.ServerConfig, 0, len(c.Upstreams))
	for _, u := range c.Upstreams {
		out = append(out, upstream.ServerConfig{
			Name:         u.Name,
			Prefix:       u.NamespacePrefix,
			Transport:    u.Transport,
			Command:      u.Command,
			Args:         u.Args,
			Env:          u.Env,
			URL:          u.URL,
			Headers:      u.Headers,
			RetryInitial: u.Retry.Initial,
			RetryMax:     u.Retry.Max,
		})
	}
	return out
}

// SelectorConfig returns the tool selector configuration, including the
// per-upstream allowed and blocked sets.
func (c *Config) SelectorConfig(logger *slog.Logger) catalog.SelectorConfig {
	servers := make(map[string]catalog.ServerFilter, len(c.Upstreams))
	for _, u := range c.Upstreams {
		if len(u.Allowed) == 0 && len(u.Blocked) == 0 {
			continue
		}
		servers[u.Name] = catalog.ServerFilter{Allowed: u.Allowed, Blocked: u.Blocked}
	}
	return catalog.SelectorConfig{
		Allow:   c.Tools.Selector.Allow,
		Block:   c.Tools.Selector.Block,
		Rename:  c.Tools.Selector.Rename,
		Servers: servers,
		Logger:  logger,
	}
}

// HookOverrides returns the registry overrides keyed by hook id or group.
// Sections that change nothing are omitted.
func (c *Config) HookOverrides() map[string]hooks.Override {
	out := make(map[string]hooks.Override)
	for id, h := range c.Hooks.All() {
		if h.Enabled == nil && h.Pattern == "" && h.Priority == nil {
			continue
		}
		out[id] = hooks.Override{
			Enabled:  h.Enabled,
			Pattern:  h.Pattern,
			Priority: h.Priority,
		}
	}
	return out
}
