// Package config handles configuration loading for toolgate.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The package fills defaults and validates the result; every
// validation failure wraps ErrConfiguration.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TOOLGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/toolgate/gateway.yaml
//  3. ~/.config/toolgate/gateway.yaml
//
// Files ending in .toml are parsed as TOML.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${TOOLGATE_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Discovery and scripts:
//
//	discovery:
//	  directories: ["~/.config/toolgate/hooks", "./hooks"]
//	  debounce: "250ms"
//	  hook_timeout: "2s"
//	script:
//	  timeout: "1s"
//	  registry_max_size: 65536
//
// Tools:
//
//	tools:
//	  call_timeout: "30s"
//	  selector:
//	    block: ["gh_delete_*"]
//	    rename:
//	      gh_search_issues: issues
//
// Built-in hooks:
//
//	hooks:
//	  cache:
//	    enabled: true
//	    ttl: "30s"
//	  redact:
//	    paths: ["token", "user.email"]
//	  token_budget:
//	    max_tokens: 4000
//	  overrides:
//	    uppercase: {priority: 10}
//
// Upstreams:
//
//	upstreams:
//	  - name: github
//	    transport: stdio
//	    command: github-mcp-server
//	    namespace_prefix: gh_
//	    blocked: ["delete_repo"]
//	  - name: search
//	    transport: http
//	    url: "https://search.internal/mcp"
//	    namespace_prefix: search_
//
// # Validation
//
//   - upstream names are unique
//   - namespace prefixes are non-empty and none is a prefix of another
//   - transport is stdio (needs command), sse or http (need url)
//   - durations parse and are not negative
//   - hooks.overrides does not repeat a built-in section
package config
