// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, duration parsing and validation

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

database:
  path: "./test.db"

logging:
  level: "debug"
  format: "json"

discovery:
  directories: ["./global", "./local"]
  debounce: "100ms"
  hook_timeout: "500ms"

script:
  timeout: "2s"
  registry_max_size: 1024

tools:
  call_timeout: "10s"
  selector:
    block: ["gh_delete_*"]
    rename:
      gh_search: search_issues

hooks:
  cache:
    enabled: true
    ttl: "1m"
    max_entries: 10
  redact:
    paths: ["token"]
  token_budget:
    max_tokens: 100
  overrides:
    uppercase:
      priority: 7

upstreams:
  - name: github
    command: github-mcp
    args: ["--stdio"]
    namespace_prefix: gh_
    blocked: ["delete_repo"]
    retry:
      initial: "1s"
      max: "10s"
  - name: search
    transport: http
    url: "https://search.example/mcp"
    namespace_prefix: search_
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if len(cfg.Discovery.Directories) != 2 || cfg.Discovery.Directories[1] != "./local" {
		t.Errorf("Discovery.Directories = %v", cfg.Discovery.Directories)
	}
	if cfg.Discovery.Debounce != 100*time.Millisecond {
		t.Errorf("Discovery.Debounce = %v, want 100ms", cfg.Discovery.Debounce)
	}
	if cfg.Discovery.HookTimeout != 500*time.Millisecond {
		t.Errorf("Discovery.HookTimeout = %v, want 500ms", cfg.Discovery.HookTimeout)
	}
	if cfg.Script.Timeout != 2*time.Second {
		t.Errorf("Script.Timeout = %v, want 2s", cfg.Script.Timeout)
	}
	if cfg.Script.RegistryMaxSize != 1024 {
		t.Errorf("Script.RegistryMaxSize = %d, want 1024", cfg.Script.RegistryMaxSize)
	}
	if cfg.Tools.CallTimeout != 10*time.Second {
		t.Errorf("Tools.CallTimeout = %v, want 10s", cfg.Tools.CallTimeout)
	}
	if cfg.Tools.Selector.Rename["gh_search"] != "search_issues" {
		t.Errorf("Tools.Selector.Rename = %v", cfg.Tools.Selector.Rename)
	}
	if !cfg.Hooks.Cache.IsEnabled(false) {
		t.Error("Hooks.Cache should be enabled")
	}
	if cfg.Hooks.Cache.TTL != time.Minute {
		t.Errorf("Hooks.Cache.TTL = %v, want 1m", cfg.Hooks.Cache.TTL)
	}
	if cfg.Hooks.Cache.MaxEntries != 10 {
		t.Errorf("Hooks.Cache.MaxEntries = %d, want 10", cfg.Hooks.Cache.MaxEntries)
	}
	if cfg.Hooks.TokenBudget.MaxTokens != 100 {
		t.Errorf("Hooks.TokenBudget.MaxTokens = %d, want 100", cfg.Hooks.TokenBudget.MaxTokens)
	}

	if len(cfg.Upstreams) != 2 {
		t.Fatalf("len(Upstreams) = %d, want 2", len(cfg.Upstreams))
	}
	gh := cfg.Upstreams[0]
	if gh.Transport != "stdio" {
		t.Errorf("default transport = %q, want stdio", gh.Transport)
	}
	if gh.Retry.Initial != time.Second || gh.Retry.Max != 10*time.Second {
		t.Errorf("github retry = %v/%v, want 1s/10s", gh.Retry.Initial, gh.Retry.Max)
	}
	search := cfg.Upstreams[1]
	if search.Retry.Initial != 500*time.Millisecond || search.Retry.Max != 30*time.Second {
		t.Errorf("search retry defaults = %v/%v", search.Retry.Initial, search.Retry.Max)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "gateway.yaml", "logging:\n  level: warn\n")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("Server.HTTPAddr = %q, want default", cfg.Server.HTTPAddr)
	}
	if cfg.Server.GRPCAddr != "127.0.0.1:50051" {
		t.Errorf("Server.GRPCAddr = %q, want default", cfg.Server.GRPCAddr)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want text", cfg.Logging.Format)
	}
	if cfg.Discovery.Debounce != 250*time.Millisecond {
		t.Errorf("Discovery.Debounce = %v, want 250ms", cfg.Discovery.Debounce)
	}
	if cfg.Discovery.HookTimeout != 2*time.Second {
		t.Errorf("Discovery.HookTimeout = %v, want 2s", cfg.Discovery.HookTimeout)
	}
	if !cfg.Discovery.WatchEnabled() {
		t.Error("watch should default to enabled")
	}
	if cfg.Script.Timeout != time.Second {
		t.Errorf("Script.Timeout = %v, want 1s", cfg.Script.Timeout)
	}
	if cfg.Tools.CallTimeout != 30*time.Second {
		t.Errorf("Tools.CallTimeout = %v, want 30s", cfg.Tools.CallTimeout)
	}
	if cfg.Hooks.TokenBudget.Encoding != "cl100k_base" {
		t.Errorf("Hooks.TokenBudget.Encoding = %q", cfg.Hooks.TokenBudget.Encoding)
	}
	if cfg.Database.Path == "" || strings.HasPrefix(cfg.Database.Path, "~") {
		t.Errorf("Database.Path = %q, want expanded default", cfg.Database.Path)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:9000"

[discovery]
directories = ["./hooks"]
debounce = "50ms"

[tools.selector]
allow = ["gh_*"]

[[upstreams]]
name = "github"
command = "github-mcp"
namespace_prefix = "gh_"

[upstreams.retry]
initial = "2s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Discovery.Debounce != 50*time.Millisecond {
		t.Errorf("Discovery.Debounce = %v, want 50ms", cfg.Discovery.Debounce)
	}
	if len(cfg.Tools.Selector.Allow) != 1 || cfg.Tools.Selector.Allow[0] != "gh_*" {
		t.Errorf("Tools.Selector.Allow = %v", cfg.Tools.Selector.Allow)
	}
	if len(cfg.Upstreams) != 1 || cfg.Upstreams[0].Retry.Initial != 2*time.Second {
		t.Fatalf("Upstreams = %+v", cfg.Upstreams)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_TOOLGATE_SECRET", "super-secret")
	t.Setenv("TEST_TOOLGATE_URL", "https://remote.example/mcp")

	configPath := writeConfig(t, "gateway.yaml", `
auth:
  jwt_secret: "${TEST_TOOLGATE_SECRET}"
upstreams:
  - name: remote
    transport: sse
    url: "${TEST_TOOLGATE_URL}"
    namespace_prefix: remote_
    headers:
      X-Missing: "${TEST_TOOLGATE_UNSET_VAR}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "super-secret" {
		t.Errorf("Auth.JWTSecret = %q, want expanded value", cfg.Auth.JWTSecret)
	}
	if cfg.Upstreams[0].URL != "https://remote.example/mcp" {
		t.Errorf("Upstreams[0].URL = %q", cfg.Upstreams[0].URL)
	}
	if cfg.Upstreams[0].Headers["X-Missing"] != "" {
		t.Errorf("unset variable should expand to empty, got %q", cfg.Upstreams[0].Headers["X-Missing"])
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "gateway.yaml", `
tools:
  call_timeout: "soon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("error = %v, want ErrConfiguration", err)
	}
	if !strings.Contains(err.Error(), "tools.call_timeout") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/gateway.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("error = %q, want reading config file", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "gateway.yaml", "server: [unclosed")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("error = %q, want parsing config file", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name: "duplicate upstream names",
			config: `
upstreams:
  - {name: a, command: x, namespace_prefix: a_}
  - {name: a, command: y, namespace_prefix: b_}
`,
			wantErr: `duplicate upstream name "a"`,
		},
		{
			name: "duplicate prefixes",
			config: `
upstreams:
  - {name: a, command: x, namespace_prefix: gh_}
  - {name: b, command: y, namespace_prefix: gh_}
`,
			wantErr: `share namespace_prefix "gh_"`,
		},
		{
			name: "overlapping prefixes",
			config: `
upstreams:
  - {name: a, command: x, namespace_prefix: gh_}
  - {name: b, command: y, namespace_prefix: gh_issues_}
`,
			wantErr: "overlaps",
		},
		{
			name: "missing prefix",
			config: `
upstreams:
  - {name: a, command: x}
`,
			wantErr: "namespace_prefix is required",
		},
		{
			name: "unknown transport",
			config: `
upstreams:
  - {name: a, transport: carrier-pigeon, namespace_prefix: a_}
`,
			wantErr: `unknown transport "carrier-pigeon"`,
		},
		{
			name: "stdio without command",
			config: `
upstreams:
  - {name: a, namespace_prefix: a_}
`,
			wantErr: "requires command",
		},
		{
			name: "http without url",
			config: `
upstreams:
  - {name: a, transport: http, namespace_prefix: a_}
`,
			wantErr: "requires url",
		},
		{
			name: "tailscale without hostname",
			config: `
tailscale:
  enabled: true
`,
			wantErr: "tailscale.hostname is required",
		},
		{
			name: "bad log format",
			config: `
logging:
  format: xml
`,
			wantErr: "logging.format",
		},
		{
			name: "override repeats built-in section",
			config: `
hooks:
  overrides:
    audit: {enabled: false}
`,
			wantErr: "hooks.overrides.audit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.config), ".yaml")
			if err == nil {
				t.Fatalf("Parse() expected error containing %q", tt.wantErr)
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("error = %v, want ErrConfiguration", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestConversions(t *testing.T) {
	cfg, err := Parse([]byte(`
tools:
  selector:
    block: ["*_admin"]
hooks:
  cache:
    enabled: false
  overrides:
    uppercase:
      pattern: "echo"
      priority: 3
upstreams:
  - name: github
    command: github-mcp
    namespace_prefix: gh_
    allowed: ["search"]
  - name: fs
    command: fs-mcp
    namespace_prefix: fs_
`), ".yaml")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	servers := cfg.UpstreamServers()
	if len(servers) != 2 || servers[0].Prefix != "gh_" || servers[1].Name != "fs" {
		t.Errorf("UpstreamServers() = %+v", servers)
	}

	sel := cfg.SelectorConfig(nil)
	if len(sel.Block) != 1 {
		t.Errorf("selector block = %v", sel.Block)
	}
	if f, ok := sel.Servers["github"]; !ok || len(f.Allowed) != 1 {
		t.Errorf("selector servers = %+v", sel.Servers)
	}
	if _, ok := sel.Servers["fs"]; ok {
		t.Error("fs has no filter and should be omitted")
	}

	overrides := cfg.HookOverrides()
	if o, ok := overrides["cache"]; !ok || o.Enabled == nil || *o.Enabled {
		t.Errorf("cache override = %+v", overrides["cache"])
	}
	if o := overrides["uppercase"]; o.Pattern != "echo" || o.Priority == nil || *o.Priority != 3 {
		t.Errorf("uppercase override = %+v", o)
	}
	if _, ok := overrides["audit"]; ok {
		t.Error("empty sections should not produce overrides")
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("TOOLGATE_CONFIG", "/etc/toolgate.yaml")
	if got := DefaultPath(); got != "/etc/toolgate.yaml" {
		t.Errorf("DefaultPath() = %q, want TOOLGATE_CONFIG value", got)
	}

	t.Setenv("TOOLGATE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "toolgate", "gateway.yaml") {
		t.Errorf("DefaultPath() = %q, want XDG location", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/hooks"); got != filepath.Join(home, "hooks") {
		t.Errorf("ExpandHome(~/hooks) = %q", got)
	}
	if got := ExpandHome("/abs/hooks"); got != "/abs/hooks" {
		t.Errorf("ExpandHome(/abs/hooks) = %q", got)
	}
}
