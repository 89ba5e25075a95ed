// ABOUTME: Configuration loading and parsing for toolgate
// ABOUTME: Supports YAML and TOML files with environment variable expansion, duration parsing and validation

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration is wrapped by every validation failure. It is fatal at startup.
var ErrConfiguration = errors.New("invalid configuration")

// Config represents the complete toolgate configuration
type Config struct {
	Server    ServerConfig     `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig   `yaml:"database" toml:"database"`
	Auth      AuthConfig       `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig    `yaml:"logging" toml:"logging"`
	Discovery DiscoveryConfig  `yaml:"discovery" toml:"discovery"`
	Script    ScriptConfig     `yaml:"script" toml:"script"`
	Tools     ToolsConfig      `yaml:"tools" toml:"tools"`
	Hooks     HooksConfig      `yaml:"hooks" toml:"hooks"`
	Upstreams []UpstreamConfig `yaml:"upstreams" toml:"upstreams"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration for the consumer HTTP surface.
// Bearer auth on /mcp is enabled when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DiscoveryConfig controls where script hooks are found and how they run.
// Later directories override earlier ones by hook id.
type DiscoveryConfig struct {
	Directories []string `yaml:"directories" toml:"directories"`
	Watch       *bool    `yaml:"watch" toml:"watch"`

	Debounce    time.Duration `yaml:"-" toml:"-"`
	HookTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	DebounceRaw    string `yaml:"debounce" toml:"debounce"`
	HookTimeoutRaw string `yaml:"hook_timeout" toml:"hook_timeout"`
}

// WatchEnabled reports whether discovery directories are watched for changes.
func (d DiscoveryConfig) WatchEnabled() bool {
	return d.Watch == nil || *d.Watch
}

// ScriptConfig holds script runtime limits
type ScriptConfig struct {
	RegistryMaxSize int `yaml:"registry_max_size" toml:"registry_max_size"`
	CallStackSize   int `yaml:"call_stack_size" toml:"call_stack_size"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// ToolsConfig holds tool call settings and the tool selector
type ToolsConfig struct {
	Selector SelectorConfig `yaml:"selector" toml:"selector"`

	CallTimeout    time.Duration `yaml:"-" toml:"-"`
	CallTimeoutRaw string        `yaml:"call_timeout" toml:"call_timeout"`
}

// SelectorConfig holds global tool filters applied at discovery time
type SelectorConfig struct {
	Allow  []string          `yaml:"allow" toml:"allow"`
	Block  []string          `yaml:"block" toml:"block"`
	Rename map[string]string `yaml:"rename" toml:"rename"`
}

// HookConfig overrides a hook's enable flag, identifier pattern and priority.
// Nil or empty fields keep the hook's own values.
type HookConfig struct {
	Enabled  *bool  `yaml:"enabled" toml:"enabled"`
	Pattern  string `yaml:"pattern" toml:"pattern"`
	Priority *int32 `yaml:"priority" toml:"priority"`
}

// IsEnabled reports the enable flag, falling back to def when unset.
func (h HookConfig) IsEnabled(def bool) bool {
	if h.Enabled == nil {
		return def
	}
	return *h.Enabled
}

// CacheHookConfig configures the result cache hooks
type CacheHookConfig struct {
	HookConfig `yaml:",inline"`
	MaxEntries int `yaml:"max_entries" toml:"max_entries"`

	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// RedactHookConfig configures the result redaction hook
type RedactHookConfig struct {
	HookConfig `yaml:",inline"`
	Paths      []string `yaml:"paths" toml:"paths"`
}

// TokenBudgetHookConfig configures the token budget hook
type TokenBudgetHookConfig struct {
	HookConfig `yaml:",inline"`
	MaxTokens  int    `yaml:"max_tokens" toml:"max_tokens"`
	Encoding   string `yaml:"encoding" toml:"encoding"`
}

// HooksConfig configures the built-in hooks. Overrides adjusts any other
// hook by id, including script hooks.
type HooksConfig struct {
	RequestID   HookConfig            `yaml:"request_id" toml:"request_id"`
	Audit       HookConfig            `yaml:"audit" toml:"audit"`
	Cache       CacheHookConfig       `yaml:"cache" toml:"cache"`
	Redact      RedactHookConfig      `yaml:"redact" toml:"redact"`
	TokenBudget TokenBudgetHookConfig `yaml:"token_budget" toml:"token_budget"`
	EventStream HookConfig            `yaml:"event_stream" toml:"event_stream"`

	Overrides map[string]HookConfig `yaml:"overrides" toml:"overrides"`
}

// builtinHookKeys are the hook ids configured by dedicated sections.
var builtinHookKeys = []string{"request_id", "audit", "cache", "redact", "token_budget", "event_stream"}

// All returns every hook override keyed by hook id or hook group.
func (h HooksConfig) All() map[string]HookConfig {
	out := map[string]HookConfig{
		"request_id":   h.RequestID,
		"audit":        h.Audit,
		"cache":        h.Cache.HookConfig,
		"redact":       h.Redact.HookConfig,
		"token_budget": h.TokenBudget.HookConfig,
		"event_stream": h.EventStream,
	}
	for id, o := range h.Overrides {
		out[id] = o
	}
	return out
}

// UpstreamConfig describes one remote MCP server
type UpstreamConfig struct {
	Name            string            `yaml:"name" toml:"name"`
	Transport       string            `yaml:"transport" toml:"transport"`
	Command         string            `yaml:"command" toml:"command"`
	Args            []string          `yaml:"args" toml:"args"`
	Env             map[string]string `yaml:"env" toml:"env"`
	URL             string            `yaml:"url" toml:"url"`
	Headers         map[string]string `yaml:"headers" toml:"headers"`
	NamespacePrefix string            `yaml:"namespace_prefix" toml:"namespace_prefix"`
	Allowed         []string          `yaml:"allowed" toml:"allowed"`
	Blocked         []string          `yaml:"blocked" toml:"blocked"`
	Retry           RetryConfig       `yaml:"retry" toml:"retry"`
}

// RetryConfig holds reconnect backoff bounds
type RetryConfig struct {
	Initial time.Duration `yaml:"-" toml:"-"`
	Max     time.Duration `yaml:"-" toml:"-"`

	InitialRaw string `yaml:"initial" toml:"initial"`
	MaxRaw     string `yaml:"max" toml:"max"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes configuration data. ext selects the format (".toml" or YAML).
func Parse(data []byte, ext string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing durations: %w", ErrConfiguration, err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarRe.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset fields with their default values
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.GRPCAddr == "" && !c.Tailscale.Enabled {
		c.Server.GRPCAddr = "127.0.0.1:50051"
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath()
	}
	c.Database.Path = ExpandHome(c.Database.Path)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Discovery.Debounce == 0 {
		c.Discovery.Debounce = 250 * time.Millisecond
	}
	if c.Discovery.HookTimeout == 0 {
		c.Discovery.HookTimeout = 2 * time.Second
	}
	for i, dir := range c.Discovery.Directories {
		c.Discovery.Directories[i] = ExpandHome(dir)
	}
	if c.Script.Timeout == 0 {
		c.Script.Timeout = time.Second
	}
	if c.Script.RegistryMaxSize == 0 {
		c.Script.RegistryMaxSize = 64 * 1024
	}
	if c.Script.CallStackSize == 0 {
		c.Script.CallStackSize = 256
	}
	if c.Tools.CallTimeout == 0 {
		c.Tools.CallTimeout = 30 * time.Second
	}
	if c.Hooks.Cache.TTL == 0 {
		c.Hooks.Cache.TTL = 30 * time.Second
	}
	if c.Hooks.Cache.MaxEntries == 0 {
		c.Hooks.Cache.MaxEntries = 1024
	}
	if c.Hooks.TokenBudget.MaxTokens == 0 {
		c.Hooks.TokenBudget.MaxTokens = 4000
	}
	if c.Hooks.TokenBudget.Encoding == "" {
		c.Hooks.TokenBudget.Encoding = "cl100k_base"
	}
	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if u.Transport == "" {
			u.Transport = "stdio"
		}
		if u.Retry.Initial == 0 {
			u.Retry.Initial = 500 * time.Millisecond
		}
		if u.Retry.Max == 0 {
			u.Retry.Max = 30 * time.Second
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Every failure wraps ErrConfiguration.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("%w: tailscale.hostname is required when tailscale is enabled", ErrConfiguration)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format must be text or json, got %q", ErrConfiguration, c.Logging.Format)
	}

	for _, key := range builtinHookKeys {
		if _, dup := c.Hooks.Overrides[key]; dup {
			return fmt.Errorf("%w: hooks.overrides.%s duplicates the built-in hooks.%s section", ErrConfiguration, key, key)
		}
	}

	names := make(map[string]bool, len(c.Upstreams))
	for i, u := range c.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("%w: upstreams[%d].name is required", ErrConfiguration, i)
		}
		if names[u.Name] {
			return fmt.Errorf("%w: duplicate upstream name %q", ErrConfiguration, u.Name)
		}
		names[u.Name] = true

		if u.NamespacePrefix == "" {
			return fmt.Errorf("%w: upstream %q: namespace_prefix is required", ErrConfiguration, u.Name)
		}

		switch u.Transport {
		case "stdio":
			if u.Command == "" {
				return fmt.Errorf("%w: upstream %q: stdio transport requires command", ErrConfiguration, u.Name)
			}
		case "sse", "http":
			if u.URL == "" {
				return fmt.Errorf("%w: upstream %q: %s transport requires url", ErrConfiguration, u.Name, u.Transport)
			}
		default:
			return fmt.Errorf("%w: upstream %q: unknown transport %q", ErrConfiguration, u.Name, u.Transport)
		}
	}

	// No prefix may equal or start another one, or a qualified name could
	// belong to two servers.
	for i, a := range c.Upstreams {
		for j, b := range c.Upstreams {
			if i == j {
				continue
			}
			if strings.HasPrefix(b.NamespacePrefix, a.NamespacePrefix) {
				if a.NamespacePrefix == b.NamespacePrefix {
					return fmt.Errorf("%w: upstreams %q and %q share namespace_prefix %q",
						ErrConfiguration, a.Name, b.Name, a.NamespacePrefix)
				}
				return fmt.Errorf("%w: namespace_prefix %q of upstream %q overlaps %q of upstream %q",
					ErrConfiguration, a.NamespacePrefix, a.Name, b.NamespacePrefix, b.Name)
			}
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"discovery.debounce", cfg.Discovery.DebounceRaw, &cfg.Discovery.Debounce},
		{"discovery.hook_timeout", cfg.Discovery.HookTimeoutRaw, &cfg.Discovery.HookTimeout},
		{"script.timeout", cfg.Script.TimeoutRaw, &cfg.Script.Timeout},
		{"tools.call_timeout", cfg.Tools.CallTimeoutRaw, &cfg.Tools.CallTimeout},
		{"hooks.cache.ttl", cfg.Hooks.Cache.TTLRaw, &cfg.Hooks.Cache.TTL},
	}
	for i := range cfg.Upstreams {
		u := &cfg.Upstreams[i]
		fields = append(fields,
			struct {
				name string
				raw  string
				dst  *time.Duration
			}{fmt.Sprintf("upstreams[%d].retry.initial", i), u.Retry.InitialRaw, &u.Retry.Initial},
			struct {
				name string
				raw  string
				dst  *time.Duration
			}{fmt.Sprintf("upstreams[%d].retry.max", i), u.Retry.MaxRaw, &u.Retry.Max},
		)
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}

// DefaultPath resolves the configuration file location:
// $TOOLGATE_CONFIG, then $XDG_CONFIG_HOME/toolgate/gateway.yaml, then
// ~/.config/toolgate/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("TOOLGATE_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "toolgate", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".config", "toolgate", "gateway.yaml")
}

// DefaultDatabasePath returns the default SQLite database location.
func DefaultDatabasePath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "toolgate", "toolgate.db")
	}
	return "~/.local/share/toolgate/toolgate.db"
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
