// ABOUTME: Gateway orchestrator that wires the bus, hook registry, catalog and upstreams together
// ABOUTME: Owns the gRPC health, HTTP and MCP surfaces and their shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/builtins"
	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/dedupe"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/hooks"
	"github.com/2389/toolgate/internal/interceptor"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/script"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/stream"
	"github.com/2389/toolgate/internal/upstream"
)

// Gateway orchestrates the toolgate server components.
type Gateway struct {
	config  *config.Config
	logger  *slog.Logger
	version string

	bus       *events.Bus
	runtime   script.Runtime
	registry  *hooks.Registry
	catalog   *catalog.Catalog
	feed      *catalog.Feed
	local     *catalog.LocalTools
	scripts   *catalog.ScriptTools
	pipeline  *interceptor.Pipeline
	upstreams *upstream.Manager

	store    store.Store
	cache    *dedupe.Cache
	stream   *stream.Broadcaster
	verifier *auth.JWTVerifier

	mcpServer   *mcp.Server
	stdio       *mcp.StdioServer
	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	mu         sync.Mutex
	lastReport hooks.Report
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	version string
	dialers map[string]upstream.Dialer
}

// WithVersion sets the version reported to upstreams and MCP clients.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithDialer replaces the transport of the named upstream.
func WithDialer(server string, d upstream.Dialer) Option {
	return func(o *options) { o.dialers[server] = d }
}

// initStore opens the SQLite store, honoring TOOLGATE_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("TOOLGATE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New builds every component, registers the built-in hooks, installs the
// first hook snapshot and lists the local tools. Upstreams do not connect
// and no listener opens until Start or Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{version: "dev", dialers: make(map[string]upstream.Dialer)}
	for _, opt := range opts {
		opt(&o)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:  cfg,
		logger:  logger.With("component", "gateway"),
		version: o.version,
		store:   s,
		health:  health.NewServer(),
	}

	gw.runtime = script.NewLua(script.LuaConfig{
		Timeout:         cfg.Script.Timeout,
		RegistryMaxSize: cfg.Script.RegistryMaxSize,
		CallStackSize:   cfg.Script.CallStackSize,
		Logger:          logger,
	})
	gw.bus = events.NewBus(events.BusConfig{
		Runtime:     gw.runtime,
		HookTimeout: cfg.Discovery.HookTimeout,
		Logger:      logger,
	})
	gw.catalog = catalog.New(logger)
	gw.feed = catalog.NewFeed(gw.bus)
	gw.scripts = catalog.NewScriptTools(gw.catalog, gw.feed, gw.runtime)
	gw.registry = hooks.NewRegistry(hooks.Config{
		Bus:         gw.bus,
		Runtime:     gw.runtime,
		Directories: cfg.Discovery.Directories,
		Overrides:   cfg.HookOverrides(),
		Logger:      logger,
		OnTools:     gw.onScriptTools,
	})
	gw.pipeline = interceptor.New(interceptor.Config{
		Resolver:    gw.catalog,
		Bus:         gw.bus,
		CallTimeout: cfg.Tools.CallTimeout,
		Logger:      logger,
	})
	gw.cache = dedupe.New(cfg.Hooks.Cache.TTL, cfg.Hooks.Cache.MaxEntries)
	gw.stream = stream.NewBroadcaster(logger)

	if err := gw.registerBuiltinHooks(logger); err != nil {
		gw.Close()
		return nil, err
	}

	gw.local = catalog.NewLocalTools()
	if err := gw.local.Register(builtins.CoreTools()...); err != nil {
		gw.Close()
		return nil, fmt.Errorf("registering core tools: %w", err)
	}
	if err := gw.local.Register(builtins.NoteTools(s, gw.bus)...); err != nil {
		gw.Close()
		return nil, fmt.Errorf("registering note tools: %w", err)
	}
	gw.catalog.Bind(localSource, gw.local)

	servers := cfg.UpstreamServers()
	for i := range servers {
		if d, ok := o.dialers[servers[i].Name]; ok {
			servers[i].Dial = d
		}
	}
	gw.health.SetServingStatus("", healthServing)
	for _, sc := range servers {
		gw.health.SetServingStatus(sc.Name, healthNotServing)
	}
	gw.upstreams, err = upstream.NewManager(upstream.Config{
		Servers: servers,
		Catalog: gw.catalog,
		Bus:     gw.bus,
		Feed:    gw.feed,
		Version: o.version,
		Logger:  logger,
		OnState: gw.onUpstreamState,
	})
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("creating upstreams: %w", err)
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		gw.logger.Warn("auth disabled - no jwt_secret configured")
	}

	gw.mcpServer, err = mcp.NewServer(mcp.Config{
		Gateway:       gw,
		Logger:        logger,
		TokenVerifier: tokenVerifier(gw.verifier),
		Version:       o.version,
	})
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}
	gw.stdio, err = mcp.NewStdioServer(mcp.StdioConfig{Gateway: gw, Logger: logger, Version: o.version})
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("creating MCP stdio server: %w", err)
	}
	gw.catalog.OnChange(gw.stdio.Sync)

	report, err := gw.Reload(context.Background())
	if err != nil {
		gw.Close()
		return nil, err
	}
	// Duplicates only drop hooks on later reloads; at startup they are fatal.
	for _, e := range report.Errors {
		if errors.Is(e, hooks.ErrDuplicateDeclaration) {
			gw.Close()
			return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, e)
		}
	}
	discovered, _ := gw.feed.Sync(context.Background(), localSource, gw.local.Descriptors())
	gw.logger.Debug("local tools listed", "count", discovered)

	gw.grpcServer = newGRPCServer(gw.health)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

var localSource = catalog.Source{Kind: catalog.SourceLocal}

// tokenVerifier keeps a nil *JWTVerifier from becoming a non-nil interface.
func tokenVerifier(v *auth.JWTVerifier) auth.TokenVerifier {
	if v == nil {
		return nil
	}
	return v
}

// registerBuiltinHooks hands every native hook to the registry so that
// configuration overrides apply to them like to any script hook.
func (g *Gateway) registerBuiltinHooks(logger *slog.Logger) error {
	cfg := g.config.Hooks

	selector := catalog.NewSelector(g.config.SelectorConfig(logger))
	cacheLookup, cacheStore := builtins.CacheHooks(g.cache, logger)

	encoding := ""
	if cfg.TokenBudget.IsEnabled(false) {
		encoding = cfg.TokenBudget.Encoding
	}
	budget := builtins.NewTokenBudget(cfg.TokenBudget.MaxTokens, encoding, logger)

	native := []*events.Hook{
		selector.Hook(),
		g.catalog.InsertHook(),
		g.catalog.RemoveHook(),
		builtins.RequestIDHook(),
		cacheLookup,
		cacheStore,
		builtins.RedactHook(cfg.Redact.Paths),
		budget.Hook(),
		builtins.AuditSinkHook(g.store, logger),
		g.stream.Hook(),
	}
	native = append(native, builtins.AuditHooks(g.bus)...)

	for _, h := range native {
		if err := g.registry.RegisterNative(h); err != nil {
			return fmt.Errorf("registering hook %s: %w", h.ID, err)
		}
	}
	return nil
}

func (g *Gateway) onScriptTools(tools []hooks.ScriptTool) {
	out := make([]catalog.ScriptedTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, catalog.ScriptedTool{
			Name:        t.Declaration.Name,
			Description: t.Declaration.Description,
			Schema:      t.Declaration.Schema,
			Path:        t.Path,
			Compiled:    t.Compiled,
		})
	}
	g.scripts.Update(context.Background(), out)
}

func (g *Gateway) onUpstreamState(server string, state upstream.State, reason string) {
	status := healthNotServing
	if state == upstream.StateConnected {
		status = healthServing
	}
	g.health.SetServingStatus(server, status)
	g.logger.Debug("upstream health updated", "server", server, "state", state.String(), "reason", reason)
}

// Reload rescans the hook directories and installs a new snapshot.
func (g *Gateway) Reload(ctx context.Context) (hooks.Report, error) {
	report, err := g.registry.Reload(ctx)
	if err != nil {
		return report, fmt.Errorf("reloading hooks: %w", err)
	}
	g.mu.Lock()
	g.lastReport = report
	g.mu.Unlock()
	for _, e := range report.Errors {
		g.logger.Warn("hook discovery error", "error", e)
	}
	return report, nil
}

// LastReport returns the result of the most recent reload.
func (g *Gateway) LastReport() hooks.Report {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastReport
}

// ListTools returns the aggregated catalog ordered by name.
func (g *Gateway) ListTools() []catalog.Descriptor {
	return g.catalog.List()
}

// CallTool runs one tool call through the interceptor pipeline.
func (g *Gateway) CallTool(ctx context.Context, name string, args map[string]any) (*catalog.Result, error) {
	return g.pipeline.Execute(ctx, interceptor.Request{Tool: name, Arguments: args})
}

// Hooks returns the hooks of the active snapshot in dispatch order.
func (g *Gateway) Hooks() []*events.Hook {
	return g.bus.Snapshot().Hooks()
}

// Upstreams returns the status of every upstream server.
func (g *Gateway) Upstreams() []upstream.Status {
	return g.upstreams.Statuses()
}

// Stdio returns the MCP stdio surface.
func (g *Gateway) Stdio() *mcp.StdioServer {
	return g.stdio
}

// Store returns the audit and notes store.
func (g *Gateway) Store() store.Store {
	return g.store
}

// Start connects the upstreams and, when enabled, watches the hook
// directories. It returns immediately; Close stops both.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)

	g.upstreams.Start(ctx)

	if g.config.Discovery.WatchEnabled() && len(g.config.Discovery.Directories) > 0 {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			if err := g.registry.Watch(ctx, g.config.Discovery.Debounce); err != nil {
				g.logger.Error("hook watcher stopped", "error", err)
			}
		}()
	}
}

// Run starts the gateway and its servers and blocks until the context is
// canceled or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		g.Close()
		return err
	}

	g.Start(ctx)
	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, then releases every component.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = appendCloseError(errs, "HTTP shutdown", err)
	}
	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Close stops the upstreams and the watcher and releases the store. It is
// safe to call more than once.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.mu.Lock()
		cancel := g.cancel
		g.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if g.upstreams != nil {
			g.upstreams.Stop()
		}
		g.wg.Wait()

		if g.cache != nil {
			g.cache.Close()
		}
		if g.stream != nil {
			g.stream.Close()
		}
		g.health.Shutdown()
		err = g.store.Close()
	})
	return err
}
