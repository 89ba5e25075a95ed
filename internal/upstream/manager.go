// ABOUTME: Manager starts one connection goroutine per configured upstream server.
// ABOUTME: It binds each server into the catalog and reserves its namespace prefix.

package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/toolgate/internal/catalog"
)

// Config contains configuration options for the Manager.
type Config struct {
	Servers []ServerConfig
	Catalog *catalog.Catalog
	Bus     catalog.Publisher
	Feed    *catalog.Feed
	Version string
	Logger  *slog.Logger

	// OnState observes every server's state transitions.
	OnState StateFunc
}

// Manager owns the upstream servers.
type Manager struct {
	servers []*Server
	byName  map[string]*Server
	logger  *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewManager builds a server per config entry and registers each with the
// catalog. Servers do not connect until Start.
func NewManager(cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	feed := cfg.Feed
	if feed == nil {
		feed = catalog.NewFeed(cfg.Bus)
	}

	m := &Manager{
		byName: make(map[string]*Server, len(cfg.Servers)),
		logger: logger.With("component", "upstream"),
	}

	for _, sc := range cfg.Servers {
		if _, dup := m.byName[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate upstream %q", sc.Name)
		}
		dial := sc.Dial
		if dial == nil {
			var err error
			if dial, err = NewDialer(sc); err != nil {
				return nil, err
			}
		}
		retryInit, retryMax := sc.RetryInitial, sc.RetryMax
		if retryInit <= 0 {
			retryInit = DefaultRetryInitial
		}
		if retryMax <= 0 {
			retryMax = DefaultRetryMax
		}
		transport := sc.Transport
		if transport == "" {
			transport = TransportStdio
		}

		s := &Server{
			name:      sc.Name,
			prefix:    sc.Prefix,
			transport: transport,
			dial:      dial,
			retryInit: retryInit,
			retryMax:  retryMax,
			bus:       cfg.Bus,
			feed:      feed,
			onState:   cfg.OnState,
			version:   cfg.Version,
			logger:    logger.With("component", "upstream", "server", sc.Name),
			source:    catalog.Source{Kind: catalog.SourceUpstream, Server: sc.Name},
		}
		m.servers = append(m.servers, s)
		m.byName[sc.Name] = s

		if cfg.Catalog != nil {
			cfg.Catalog.Bind(s.source, s)
			cfg.Catalog.ReservePrefix(s.prefix, s.name)
		}
	}
	return m, nil
}

// Start launches one goroutine per server. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	for _, s := range m.servers {
		m.wg.Add(1)
		go func(s *Server) {
			defer m.wg.Done()
			s.run(ctx)
		}(s)
	}
	m.logger.Info("upstreams started", "count", len(m.servers))
}

// Stop cancels every server and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Server returns a server by name.
func (m *Manager) Server(name string) (*Server, bool) {
	s, ok := m.byName[name]
	return s, ok
}

// Statuses returns every server's status ordered by name.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the configured server names in configuration order.
func (m *Manager) Names() []string {
	out := make([]string, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s.name)
	}
	return out
}
