// ABOUTME: Tailscale tsnet listeners so the gateway can join a tailnet instead of binding TCP ports
// ABOUTME: The tailnet node reuses the configured ports; hosts in server addresses do not apply there

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/toolgate/internal/config"
)

// Ports the tailnet node listens on when server addresses carry none.
const (
	tailnetGRPCPort = ":50051"
	tailnetHTTPPort = ":80"
)

// tailnetPort keeps the port of a configured address and drops its host.
func tailnetPort(addr, fallback string) string {
	if addr == "" {
		return fallback
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return fallback
	}
	return ":" + port
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "toolgate", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// newTailnetNode prepares the state directory and builds an unstarted tsnet
// server whose own logs go to logger at debug level.
func newTailnetNode(cfg config.TailscaleConfig, logger *slog.Logger) (*tsnet.Server, error) {
	stateDir, err := resolveTailscaleStateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(cfg.AuthKey)
	if err != nil {
		return nil, err
	}

	tsLog := logger.With("component", "tsnet")
	return &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       stateDir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   authKey,
		Logf: func(format string, args ...any) {
			tsLog.Debug(fmt.Sprintf(format, args...))
		},
	}, nil
}

// setupTailscaleListeners brings the tailnet node up and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale
	grpcPort := tailnetPort(g.config.Server.GRPCAddr, tailnetGRPCPort)
	httpPort := tailnetPort(g.config.Server.HTTPAddr, tailnetHTTPPort)

	node, err := newTailnetNode(tsCfg, g.logger)
	if err != nil {
		return nil, nil, err
	}
	g.tsnetServer = node

	g.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname,
		"state_dir", node.Dir,
		"ephemeral", tsCfg.Ephemeral,
		"grpc_port", grpcPort,
		"http_port", httpPort,
	)
	status, err := node.Up(ctx)
	if err != nil {
		_ = node.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = node.Listen("tcp", grpcPort)
	if err != nil {
		_ = node.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = node.Listen("tcp", httpPort)
	if err != nil {
		_ = grpcLn.Close()
		_ = node.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
