// ABOUTME: Entry point for the toolgate tool-call gateway
// ABOUTME: Serves MCP over HTTP or stdio and offers small client commands for operators

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _              _             _
| |_ ___   ___ | | __ _  __ _| |_ ___
| __/ _ \ / _ \| |/ _' |/ _' | __/ _ \
| || (_) | (_) | | (_| | (_| | ||  __/
 \__\___/ \___/|_|\__, |\__,_|\__\___|
                  |___/
`

func usage() {
	fmt.Println("Usage: toolgate <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the gateway server")
	fmt.Println("  stdio                      Serve MCP on stdin/stdout")
	fmt.Println("  init                       Write a config with a fresh jwt_secret")
	fmt.Println("  tools                      List the tools of a running gateway")
	fmt.Println("  call NAME [JSON]           Call a tool on a running gateway")
	fmt.Println("  hooks                      Show the hooks discovery would install")
	fmt.Println("  health [--service NAME]    Check gateway or upstream health over gRPC")
	fmt.Println("  token --subject NAME       Issue a bearer token (--ttl, default 720h)")
}

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "stdio":
		err = runStdio(ctx)
	case "init":
		err = runInit()
	case "tools":
		err = runTools(ctx)
	case "call":
		err = runCall(ctx, os.Args[2:])
	case "hooks":
		err = runHooks(ctx)
	case "health":
		err = runHealth(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Upstreams: %d\n", len(cfg.Upstreams))
	for _, dir := range cfg.Discovery.Directories {
		green.Print("    ▶ ")
		fmt.Printf("Hooks:     %s\n", dir)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Auth:      disabled (no jwt_secret)")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting toolgate",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runStdio serves MCP on stdin/stdout. Logs go to stderr since stdout
// carries the protocol.
func runStdio(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	gw, err := gateway.New(cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer gw.Close()

	gw.Start(ctx)
	err = gw.Stdio().Serve(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runHooks builds the gateway without starting it and prints the snapshot
// that discovery produced, followed by any discovery errors.
func runHooks(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(config.LoggingConfig{Level: "error", Format: cfg.Logging.Format}, os.Stderr)

	gw, err := gateway.New(cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer gw.Close()

	gray := color.New(color.FgHiBlack)
	red := color.New(color.FgRed)

	report := gw.LastReport()
	fmt.Printf("generation %d: %d hooks, %d script tools\n\n", report.Generation, report.Hooks, report.Tools)
	for _, h := range gw.Hooks() {
		state := "on "
		if !h.Enabled {
			state = "off"
		}
		fmt.Printf("  %s %6d  %-24s %-16s %-12s ", state, h.Priority, h.ID, h.EventPattern, h.IdentifierPattern)
		gray.Println(h.Source())
	}
	if len(report.Errors) > 0 {
		fmt.Println()
		for _, e := range report.Errors {
			red.Print("  ✗ ")
			fmt.Println(e)
		}
	}
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	var service string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--service" || arg == "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--service requires a value")
			}
			service = args[i+1]
			i++
		case strings.HasPrefix(arg, "--service="):
			service = strings.TrimPrefix(arg, "--service=")
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	status, err := gateway.CheckHealth(ctx, cfg.Server.GRPCAddr, service)
	if err != nil {
		return err
	}

	name := service
	if name == "" {
		name = "gateway"
	}
	fmt.Printf("%s: %s\n", name, strings.ToLower(status.String()))
	if status.String() != "SERVING" {
		return fmt.Errorf("%s is not serving", name)
	}
	return nil
}

func runToken(args []string) error {
	var subject string
	ttl := 30 * 24 * time.Hour
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--subject":
			if i+1 >= len(args) {
				return fmt.Errorf("--subject requires a value")
			}
			subject = args[i+1]
			i++
		case strings.HasPrefix(arg, "--subject="):
			subject = strings.TrimPrefix(arg, "--subject=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid --ttl: %w", err)
			}
			ttl = d
			i++
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return fmt.Errorf("--subject flag is required")
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// runInit writes a starter config with a random jwt_secret, refusing to
// overwrite an existing file.
func runInit() error {
	configPath := config.DefaultPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	hooksDir := filepath.Join(filepath.Dir(configPath), "hooks")
	configContent := fmt.Sprintf(`# toolgate configuration
# Generated by toolgate init

server:
  grpc_addr: "127.0.0.1:50051"
  http_addr: "127.0.0.1:8080"

auth:
  jwt_secret: "%s"

logging:
  level: "info"
  format: "text"

discovery:
  directories: ["%s"]

upstreams: []
`, jwtSecret, hooksDir)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(hooksDir, 0755); err != nil {
		return fmt.Errorf("creating hooks directory: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("  ✓ Created config: %s\n", configPath)
	green.Printf("  ✓ Hooks directory: %s\n", hooksDir)
	fmt.Println()
	yellow.Println("  Ready to go:")
	fmt.Println("    toolgate serve                 # start the gateway")
	fmt.Println("    toolgate token --subject me    # issue a bearer token")
	fmt.Println()
	return nil
}
