// ABOUTME: Entry point for the arushi-gateway connection server
// ABOUTME: Serves agents and consoles and offers admin subcommands against a running gateway

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/mskumargvd/arushi-cloud/internal/config"
	"github.com/mskumargvd/arushi-cloud/internal/gateway"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
                 _     _                       _
  __ _ _ __ _  _| |__ (_)  ___ _ __ _ _ ___ ___| |_ ___ _ __ _  _
 / _' | '__| || | '_ \| | / _ '/ _' | '_/ -_)_ -|  _/ _ '/ _' | || |
 \__,_|_|   \_,_|_.__/|_| \__, \__,_|_| \___|__/\__\__,_\__,_|\_, |
                          |___/                               |__/
`

// resolveConfigPath returns the path to the gateway config file.
// Priority: --config flag > ARUSHI_CONFIG env var > ./config.yaml
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("ARUSHI_CONFIG"); envPath != "" {
		return envPath
	}
	return "config.yaml"
}

// loadConfig resolves and loads the config for a subcommand.
func loadConfig(flagValue string) (*config.Config, string, error) {
	path := resolveConfigPath(flagValue)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func usage() {
	fmt.Println("Usage: arushi-gateway <command> [--config PATH]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the gateway server")
	fmt.Println("  init                       Create a new config file interactively")
	fmt.Println("  health                     Check gateway health")
	fmt.Println("  agents                     List known agents")
	fmt.Println("  history AGENT_ID           Show recent stat samples for an agent")
	fmt.Println("  token --sub NAME [--ttl D] Mint a console token")
	fmt.Println("  hash-secret                Bcrypt an agent secret read from stdin")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "health":
		err = runHealth(ctx, args)
	case "agents":
		err = runAgents(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "token":
		err = runToken(args)
	case "hash-secret":
		err = runHashSecret(os.Stdin)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configFlag := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", displayAddr(cfg.Server.GRPCAddr))
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Grace:     %s\n", cfg.Agents.ReconnectGracePeriod)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Alerts.Matrix.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Alerts:    matrix %s\n", cfg.Alerts.Matrix.RoomID)
	}
	fmt.Println()

	logger.Info("starting arushi-gateway",
		"version", version,
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func displayAddr(addr string) string {
	if addr == "" {
		return "disabled"
	}
	return addr
}
