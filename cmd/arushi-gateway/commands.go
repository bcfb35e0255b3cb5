// ABOUTME: Admin subcommands: health, agents, history, token, hash-secret and init
// ABOUTME: Read commands call the HTTP API with a short-lived console token minted from the config

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/mskumargvd/arushi-cloud/internal/auth"
	"github.com/mskumargvd/arushi-cloud/internal/config"
	"github.com/mskumargvd/arushi-cloud/internal/gateway"
	"github.com/mskumargvd/arushi-cloud/internal/protocol"
)

// cliTokenTTL is the lifetime of tokens the CLI mints for itself.
const cliTokenTTL = 5 * time.Minute

// apiClient calls the gateway HTTP API as a console.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// baseURL derives the HTTP API root from the config.
func baseURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		if cfg.Tailscale.HTTPS {
			return "https://" + cfg.Tailscale.Hostname
		}
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

func newAPIClient(cfg *config.Config, override string) (*apiClient, error) {
	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate("arushi-cli", cliTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("minting cli token: %w", err)
	}
	base := override
	if base == "" {
		base = baseURL(cfg)
	}
	return &apiClient{
		baseURL: strings.TrimSuffix(base, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// get fetches path and returns the body and status code.
func (c *apiClient) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, v any) error {
	body, code, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, code)
		}
		return fmt.Errorf("unexpected status %d", code)
	}
	return json.Unmarshal(body, v)
}

// readFlags holds the flags shared by the read subcommands.
type readFlags struct {
	config *string
	url    *string
}

func newReadFlagSet(name string) (*flag.FlagSet, readFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return fs, readFlags{
		config: fs.String("config", "", "config file path"),
		url:    fs.String("url", "", "gateway base URL (default derived from config)"),
	}
}

func runHealth(ctx context.Context, args []string) error {
	fs, rf := newReadFlagSet("health")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := loadConfig(*rf.config)
	if err != nil {
		return err
	}
	client, err := newAPIClient(cfg, *rf.url)
	if err != nil {
		return err
	}

	_, code, err := client.get(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", code)
	}

	body, _, err := client.get(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	fmt.Printf("healthy (%s)\n", strings.TrimSpace(string(body)))
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	fs, rf := newReadFlagSet("agents")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := loadConfig(*rf.config)
	if err != nil {
		return err
	}
	client, err := newAPIClient(cfg, *rf.url)
	if err != nil {
		return err
	}

	var agents []protocol.AgentInfo
	if err := client.getJSON(ctx, "/api/agents", &agents); err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("no agents known")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOSTNAME\tPLATFORM\tSTATUS\tCPU\tRAM\tDISK\tUPTIME(h)\tLAST HEARTBEAT")
	for _, a := range agents {
		status := color.GreenString(a.Status)
		if a.Status != "online" {
			status = color.RedString(a.Status)
		}
		last := "-"
		if a.LastHeartbeat != nil {
			last = a.LastHeartbeat.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t%.1f\t%.1f\t%.1f\t%s\n",
			a.ID, a.Hostname, a.Platform, status, a.Stats.CPU, a.Stats.RAM, a.Stats.Disk, a.Stats.Uptime, last)
	}
	return w.Flush()
}

func runHistory(ctx context.Context, args []string) error {
	fs, rf := newReadFlagSet("history")
	limit := fs.Int("limit", 20, "number of samples")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: arushi-gateway history AGENT_ID [--limit N]")
	}
	agentID := fs.Arg(0)

	cfg, _, err := loadConfig(*rf.config)
	if err != nil {
		return err
	}
	client, err := newAPIClient(cfg, *rf.url)
	if err != nil {
		return err
	}

	var resp gateway.StatsHistoryResponse
	path := fmt.Sprintf("/api/stats/history/%s?limit=%d", url.PathEscape(agentID), *limit)
	if err := client.getJSON(ctx, path, &resp); err != nil {
		return fmt.Errorf("fetching history: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCPU\tRAM\tDISK\tUPTIME(h)")
	for _, s := range resp.Samples {
		fmt.Fprintf(w, "%s\t%.1f\t%.1f\t%.1f\t%.1f\n",
			s.Timestamp.Local().Format(time.DateTime), s.CPU, s.RAM, s.Disk, s.Uptime)
	}
	return w.Flush()
}

// runToken mints a console token signed with the configured JWT secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configFlag := fs.String("config", "", "config file path")
	sub := fs.String("sub", "", "token subject (console user name)")
	ttl := fs.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*sub) == "" {
		return errors.New("--sub is required")
	}

	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}
	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.TokenTTL
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*sub, lifetime)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(lifetime).Format(time.RFC3339))
	return nil
}

// runHashSecret reads one line from in and prints its bcrypt hash for auth.agent_secret_hash.
func runHashSecret(in io.Reader) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")

	hash, err := auth.HashSecret(secret)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

// randomSecret returns a base64 string from n random bytes.
func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	configFlag := fs.String("config", "", "config file path to write")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("arushi-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", resolveConfigPath(*configFlag))
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP/WebSocket address", "localhost:8080")
	grpcAddr := prompt(reader, "gRPC address", "localhost:50051")

	fmt.Println("\n--- Database Configuration ---")
	driver := prompt(reader, "Driver (sqlite/sqlite3/postgres)", "sqlite")
	var dbPath, dbURL string
	if driver == "postgres" {
		dbURL = prompt(reader, "Postgres URL", "${DATABASE_URL}")
	} else {
		dbPath = prompt(reader, "SQLite database path", "arushi.db")
	}

	fmt.Println("\n--- Agents ---")
	grace := prompt(reader, "Reconnect grace period", "30s")

	agentSecret, err := randomSecret(24)
	if err != nil {
		return fmt.Errorf("generating agent secret: %w", err)
	}
	jwtSecret, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("generating jwt secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# arushi-gateway configuration\n")
	cfg.WriteString("# Generated by arushi-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n\n", grpcAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  driver: %q\n", driver)
	if dbURL != "" {
		fmt.Fprintf(&cfg, "  url: %q\n\n", dbURL)
	} else {
		fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)
	}

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  agent_secret: %q\n", agentSecret)
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n", jwtSecret)
	cfg.WriteString("  token_ttl: \"24h\"\n\n")

	cfg.WriteString("agents:\n")
	fmt.Fprintf(&cfg, "  reconnect_grace_period: %q\n", grace)
	cfg.WriteString("  heartbeat_timeout: \"0s\"\n")
	cfg.WriteString("  sample_interval: \"1m\"\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString("  level: \"info\"\n")
	cfg.WriteString("  format: \"text\"\n\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	fmt.Printf("  Agent secret: %s\n", agentSecret)
	fmt.Println("\nTo start the server:")
	fmt.Println("  arushi-gateway serve --config", outputFile)
	return nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
