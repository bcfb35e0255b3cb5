// ABOUTME: Configuration loading and parsing for arushi-gateway
// ABOUTME: Supports YAML or TOML files with .env loading, env var expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file leaves a field empty.
const (
	DefaultReconnectGracePeriod = 30 * time.Second
	DefaultSampleBurst          = 3
	MinHeartbeatTimeout         = time.Second
	DefaultCorrelationTTL       = 10 * time.Minute
	DefaultTokenTTL             = 24 * time.Hour
	DefaultAuditSeverity        = 2
	DefaultMetricsPath          = "/metrics"
)

// Config represents the complete arushi-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Commands  CommandsConfig  `yaml:"commands" toml:"commands"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Alerts    AlertsConfig    `yaml:"alerts" toml:"alerts"`
	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // Serve HTTP with Tailscale-issued certs on :443
}

// DatabaseConfig selects the durable store.
// Driver is "sqlite" (pure Go, default), "sqlite3" (cgo) or "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`     // sqlite/sqlite3 file path or ":memory:"
	URL    string `yaml:"url" toml:"url"`       // postgres connection URL
	Schema string `yaml:"schema" toml:"schema"` // postgres schema, default "public"
}

// AuthConfig holds credential configuration for both peer roles
type AuthConfig struct {
	AgentSecret     string `yaml:"agent_secret" toml:"agent_secret"`
	AgentSecretHash string `yaml:"agent_secret_hash" toml:"agent_secret_hash"` // bcrypt, takes precedence
	JWTSecret       string `yaml:"jwt_secret" toml:"jwt_secret"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// AgentsConfig holds presence timing configuration
type AgentsConfig struct {
	ReconnectGracePeriod time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout     time.Duration `yaml:"-" toml:"-"` // 0 disables the staleness sweep
	SampleInterval       time.Duration `yaml:"-" toml:"-"` // 0 records every heartbeat
	SampleBurst          int           `yaml:"sample_burst" toml:"sample_burst"`

	// Raw string values for YAML/TOML unmarshaling
	ReconnectGracePeriodRaw string `yaml:"reconnect_grace_period" toml:"reconnect_grace_period"`
	HeartbeatTimeoutRaw     string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	SampleIntervalRaw       string `yaml:"sample_interval" toml:"sample_interval"`
}

// CommandsConfig controls command result routing
type CommandsConfig struct {
	// FallbackBroadcast sends a result to every console when the requesting
	// console has gone away. Nil means true.
	FallbackBroadcast *bool `yaml:"fallback_broadcast" toml:"fallback_broadcast"`

	CorrelationTTL    time.Duration `yaml:"-" toml:"-"`
	CorrelationTTLRaw string        `yaml:"correlation_ttl" toml:"correlation_ttl"`
}

// FallbackEnabled reports whether undeliverable results are broadcast.
func (c CommandsConfig) FallbackEnabled() bool {
	return c.FallbackBroadcast == nil || *c.FallbackBroadcast
}

// TelemetryConfig holds threat relay configuration
type TelemetryConfig struct {
	// AuditSeverity is the weakest Suricata severity (1 = high) that is
	// written to the audit log.
	AuditSeverity int `yaml:"audit_severity" toml:"audit_severity"`
}

// AlertsConfig configures where offline alerts are delivered
type AlertsConfig struct {
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix"`
}

// MatrixConfig holds Matrix alert sink configuration
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	RoomID      string `yaml:"room_id" toml:"room_id"`
}

// WebSocketConfig holds WebSocket endpoint configuration
type WebSocketConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file in the working directory is loaded first if present.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(path, data)
}

// Parse decodes raw config bytes. The path is only used to pick the format.
func Parse(path string, data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Agents.ReconnectGracePeriod == 0 {
		cfg.Agents.ReconnectGracePeriod = DefaultReconnectGracePeriod
	}
	if cfg.Agents.SampleBurst == 0 {
		cfg.Agents.SampleBurst = DefaultSampleBurst
	}
	if cfg.Commands.CorrelationTTL == 0 {
		cfg.Commands.CorrelationTTL = DefaultCorrelationTTL
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = DefaultTokenTTL
	}
	if cfg.Telemetry.AuditSeverity == 0 {
		cfg.Telemetry.AuditSeverity = DefaultAuditSeverity
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %q", c.Database.Driver)
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for driver postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (sqlite, sqlite3, postgres)", c.Database.Driver)
	}

	// Fail closed: without both credentials one peer class could never authenticate.
	if c.Auth.AgentSecret == "" && c.Auth.AgentSecretHash == "" {
		return fmt.Errorf("auth.agent_secret or auth.agent_secret_hash is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Agents.ReconnectGracePeriod < 0 {
		return fmt.Errorf("agents.reconnect_grace_period must not be negative")
	}
	if c.Agents.HeartbeatTimeout < 0 {
		return fmt.Errorf("agents.heartbeat_timeout must not be negative")
	}
	if c.Agents.HeartbeatTimeout > 0 && c.Agents.HeartbeatTimeout < MinHeartbeatTimeout {
		return fmt.Errorf("agents.heartbeat_timeout must be 0 (disabled) or at least %s", MinHeartbeatTimeout)
	}
	if c.Agents.SampleInterval < 0 {
		return fmt.Errorf("agents.sample_interval must not be negative")
	}
	if c.Telemetry.AuditSeverity < 1 || c.Telemetry.AuditSeverity > 3 {
		return fmt.Errorf("telemetry.audit_severity must be between 1 and 3")
	}

	if c.Alerts.Matrix.Enabled {
		m := c.Alerts.Matrix
		if m.Homeserver == "" || m.AccessToken == "" || m.RoomID == "" {
			return fmt.Errorf("alerts.matrix requires homeserver, access_token and room_id")
		}
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
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
		{"agents.reconnect_grace_period", cfg.Agents.ReconnectGracePeriodRaw, &cfg.Agents.ReconnectGracePeriod},
		{"agents.heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"agents.sample_interval", cfg.Agents.SampleIntervalRaw, &cfg.Agents.SampleInterval},
		{"commands.correlation_ttl", cfg.Commands.CorrelationTTLRaw, &cfg.Commands.CorrelationTTL},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
