// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  driver: "sqlite"
  path: "./test.db"

auth:
  agent_secret: "agent-secret"
  jwt_secret: "jwt-secret-that-is-long-enough"
  token_ttl: "12h"

agents:
  reconnect_grace_period: "45s"
  heartbeat_timeout: "90s"
  sample_interval: "10s"
  sample_burst: 5

commands:
  fallback_broadcast: false
  correlation_ttl: "2m"

telemetry:
  audit_severity: 1

websocket:
  allowed_origins:
    - "dashboard.example.com"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Agents.ReconnectGracePeriod != 45*time.Second {
		t.Errorf("Agents.ReconnectGracePeriod = %v, want %v", cfg.Agents.ReconnectGracePeriod, 45*time.Second)
	}
	if cfg.Agents.HeartbeatTimeout != 90*time.Second {
		t.Errorf("Agents.HeartbeatTimeout = %v, want %v", cfg.Agents.HeartbeatTimeout, 90*time.Second)
	}
	if cfg.Agents.SampleInterval != 10*time.Second {
		t.Errorf("Agents.SampleInterval = %v, want %v", cfg.Agents.SampleInterval, 10*time.Second)
	}
	if cfg.Agents.SampleBurst != 5 {
		t.Errorf("Agents.SampleBurst = %d, want 5", cfg.Agents.SampleBurst)
	}
	if cfg.Commands.FallbackEnabled() {
		t.Error("Commands.FallbackEnabled() = true, want false")
	}
	if cfg.Commands.CorrelationTTL != 2*time.Minute {
		t.Errorf("Commands.CorrelationTTL = %v, want %v", cfg.Commands.CorrelationTTL, 2*time.Minute)
	}
	if cfg.Auth.TokenTTL != 12*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want %v", cfg.Auth.TokenTTL, 12*time.Hour)
	}
	if cfg.Telemetry.AuditSeverity != 1 {
		t.Errorf("Telemetry.AuditSeverity = %d, want 1", cfg.Telemetry.AuditSeverity)
	}
	if len(cfg.WebSocket.AllowedOrigins) != 1 || cfg.WebSocket.AllowedOrigins[0] != "dashboard.example.com" {
		t.Errorf("WebSocket.AllowedOrigins = %v", cfg.WebSocket.AllowedOrigins)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	content := `
server:
  http_addr: ":8080"
database:
  path: ":memory:"
auth:
  agent_secret: "s"
  jwt_secret: "j"
`
	cfg, err := Load(writeConfig(t, "config.yaml", content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Agents.ReconnectGracePeriod != DefaultReconnectGracePeriod {
		t.Errorf("Agents.ReconnectGracePeriod = %v, want %v", cfg.Agents.ReconnectGracePeriod, DefaultReconnectGracePeriod)
	}
	if cfg.Agents.HeartbeatTimeout != 0 {
		t.Errorf("Agents.HeartbeatTimeout = %v, want 0 (sweep disabled)", cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Agents.SampleInterval != 0 {
		t.Errorf("Agents.SampleInterval = %v, want 0 (every heartbeat stored)", cfg.Agents.SampleInterval)
	}
	if cfg.Agents.SampleBurst != DefaultSampleBurst {
		t.Errorf("Agents.SampleBurst = %d, want %d", cfg.Agents.SampleBurst, DefaultSampleBurst)
	}
	if !cfg.Commands.FallbackEnabled() {
		t.Error("Commands.FallbackEnabled() = false, want true by default")
	}
	if cfg.Commands.CorrelationTTL != DefaultCorrelationTTL {
		t.Errorf("Commands.CorrelationTTL = %v, want %v", cfg.Commands.CorrelationTTL, DefaultCorrelationTTL)
	}
	if cfg.Auth.TokenTTL != DefaultTokenTTL {
		t.Errorf("Auth.TokenTTL = %v, want %v", cfg.Auth.TokenTTL, DefaultTokenTTL)
	}
	if cfg.Telemetry.AuditSeverity != DefaultAuditSeverity {
		t.Errorf("Telemetry.AuditSeverity = %d, want %d", cfg.Telemetry.AuditSeverity, DefaultAuditSeverity)
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, DefaultMetricsPath)
	}
}

func TestLoad_TOML(t *testing.T) {
	content := `
[server]
http_addr = ":9090"

[database]
driver = "postgres"
url = "postgres://arushi@localhost/arushi"

[auth]
agent_secret_hash = "$2a$10$abcdefghijklmnopqrstuv"
jwt_secret = "j"

[agents]
reconnect_grace_period = "1m"
`
	cfg, err := Load(writeConfig(t, "gateway.toml", content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, ":9090")
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want postgres", cfg.Database.Driver)
	}
	if cfg.Auth.AgentSecretHash == "" {
		t.Error("Auth.AgentSecretHash is empty")
	}
	if cfg.Agents.ReconnectGracePeriod != time.Minute {
		t.Errorf("Agents.ReconnectGracePeriod = %v, want 1m", cfg.Agents.ReconnectGracePeriod)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("ARUSHI_TEST_AGENT_SECRET", "from-env")
	t.Setenv("ARUSHI_TEST_DB_PATH", "/var/lib/arushi/test.db")

	content := `
server:
  http_addr: ":8080"
database:
  path: "${ARUSHI_TEST_DB_PATH}"
auth:
  agent_secret: "${ARUSHI_TEST_AGENT_SECRET}"
  jwt_secret: "j"
`
	cfg, err := Load(writeConfig(t, "config.yaml", content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.AgentSecret != "from-env" {
		t.Errorf("Auth.AgentSecret = %q, want %q", cfg.Auth.AgentSecret, "from-env")
	}
	if cfg.Database.Path != "/var/lib/arushi/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/var/lib/arushi/test.db")
	}
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	os.Unsetenv("ARUSHI_TEST_MISSING_SECRET")

	content := `
server:
  http_addr: ":8080"
database:
  path: ":memory:"
auth:
  agent_secret: "${ARUSHI_TEST_MISSING_SECRET}"
  jwt_secret: "j"
`
	_, err := Load(writeConfig(t, "config.yaml", content))
	if err == nil {
		t.Fatal("Load() expected error for empty agent secret")
	}
	if !strings.Contains(err.Error(), "agent_secret") {
		t.Errorf("error = %v, want mention of agent_secret", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := `
server:
  http_addr: ":8080"
database:
  path: ":memory:"
auth:
  agent_secret: "s"
  jwt_secret: "j"
agents:
  reconnect_grace_period: "thirty seconds"
`
	_, err := Load(writeConfig(t, "config.yaml", content))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "reconnect_grace_period") {
		t.Errorf("error = %v, want mention of reconnect_grace_period", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server:    ServerConfig{HTTPAddr: ":8080"},
			Database:  DatabaseConfig{Driver: "sqlite", Path: ":memory:"},
			Auth:      AuthConfig{AgentSecret: "s", JWTSecret: "j"},
			Telemetry: TelemetryConfig{AuditSeverity: 2},
			Metrics:   MetricsConfig{Path: "/metrics"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"tailscale replaces http addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "arushi"}
		}, ""},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }, "database.url"},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"no agent credential", func(c *Config) { c.Auth.AgentSecret = "" }, "agent_secret"},
		{"hash only is enough", func(c *Config) {
			c.Auth.AgentSecret = ""
			c.Auth.AgentSecretHash = "$2a$10$x"
		}, ""},
		{"no jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, "jwt_secret"},
		{"negative grace", func(c *Config) { c.Agents.ReconnectGracePeriod = -time.Second }, "reconnect_grace_period"},
		{"heartbeat timeout below floor", func(c *Config) { c.Agents.HeartbeatTimeout = time.Nanosecond }, "heartbeat_timeout"},
		{"heartbeat timeout at floor", func(c *Config) { c.Agents.HeartbeatTimeout = MinHeartbeatTimeout }, ""},
		{"negative sample interval", func(c *Config) { c.Agents.SampleInterval = -time.Second }, "sample_interval"},
		{"severity out of range", func(c *Config) { c.Telemetry.AuditSeverity = 4 }, "audit_severity"},
		{"matrix incomplete", func(c *Config) { c.Alerts.Matrix.Enabled = true }, "alerts.matrix"},
		{"metrics path relative", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("ARUSHI_X", "value")

	got := expandEnvVars("a=${ARUSHI_X} b=${ARUSHI_NOT_SET_ANYWHERE}")
	want := "a=value b="
	if got != want {
		t.Errorf("expandEnvVars() = %q, want %q", got, want)
	}
}
