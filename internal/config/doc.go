// Package config handles configuration loading for arushi-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. A .env file in the working directory is read first so that
// secrets can live outside the config file during development.
//
// # Configuration File
//
// The gateway looks for its config in this order:
//
//  1. --config flag on any arushi-gateway subcommand
//  2. Path from ARUSHI_CONFIG environment variable
//  3. ./config.yaml (current directory)
//
// Files ending in .toml are decoded as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
//	auth:
//	  agent_secret: "${ARUSHI_AGENT_SECRET}"
//	  jwt_secret: "${ARUSHI_JWT_SECRET}"
//
// Unset variables expand to the empty string, which then fails validation
// for required fields.
//
// # Presence timing
//
//	agents:
//	  reconnect_grace_period: "30s"  # GRACE window before OFFLINE is confirmed
//	  heartbeat_timeout: "0s"        # 0 disables the staleness sweep; otherwise at least 1s
//	  sample_interval: "0s"          # min spacing of stored stat samples per agent; 0 stores every heartbeat
//	  sample_burst: 3                # samples allowed back to back when sample_interval is set
//
// # Storage
//
//	database:
//	  driver: "sqlite"               # sqlite, sqlite3, postgres
//	  path: "/var/lib/arushi/gateway.db"
//	  url: "postgres://arushi@db/arushi?sslmode=disable"
//
// ARUSHI_DB_PATH, when set, replaces database.path for the sqlite drivers.
//
// # Alerts
//
//	alerts:
//	  matrix:
//	    enabled: true
//	    homeserver: "https://matrix.example.com"
//	    user_id: "@arushi:example.com"
//	    access_token: "${MATRIX_TOKEN}"
//	    room_id: "!ops:example.com"
//
// # Validation
//
// Load() rejects configs that would leave a peer class unable to
// authenticate (missing agent secret or JWT secret), unknown database
// drivers, negative durations and an incomplete Matrix sink.
package config
