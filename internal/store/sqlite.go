// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Pure-Go modernc driver by default, cgo mattn driver when configured as sqlite3

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverSQLite  = "sqlite"  // modernc.org/sqlite
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3
)

// timeLayout is fixed-width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// modernc driver. See OpenSQLite to pick the driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite(DriverSQLite, path)
}

// OpenSQLite creates a SQLite store with the named driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", driver)

	if driver != DriverSQLite && driver != DriverSQLite3 {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would see its own empty database.
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			platform TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS stat_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			cpu REAL NOT NULL,
			ram REAL NOT NULL,
			disk REAL NOT NULL,
			uptime REAL NOT NULL,
			recorded_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_stat_samples_agent_time
			ON stat_samples(agent_id, recorded_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			action TEXT NOT NULL,
			severity INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			ts TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_log_agent ON audit_log(agent_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// UpsertAgent inserts or updates an agent keyed by ID.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *AgentRecord) error {
	if a.ID == "" {
		return errors.New("agent id is required")
	}
	now := time.Now().UTC()
	if a.LastSeen.IsZero() {
		a.LastSeen = now
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}

	query := `
		INSERT INTO agents (id, hostname, platform, status, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			platform = excluded.platform,
			status = excluded.status,
			last_seen = excluded.last_seen
	`

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.Hostname,
		a.Platform,
		string(a.Status),
		formatTime(a.LastSeen),
		formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	s.logger.Debug("upserted agent", "agent_id", a.ID, "status", a.Status)
	return nil
}

// ListAgents returns every known agent ordered by ID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, platform, status, last_seen, created_at
		FROM agents
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*AgentRecord
	for rows.Next() {
		var a AgentRecord
		var status, lastSeen, createdAt string
		if err := rows.Scan(&a.ID, &a.Hostname, &a.Platform, &status, &lastSeen, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		a.Status = AgentStatus(status)
		if a.LastSeen, err = parseTime(lastSeen); err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		agents = append(agents, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// MarkAllOffline sets every online agent offline.
func (s *SQLiteStore) MarkAllOffline(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ? WHERE status != ?`,
		string(AgentStatusOffline), string(AgentStatusOffline))
	if err != nil {
		return 0, fmt.Errorf("marking agents offline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return n, nil
}

// RecordStatSample appends a heartbeat sample.
func (s *SQLiteStore) RecordStatSample(ctx context.Context, sample *StatSample) error {
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stat_samples (agent_id, cpu, ram, disk, uptime, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		sample.AgentID,
		sample.CPU,
		sample.RAM,
		sample.Disk,
		sample.Uptime,
		formatTime(sample.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting stat sample: %w", err)
	}
	return nil
}

// QueryHistory returns up to limit of the most recent samples, oldest first.
func (s *SQLiteStore) QueryHistory(ctx context.Context, agentID string, limit int) ([]StatSample, error) {
	limit = normalizeLimit(limit, DefaultHistoryLimit, MaxHistoryLimit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, cpu, ram, disk, uptime, recorded_at FROM (
			SELECT id, agent_id, cpu, ram, disk, uptime, recorded_at
			FROM stat_samples
			WHERE agent_id = ?
			ORDER BY recorded_at DESC, id DESC
			LIMIT ?
		) ORDER BY recorded_at ASC, id ASC
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	samples := []StatSample{}
	for rows.Next() {
		var sample StatSample
		var recordedAt string
		if err := rows.Scan(&sample.AgentID, &sample.CPU, &sample.RAM, &sample.Disk, &sample.Uptime, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning stat sample: %w", err)
		}
		if sample.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		samples = append(samples, sample)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stat samples: %w", err)
	}
	return samples, nil
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
