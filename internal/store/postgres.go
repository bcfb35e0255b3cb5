// ABOUTME: PostgreSQL implementation of the Store interface using a pgx connection pool
// ABOUTME: Schema is managed by embedded goose migrations applied on open

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PostgresStore implements the Store interface using PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore runs pending migrations and opens a pool. An empty schema
// means "public".
func NewPostgresStore(ctx context.Context, url, schema string) (*PostgresStore, error) {
	if schema == "" {
		schema = "public"
	}
	logger := slog.Default().With("component", "store", "driver", "postgres")

	if err := RunMigrations(ctx, url, schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := initPool(ctx, url, schema)
	if err != nil {
		return nil, err
	}

	logger.Info("PostgreSQL store initialized", "schema", schema)
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func initPool(ctx context.Context, url, schema string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.ConnConfig.RuntimeParams["search_path"] = schema

	// Poolers such as PgBouncer may drop session settings between transactions.
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// RunMigrations applies the embedded goose migrations to schema.
func RunMigrations(ctx context.Context, url, schema string) error {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}

	// A single connection so SET search_path applies to the migration session.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("setting search_path: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL store")
	s.pool.Close()
	return nil
}

// UpsertAgent inserts or updates an agent keyed by ID.
func (s *PostgresStore) UpsertAgent(ctx context.Context, a *AgentRecord) error {
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, hostname, platform, status, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			platform = EXCLUDED.platform,
			status = EXCLUDED.status,
			last_seen = EXCLUDED.last_seen
	`, a.ID, a.Hostname, a.Platform, string(a.Status), a.LastSeen, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

// ListAgents returns every known agent ordered by ID.
func (s *PostgresStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, platform, status, last_seen, created_at
		FROM agents
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		var a AgentRecord
		var status string
		if err := rows.Scan(&a.ID, &a.Hostname, &a.Platform, &status, &a.LastSeen, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		a.Status = AgentStatus(status)
		a.LastSeen = a.LastSeen.UTC()
		a.CreatedAt = a.CreatedAt.UTC()
		agents = append(agents, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// MarkAllOffline sets every online agent offline.
func (s *PostgresStore) MarkAllOffline(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET status = $1 WHERE status <> $1`, string(AgentStatusOffline))
	if err != nil {
		return 0, fmt.Errorf("marking agents offline: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordStatSample appends a heartbeat sample.
func (s *PostgresStore) RecordStatSample(ctx context.Context, sample *StatSample) error {
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO stat_samples (agent_id, cpu, ram, disk, uptime, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sample.AgentID, sample.CPU, sample.RAM, sample.Disk, sample.Uptime, sample.RecordedAt)
	if err != nil {
		return fmt.Errorf("inserting stat sample: %w", err)
	}
	return nil
}

// QueryHistory returns up to limit of the most recent samples, oldest first.
func (s *PostgresStore) QueryHistory(ctx context.Context, agentID string, limit int) ([]StatSample, error) {
	limit = normalizeLimit(limit, DefaultHistoryLimit, MaxHistoryLimit)

	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, cpu, ram, disk, uptime, recorded_at FROM (
			SELECT id, agent_id, cpu, ram, disk, uptime, recorded_at
			FROM stat_samples
			WHERE agent_id = $1
			ORDER BY recorded_at DESC, id DESC
			LIMIT $2
		) recent ORDER BY recorded_at ASC, id ASC
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	samples := []StatSample{}
	for rows.Next() {
		var sample StatSample
		if err := rows.Scan(&sample.AgentID, &sample.CPU, &sample.RAM, &sample.Disk, &sample.Uptime, &sample.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning stat sample: %w", err)
		}
		sample.RecordedAt = sample.RecordedAt.UTC()
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stat samples: %w", err)
	}
	return samples, nil
}

// AppendAuditLog appends a new entry to the audit log.
func (s *PostgresStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	detailJSON, err := prepareAuditEntry(e)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (audit_id, agent_id, action, severity, message, actor, ts, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
	`, e.ID, e.AgentID, string(e.Action), e.Severity, e.Message, e.Actor, e.Timestamp, detailJSON)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAuditLog returns audit entries matching the filter, newest first.
func (s *PostgresStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeLimit(f.Limit, DefaultHistoryLimit, MaxHistoryLimit)

	var action *string
	if f.Action != nil {
		str := string(*f.Action)
		action = &str
	}

	rows, err := s.pool.Query(ctx, `
		SELECT audit_id, agent_id, action, severity, message, actor, ts, detail::text
		FROM audit_log
		WHERE ($1::timestamptz IS NULL OR ts >= $1)
		  AND ($2::text IS NULL OR agent_id = $2)
		  AND ($3::text IS NULL OR action = $3)
		ORDER BY ts DESC, seq DESC
		LIMIT $4
	`, f.Since, f.AgentID, action, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var actionStr string
		var detailJSON *string
		if err := rows.Scan(&e.ID, &e.AgentID, &actionStr, &e.Severity, &e.Message, &e.Actor, &e.Timestamp, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = AuditAction(actionStr)
		e.Timestamp = e.Timestamp.UTC()
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)
