// ABOUTME: Store interface and data types for arushi-gateway persistence
// ABOUTME: Defines agent records, stat samples and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// History limits for QueryHistory.
const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
)

// AgentStatus is the persisted presence of an agent.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
)

// AgentRecord is the durable metadata of an agent. Records are never deleted.
type AgentRecord struct {
	ID        string
	Hostname  string
	Platform  string
	Status    AgentStatus
	LastSeen  time.Time
	CreatedAt time.Time
}

// StatSample is one persisted heartbeat.
type StatSample struct {
	AgentID    string
	CPU        float64
	RAM        float64
	Disk       float64
	Uptime     float64 // hours
	RecordedAt time.Time
}

// Store defines the durable store consumed by the registry, relay and HTTP API.
type Store interface {
	// UpsertAgent inserts or updates an agent keyed by ID. CreatedAt is kept
	// from the first insert.
	UpsertAgent(ctx context.Context, a *AgentRecord) error

	// ListAgents returns every known agent ordered by ID.
	ListAgents(ctx context.Context) ([]*AgentRecord, error)

	// MarkAllOffline sets every agent offline and returns how many changed.
	MarkAllOffline(ctx context.Context) (int64, error)

	// RecordStatSample appends a sample.
	RecordStatSample(ctx context.Context, s *StatSample) error

	// QueryHistory returns the most recent samples for an agent, oldest first.
	QueryHistory(ctx context.Context, agentID string, limit int) ([]StatSample, error)

	// AppendAuditLog appends an entry, filling ID and Timestamp if unset.
	AppendAuditLog(ctx context.Context, e *AuditEntry) error

	// ListAuditLog returns entries matching the filter, newest first.
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	Close() error
}

// normalizeLimit applies a default and a cap to a caller-supplied limit.
func normalizeLimit(limit, def, max int) int {
	switch {
	case limit <= 0:
		return def
	case limit > max:
		return max
	default:
		return limit
	}
}
