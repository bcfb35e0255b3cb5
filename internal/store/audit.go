// ABOUTME: Audit log entity and SQLite store methods for security-relevant events
// ABOUTME: Records threats, confirmed-offline transitions and command dispatches

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditThreatDetected    AuditAction = "threat_detected"
	AuditAgentOffline      AuditAction = "agent_offline"
	AuditCommandDispatched AuditAction = "command_dispatched"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditThreatDetected,
	AuditAgentOffline,
	AuditCommandDispatched,
}

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID        string         // UUID v4
	AgentID   string         // agent the entry concerns
	Action    AuditAction    // what happened
	Severity  int            // Suricata scale for threats, 0 otherwise
	Message   string         // human-readable summary
	Actor     string         // console subject for dispatches, empty otherwise
	Timestamp time.Time      // when it happened
	Detail    map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since   *time.Time   // entries at or after this time
	AgentID *string      // filter by agent
	Action  *AuditAction // filter by action type
	Limit   int          // max results (default 100, max 1000)
}

// prepareAuditEntry fills defaults and encodes the detail map.
func prepareAuditEntry(e *AuditEntry) (*string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if e.Detail == nil {
		return nil, nil
	}
	data, err := json.Marshal(e.Detail)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit detail: %w", err)
	}
	str := string(data)
	return &str, nil
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	detailJSON, err := prepareAuditEntry(e)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_log (audit_id, agent_id, action, severity, message, actor, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.AgentID,
		e.Action,
		e.Severity,
		e.Message,
		e.Actor,
		formatTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"agent_id", e.AgentID,
		"action", e.Action,
	)
	return nil
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.AgentID,
		&actionStr,
		&e.Severity,
		&e.Message,
		&e.Actor,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	var err error
	e.Timestamp, err = parseTime(tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, agent_id, action, severity, message, actor, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR agent_id = ?)
	  AND (? IS NULL OR action = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeLimit(f.Limit, DefaultHistoryLimit, MaxHistoryLimit)

	var sinceStr, actionStr *string
	if f.Since != nil {
		str := formatTime(*f.Since)
		sinceStr = &str
	}
	if f.Action != nil {
		str := string(*f.Action)
		actionStr = &str
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		sinceStr, sinceStr,
		f.AgentID, f.AgentID,
		actionStr, actionStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
