// ABOUTME: Relays agent threat alerts to every console with an id and receive time
// ABOUTME: Alerts at or above the audit severity are also written to the audit log

package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mskumargvd/arushi-cloud/internal/clock"
	"github.com/mskumargvd/arushi-cloud/internal/metrics"
	"github.com/mskumargvd/arushi-cloud/internal/protocol"
	"github.com/mskumargvd/arushi-cloud/internal/store"
)

// DefaultAuditSeverity audits severity 1 and 2 alerts.
const DefaultAuditSeverity = 2

// Broadcaster fans events out to console connections.
type Broadcaster interface {
	BroadcastConsoles(env protocol.Envelope) int
}

// Options configures a Relay.
type Options struct {
	// AuditSeverity is the least severe level still audited. Severity uses
	// the IDS scale where 1 is the most severe.
	AuditSeverity int

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Relay forwards threat alerts.
type Relay struct {
	consoles  Broadcaster
	audit     store.Store
	threshold int
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a Relay. audit may be nil to disable audit entries.
func New(consoles Broadcaster, audit store.Store, opts Options) *Relay {
	if opts.AuditSeverity <= 0 {
		opts.AuditSeverity = DefaultAuditSeverity
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		consoles:  consoles,
		audit:     audit,
		threshold: opts.AuditSeverity,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "telemetry"),
	}
}

// OnThreat stamps the alert and broadcasts it to all consoles. There is no
// deduplication; ordering is arrival order at the gateway.
func (r *Relay) OnThreat(ctx context.Context, agentID string, a protocol.ThreatAlert) protocol.ThreatUpdate {
	update := protocol.ThreatUpdate{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		SrcIP:      a.SrcIP,
		DestIP:     a.DestIP,
		Proto:      a.Proto,
		Signature:  a.Signature,
		Severity:   *a.Severity,
		ReceivedAt: r.clock.Now().UTC(),
	}
	r.metrics.Threat()

	n := r.consoles.BroadcastConsoles(protocol.MustNew(protocol.EventThreatUpdate, update))
	r.logger.Info("threat relayed",
		"threat_id", update.ID,
		"agent_id", agentID,
		"signature", update.Signature,
		"severity", update.Severity,
		"consoles", n,
	)

	if r.audit != nil && update.Severity <= r.threshold {
		r.record(ctx, update)
	}
	return update
}

func (r *Relay) record(ctx context.Context, u protocol.ThreatUpdate) {
	entry := &store.AuditEntry{
		ID:        u.ID,
		AgentID:   u.AgentID,
		Action:    store.AuditThreatDetected,
		Severity:  u.Severity,
		Message:   fmt.Sprintf("%s (%s %s -> %s)", u.Signature, u.Proto, u.SrcIP, u.DestIP),
		Timestamp: u.ReceivedAt,
		Detail: map[string]any{
			"src_ip":    u.SrcIP,
			"dest_ip":   u.DestIP,
			"proto":     u.Proto,
			"signature": u.Signature,
		},
	}
	if err := r.audit.AppendAuditLog(ctx, entry); err != nil {
		r.logger.Warn("failed to audit threat", "threat_id", u.ID, "error", err)
	}
}
