// ABOUTME: Authoritative in-memory registry of agents backed by the durable store
// ABOUTME: Register, Disconnect, grace expiry and Heartbeat are the only mutation paths

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mskumargvd/arushi-cloud/internal/alert"
	"github.com/mskumargvd/arushi-cloud/internal/clock"
	"github.com/mskumargvd/arushi-cloud/internal/hub"
	"github.com/mskumargvd/arushi-cloud/internal/metrics"
	"github.com/mskumargvd/arushi-cloud/internal/protocol"
	"github.com/mskumargvd/arushi-cloud/internal/store"
)

const (
	// DefaultGracePeriod is how long a disconnected agent stays online.
	DefaultGracePeriod = 30 * time.Second

	// storeTimeout bounds store and alert calls made from timer callbacks,
	// which have no caller context.
	storeTimeout = 10 * time.Second
)

var (
	// ErrNotOnline is returned by Heartbeat for an agent that is not online.
	ErrNotOnline = errors.New("agent not online")

	// ErrNotOwner is returned when a connection reports for an agent id it
	// no longer owns.
	ErrNotOwner = errors.New("connection does not own agent id")
)

// Broadcaster fans events out to console connections.
type Broadcaster interface {
	BroadcastConsoles(env protocol.Envelope) int
}

// Options configures a Registry. Zero values select defaults.
type Options struct {
	GracePeriod      time.Duration
	HeartbeatTimeout time.Duration
	SampleInterval   time.Duration
	SampleBurst      int

	Clock   clock.Clock
	Alerts  alert.Sink
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Registry maps agent ids to presence entries.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	stopped atomic.Bool

	store    store.Store
	consoles Broadcaster
	alerts   alert.Sink
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger

	grace          time.Duration
	staleAfter     time.Duration
	sampleInterval time.Duration
	sampleBurst    int
}

// NewRegistry creates an empty registry. Call Recover to seed it from the store.
func NewRegistry(s store.Store, consoles Broadcaster, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Alerts == nil {
		opts.Alerts = alert.NewLogSink(opts.Logger)
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.SampleBurst <= 0 {
		opts.SampleBurst = 1
	}
	return &Registry{
		entries:        make(map[string]*entry),
		store:          s,
		consoles:       consoles,
		alerts:         opts.Alerts,
		clock:          opts.Clock,
		metrics:        opts.Metrics,
		logger:         opts.Logger.With("component", "registry"),
		grace:          opts.GracePeriod,
		staleAfter:     opts.HeartbeatTimeout,
		sampleInterval: opts.SampleInterval,
		sampleBurst:    opts.SampleBurst,
	}
}

func (r *Registry) newLimiter() *rate.Limiter {
	if r.sampleInterval <= 0 {
		return rate.NewLimiter(rate.Inf, r.sampleBurst)
	}
	return rate.NewLimiter(rate.Every(r.sampleInterval), r.sampleBurst)
}

// entryFor returns the entry for id, creating an unregistered one if needed.
func (r *Registry) entryFor(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = newEntry(id, r.newLimiter())
		r.entries[id] = e
	}
	return e
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) all() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func (r *Registry) broadcast(event protocol.Event, info protocol.AgentInfo) {
	if r.consoles == nil {
		return
	}
	r.consoles.BroadcastConsoles(protocol.MustNew(event, info))
}

// Recover marks every stored agent offline and seeds the registry with them so
// consoles see previously known agents before they reconnect.
func (r *Registry) Recover(ctx context.Context) error {
	n, err := r.store.MarkAllOffline(ctx)
	if err != nil {
		return fmt.Errorf("marking agents offline: %w", err)
	}
	records, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		if _, ok := r.entries[rec.ID]; ok {
			continue
		}
		e := newEntry(rec.ID, r.newLimiter())
		e.hostname = rec.Hostname
		e.platform = rec.Platform
		e.state = StateOffline
		e.lastActive = rec.LastSeen
		e.createdAt = rec.CreatedAt
		r.entries[rec.ID] = e
	}
	r.logger.Info("registry recovered", "agents", len(records), "marked_offline", n)
	return nil
}

// Register binds conn as the live connection for reg.ID. A pending grace timer
// is cancelled so no offline event or alert is produced for the blip.
func (r *Registry) Register(ctx context.Context, conn hub.Conn, reg protocol.Register) {
	e := r.entryFor(reg.ID)

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.state
	e.cancelTimer()

	if prev == StateOnline && e.conn != nil && !e.owns(conn) {
		r.logger.Warn("agent registration supersedes live connection",
			"agent_id", reg.ID,
			"previous_conn", e.conn.ID(),
			"conn_id", conn.ID(),
		)
	}

	now := r.clock.Now()
	e.conn = conn
	e.hostname = reg.Hostname
	e.platform = reg.Platform
	e.state = StateOnline
	e.lastActive = now
	if e.createdAt.IsZero() {
		e.createdAt = now
	}

	switch prev {
	case StateGrace:
		r.metrics.AgentResumed()
	case StateOnline:
	default:
		r.metrics.AgentOnline()
	}

	if err := r.store.UpsertAgent(ctx, e.record()); err != nil {
		r.logger.Warn("failed to persist agent", "agent_id", reg.ID, "error", err)
	}

	r.broadcast(protocol.EventAgentConnected, e.info())
	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", reg.ID,
		"hostname", reg.Hostname,
		"platform", reg.Platform,
		"previous_state", prev.String(),
		"conn_id", conn.ID(),
	)
}

// Disconnect starts the grace period for the agent conn was serving. It is a
// no-op when conn has been superseded or the agent is not online.
func (r *Registry) Disconnect(ctx context.Context, agentID string, conn hub.Conn) {
	if r.stopped.Load() {
		return
	}
	e, ok := r.lookup(agentID)
	if !ok {
		return
	}

	e.mu.Lock()
	if !e.owns(conn) || e.state != StateOnline {
		e.mu.Unlock()
		r.logger.Debug("ignoring disconnect from non-owning connection",
			"agent_id", agentID, "conn_id", conn.ID())
		return
	}

	e.cancelTimer()
	e.state = StateGrace
	gen := e.gen
	if r.grace > 0 {
		e.timer = r.clock.AfterFunc(r.grace, func() { r.expire(agentID, gen) })
	}
	e.mu.Unlock()

	r.metrics.AgentGrace()
	r.logger.Info("agent disconnected, grace period started",
		"agent_id", agentID, "grace", r.grace, "conn_id", conn.ID())

	if r.grace <= 0 {
		r.expire(agentID, gen)
	}
}

// expire confirms an agent offline. Stale generations are ignored.
func (r *Registry) expire(agentID string, gen uint64) {
	e, ok := r.lookup(agentID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	e.mu.Lock()
	if e.state != StateGrace || e.gen != gen {
		e.mu.Unlock()
		return
	}

	e.timer = nil
	e.conn = nil
	e.state = StateOffline
	r.metrics.AgentOffline()

	if err := r.store.UpsertAgent(ctx, e.record()); err != nil {
		r.logger.Warn("failed to persist offline agent", "agent_id", agentID, "error", err)
	}
	audit := &store.AuditEntry{
		AgentID:   agentID,
		Action:    store.AuditAgentOffline,
		Message:   fmt.Sprintf("agent %s did not reconnect within %s", agentID, r.grace),
		Timestamp: r.clock.Now(),
		Detail:    map[string]any{"hostname": e.hostname, "platform": e.platform},
	}
	if err := r.store.AppendAuditLog(ctx, audit); err != nil {
		r.logger.Warn("failed to audit offline agent", "agent_id", agentID, "error", err)
	}

	r.broadcast(protocol.EventAgentUpdated, e.info())
	e.mu.Unlock()

	r.logger.Info("=== AGENT OFFLINE ===", "agent_id", agentID)
	if err := r.alerts.Notify(ctx, agentID, alert.TransitionOffline); err != nil {
		r.logger.Error("offline alert failed", "agent_id", agentID, "error", err)
	}
}

// Heartbeat merges stats for an online agent, records a sample when the
// per-agent limiter allows it, and broadcasts the update.
func (r *Registry) Heartbeat(ctx context.Context, conn hub.Conn, agentID string, stats protocol.Stats) error {
	e, ok := r.lookup(agentID)
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotOnline)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateOnline {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotOnline)
	}
	if !e.owns(conn) {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotOwner)
	}

	now := r.clock.Now()
	e.stats = stats
	e.lastHeartbeat = now
	e.lastActive = now
	r.metrics.Heartbeat()

	if e.samples.AllowN(now, 1) {
		sample := &store.StatSample{
			AgentID:    agentID,
			CPU:        stats.CPU,
			RAM:        stats.RAM,
			Disk:       stats.Disk,
			Uptime:     stats.Uptime,
			RecordedAt: now,
		}
		if err := r.store.RecordStatSample(ctx, sample); err != nil {
			r.logger.Warn("failed to record stat sample", "agent_id", agentID, "error", err)
		}
	} else {
		r.metrics.SampleDropped()
	}

	r.broadcast(protocol.EventAgentUpdated, e.info())
	return nil
}

// Snapshot returns every known agent sorted by id.
func (r *Registry) Snapshot() []protocol.AgentInfo {
	entries := r.all()
	out := make([]protocol.AgentInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.state != StateUnregistered {
			out = append(out, e.info())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the view of one agent.
func (r *Registry) Get(agentID string) (protocol.AgentInfo, bool) {
	e, ok := r.lookup(agentID)
	if !ok {
		return protocol.AgentInfo{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateUnregistered {
		return protocol.AgentInfo{}, false
	}
	return e.info(), true
}

// State returns the presence state of one agent.
func (r *Registry) State(agentID string) State {
	e, ok := r.lookup(agentID)
	if !ok {
		return StateUnregistered
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LiveConnection returns the agent's connection while it is ONLINE or in GRACE.
// A connection in GRACE is already closed, so sends to it fail.
func (r *Registry) LiveConnection(agentID string) (hub.Conn, bool) {
	e, ok := r.lookup(agentID)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// Online returns the number of agents currently reported online.
func (r *Registry) Online() int {
	n := 0
	for _, e := range r.all() {
		e.mu.Lock()
		if e.state.status() == store.AgentStatusOnline {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Stop cancels every grace timer and ignores later disconnects. Agents in
// GRACE stay there; Recover marks them offline on the next start.
func (r *Registry) Stop() {
	r.stopped.Store(true)
	for _, e := range r.all() {
		e.mu.Lock()
		if e.timer != nil {
			e.cancelTimer()
		}
		e.mu.Unlock()
	}
}
