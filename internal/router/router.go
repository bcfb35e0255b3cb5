// ABOUTME: Router forwards console commands to agents and routes results back
// ABOUTME: Replies go to the issuing console, or to every console when it has gone

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mskumargvd/arushi-cloud/internal/auth"
	"github.com/mskumargvd/arushi-cloud/internal/clock"
	"github.com/mskumargvd/arushi-cloud/internal/hub"
	"github.com/mskumargvd/arushi-cloud/internal/metrics"
	"github.com/mskumargvd/arushi-cloud/internal/pending"
	"github.com/mskumargvd/arushi-cloud/internal/protocol"
	"github.com/mskumargvd/arushi-cloud/internal/store"
)

// Router errors
var (
	// ErrAgentNotFound means the target agent is unknown or has no live connection.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentUnreachable means the agent has a connection but it refused the frame.
	ErrAgentUnreachable = errors.New("agent not reachable")
)

// Delivery describes where a command result went.
type Delivery int

const (
	DeliveredDirect Delivery = iota
	DeliveredFallback
	Dropped
)

func (d Delivery) String() string {
	switch d {
	case DeliveredDirect:
		return "direct"
	case DeliveredFallback:
		return "fallback"
	default:
		return "dropped"
	}
}

// AgentLocator finds the live connection for an agent id.
type AgentLocator interface {
	LiveConnection(agentID string) (hub.Conn, bool)
}

// Connections resolves reply targets and fans out to consoles.
type Connections interface {
	Lookup(connID string) (hub.Conn, bool)
	BroadcastConsoles(env protocol.Envelope) int
}

// Options configures a Router.
type Options struct {
	// FallbackBroadcast sends results for a departed console to all consoles.
	FallbackBroadcast bool
	// Pending tracks dispatches for latency and audit. Optional.
	Pending *pending.Cache

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Router dispatches commands and correlates results.
type Router struct {
	agents   AgentLocator
	conns    Connections
	audit    store.Store
	pending  *pending.Cache
	fallback bool
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Router. audit may be nil to skip audit entries.
func New(agents AgentLocator, conns Connections, audit store.Store, opts Options) *Router {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		agents:   agents,
		conns:    conns,
		audit:    audit,
		pending:  opts.Pending,
		fallback: opts.FallbackBroadcast,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "router"),
	}
}

// issuer returns the console subject behind a connection when known.
func issuer(c hub.Conn) string {
	if withID, ok := c.(interface{ Identity() *auth.Identity }); ok {
		if id := withID.Identity(); id != nil {
			return id.Subject
		}
	}
	return ""
}

func (r *Router) replyError(origin hub.Conn, agentID, commandID, message string) {
	env := protocol.MustNew(protocol.EventCommandError, protocol.CommandError{
		AgentID:   agentID,
		CommandID: commandID,
		Message:   message,
	})
	if err := origin.Send(env); err != nil {
		r.logger.Debug("could not report command error", "conn_id", origin.ID(), "error", err)
	}
}

// Dispatch forwards cmd to its target agent with replyTo set to origin. When
// the agent has no live connection only origin is told, synchronously.
// Returns the command id assigned to a forwarded command.
func (r *Router) Dispatch(ctx context.Context, origin hub.Conn, cmd protocol.SendCommand) (string, error) {
	target, ok := r.agents.LiveConnection(cmd.AgentID)
	if !ok {
		r.metrics.Command(metrics.OutcomeNotFound)
		r.replyError(origin, cmd.AgentID, "", ErrAgentNotFound.Error())
		return "", fmt.Errorf("dispatch to %s: %w", cmd.AgentID, ErrAgentNotFound)
	}

	commandID := uuid.New().String()
	env, err := protocol.New(protocol.EventExecuteCommand, protocol.ExecuteCommand{
		CommandID: commandID,
		Command:   cmd.Command,
		Payload:   cmd.Payload,
		ReplyTo:   origin.ID(),
	})
	if err != nil {
		return "", fmt.Errorf("encoding command: %w", err)
	}

	if err := target.Send(env); err != nil {
		r.metrics.Command(metrics.OutcomeUnreachable)
		r.replyError(origin, cmd.AgentID, commandID, ErrAgentUnreachable.Error())
		return commandID, fmt.Errorf("dispatch to %s: %w: %w", cmd.AgentID, ErrAgentUnreachable, err)
	}

	now := r.clock.Now()
	who := issuer(origin)
	if r.pending != nil {
		r.pending.Put(pending.Entry{
			CommandID: commandID,
			AgentID:   cmd.AgentID,
			Command:   cmd.Command,
			ReplyTo:   origin.ID(),
			Issuer:    who,
			IssuedAt:  now,
		})
	}
	r.metrics.Command(metrics.OutcomeDispatched)

	if r.audit != nil {
		entry := &store.AuditEntry{
			AgentID:   cmd.AgentID,
			Action:    store.AuditCommandDispatched,
			Message:   fmt.Sprintf("command %q sent to %s", cmd.Command, cmd.AgentID),
			Actor:     who,
			Timestamp: now,
			Detail:    map[string]any{"command_id": commandID, "command": cmd.Command},
		}
		if err := r.audit.AppendAuditLog(ctx, entry); err != nil {
			r.logger.Warn("failed to audit command", "command_id", commandID, "error", err)
		}
	}

	r.logger.Info("command dispatched",
		"command_id", commandID,
		"agent_id", cmd.AgentID,
		"command", cmd.Command,
		"reply_to", origin.ID(),
	)
	return commandID, nil
}

// OnResult routes an agent's result. The console named by replyTo gets it
// alone if it is still connected; a live console whose outbox is full loses
// it. Only when that console has disconnected does every console get it, and
// only when fallback is enabled. Results are never queued or retried.
func (r *Router) OnResult(ctx context.Context, agentID string, res protocol.CommandResult) Delivery {
	logger := r.logger.With("agent_id", agentID, "command_id", res.CommandID, "reply_to", res.ReplyTo)

	if r.pending != nil && res.CommandID != "" {
		if entry, ok := r.pending.Take(res.CommandID); ok {
			r.metrics.CommandRoundTrip(r.clock.Now().Sub(entry.IssuedAt))
			if entry.AgentID != agentID {
				logger.Warn("command result from unexpected agent", "expected_agent", entry.AgentID)
			}
		}
	}

	env := protocol.MustNew(protocol.EventCommandOutput, protocol.CommandOutput{
		AgentID:   agentID,
		CommandID: res.CommandID,
		Result:    res.Result,
	})

	if target, ok := r.conns.Lookup(res.ReplyTo); ok && target.Role() == auth.RoleConsole {
		err := target.Send(env)
		if err == nil {
			r.metrics.Command(metrics.OutcomeDelivered)
			logger.Debug("command result delivered")
			return DeliveredDirect
		}
		if !errors.Is(err, hub.ErrConnClosed) {
			r.metrics.Command(metrics.OutcomeDropped)
			logger.Warn("reply target still connected but refused result, dropped", "error", err)
			return Dropped
		}
		logger.Debug("reply target closed", "error", err)
	}

	if !r.fallback {
		r.metrics.Command(metrics.OutcomeDropped)
		logger.Info("reply target gone, result dropped")
		return Dropped
	}

	n := r.conns.BroadcastConsoles(env)
	r.metrics.Command(metrics.OutcomeFallback)
	logger.Debug("reply target gone, result broadcast", "consoles", n)
	return DeliveredFallback
}
