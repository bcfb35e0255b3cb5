// ABOUTME: Transport-independent session loop: role gate, decoding and dispatch to components
// ABOUTME: Tears the link down on exit and hands agent disconnects to the registry

package gateway

import (
	"context"
	"errors"

	"github.com/mskumargvd/arushi-cloud/internal/auth"
	"github.com/mskumargvd/arushi-cloud/internal/hub"
	"github.com/mskumargvd/arushi-cloud/internal/protocol"
)

// receiver reads the next inbound frame from a transport.
type receiver func(ctx context.Context) (protocol.Envelope, error)

// serveLink runs one authenticated connection until the peer leaves, the link
// is closed, or ctx ends. Frames are handled one at a time in arrival order.
func (g *Gateway) serveLink(ctx context.Context, link *hub.Link, recv receiver) {
	ctx, cancel := context.WithCancel(ctx)

	g.hub.Add(link)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = link.Run(ctx)
	}()

	defer func() {
		g.teardown(ctx, link)
		cancel()
		<-runDone
	}()

	frames := make(chan protocol.Envelope)
	recvErr := make(chan error, 1)
	go func() {
		for {
			env, err := recv(ctx)
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case frames <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-link.Done():
			return
		case err := <-recvErr:
			g.logger.Debug("peer read ended", "conn_id", link.ID(), "error", err)
			return
		case env := <-frames:
			g.handleFrame(ctx, link, env)
		}
	}
}

// teardown removes the link and, for a registered agent, starts its grace period.
func (g *Gateway) teardown(ctx context.Context, link *hub.Link) {
	g.hub.Remove(link)
	_ = link.Close()

	if link.Role() != auth.RoleAgent {
		g.logger.Info("console disconnected", "conn_id", link.ID(), "subject", link.Identity().Subject)
		return
	}
	agentID, err := link.AgentID()
	if err != nil {
		g.logger.Info("unregistered agent connection closed", "conn_id", link.ID())
		return
	}
	g.registry.Disconnect(context.WithoutCancel(ctx), agentID, link)
}

// rejectReason maps decode failures to a metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, protocol.ErrNotPermitted):
		return "not_permitted"
	case errors.Is(err, protocol.ErrMalformed):
		return "malformed"
	case errors.Is(err, protocol.ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "other"
	}
}

// reject reports a dropped frame to the sender.
func (g *Gateway) reject(link *hub.Link, reason, message string) {
	g.metrics.Rejected(reason)
	g.logger.Warn("rejected frame",
		"conn_id", link.ID(),
		"role", string(link.Role()),
		"reason", reason,
		"message", message,
	)
	_ = link.Send(protocol.ErrorEnvelope(message))
}

// handleFrame validates one frame and routes it to its component.
func (g *Gateway) handleFrame(ctx context.Context, link *hub.Link, env protocol.Envelope) {
	msg, err := protocol.Decode(link.Role(), env)
	if err != nil {
		g.reject(link, rejectReason(err), err.Error())
		return
	}

	switch m := msg.(type) {
	case *protocol.Register:
		g.onAgentRegister(ctx, link, m)
	case *protocol.Subscribe:
		g.onConsoleRegister(link)
	case *protocol.Heartbeat:
		g.onHeartbeat(ctx, link, m)
	case *protocol.CommandResult:
		if agentID, ok := g.boundAgent(link); ok {
			g.router.OnResult(ctx, agentID, *m)
		}
	case *protocol.ThreatAlert:
		if agentID, ok := g.boundAgent(link); ok {
			g.relay.OnThreat(ctx, agentID, *m)
		}
	case *protocol.SendCommand:
		if _, err := g.router.Dispatch(ctx, link, *m); err != nil {
			g.logger.Debug("command not dispatched", "conn_id", link.ID(), "agent_id", m.AgentID, "error", err)
		}
	}
}

// boundAgent returns the link's agent id, rejecting the frame if the agent
// has not registered yet.
func (g *Gateway) boundAgent(link *hub.Link) (string, bool) {
	agentID, err := link.AgentID()
	if err != nil {
		g.reject(link, "unregistered", "agent must register first")
		return "", false
	}
	return agentID, true
}

func (g *Gateway) onAgentRegister(ctx context.Context, link *hub.Link, m *protocol.Register) {
	if err := link.BindAgent(m.ID); err != nil {
		g.reject(link, "id_mismatch", err.Error())
		return
	}
	g.registry.Register(ctx, link, *m)
}

// onConsoleRegister subscribes before taking the snapshot so no update falls
// between the two.
func (g *Gateway) onConsoleRegister(link *hub.Link) {
	g.hub.Subscribe(link)
	snapshot := g.registry.Snapshot()
	if err := link.Send(protocol.MustNew(protocol.EventAgentList, snapshot)); err != nil {
		g.logger.Warn("failed to send agent list", "conn_id", link.ID(), "error", err)
		return
	}
	g.logger.Info("console subscribed",
		"conn_id", link.ID(),
		"subject", link.Identity().Subject,
		"agents", len(snapshot),
	)
}

func (g *Gateway) onHeartbeat(ctx context.Context, link *hub.Link, m *protocol.Heartbeat) {
	agentID, ok := g.boundAgent(link)
	if !ok {
		return
	}
	if m.ID != agentID {
		g.reject(link, "id_mismatch", "heartbeat id does not match registered id")
		return
	}
	if err := g.registry.Heartbeat(ctx, link, agentID, m.Stats()); err != nil {
		g.reject(link, "not_online", err.Error())
	}
}
