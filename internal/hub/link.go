// ABOUTME: A Link is one authenticated peer connection with a buffered outbox
// ABOUTME: A dedicated send loop drains the outbox so producers never block on the socket

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mskumargvd/arushi-cloud/internal/auth"
	"github.com/mskumargvd/arushi-cloud/internal/protocol"
)

const (
	// DefaultOutboxSize bounds queued frames per connection.
	DefaultOutboxSize = 64
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrOutboxFull     = errors.New("outbox full")
	ErrAgentIDBound   = errors.New("connection already bound to a different agent id")
	ErrAgentIDUnbound = errors.New("connection has not registered an agent id")
)

// Conn is the view of a connection used by the registry, router and relay.
type Conn interface {
	ID() string
	Role() auth.Role
	// Send queues env without blocking. It fails with ErrConnClosed or ErrOutboxFull.
	Send(env protocol.Envelope) error
	Close() error
}

// Writer is the transport side of a Link.
type Writer interface {
	Write(ctx context.Context, env protocol.Envelope) error
	Close(reason string) error
}

// Link implements Conn on top of a Writer.
type Link struct {
	id       string
	identity *auth.Identity
	w        Writer
	outbox   chan protocol.Envelope
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger

	mu      sync.Mutex
	agentID string
}

// NewLink creates a link with a fresh connection id. Call Run to start
// draining the outbox.
func NewLink(identity *auth.Identity, w Writer, outboxSize int, logger *slog.Logger) *Link {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Link{
		id:       id,
		identity: identity,
		w:        w,
		outbox:   make(chan protocol.Envelope, outboxSize),
		done:     make(chan struct{}),
		logger:   logger.With("conn_id", id, "role", string(identity.Role)),
	}
}

func (l *Link) ID() string               { return l.id }
func (l *Link) Role() auth.Role          { return l.identity.Role }
func (l *Link) Identity() *auth.Identity { return l.identity }

// Done is closed once the link is closed.
func (l *Link) Done() <-chan struct{} { return l.done }

// Send implements Conn.
func (l *Link) Send(env protocol.Envelope) error {
	select {
	case <-l.done:
		return ErrConnClosed
	default:
	}

	select {
	case l.outbox <- env:
		return nil
	case <-l.done:
		return ErrConnClosed
	default:
		l.logger.Warn("outbox full, dropping frame", "event", env.Event)
		return ErrOutboxFull
	}
}

// Run drains the outbox until ctx is cancelled, the link is closed or a
// write fails. A failed write closes the link.
func (l *Link) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return ErrConnClosed
		case env := <-l.outbox:
			if err := l.w.Write(ctx, env); err != nil {
				l.logger.Debug("write failed", "event", env.Event, "error", err)
				_ = l.Close()
				return fmt.Errorf("writing %s: %w", env.Event, err)
			}
		}
	}
}

// Close implements Conn. Safe to call more than once.
func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.w.Close("closing")
	})
	return err
}

// BindAgent associates the agent id announced by the first register.
// Re-binding the same id is allowed; a different id is rejected.
func (l *Link) BindAgent(agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.agentID != "" && l.agentID != agentID {
		return fmt.Errorf("%w: bound %q, got %q", ErrAgentIDBound, l.agentID, agentID)
	}
	l.agentID = agentID
	return nil
}

// AgentID returns the bound agent id, or ErrAgentIDUnbound.
func (l *Link) AgentID() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.agentID == "" {
		return "", ErrAgentIDUnbound
	}
	return l.agentID, nil
}
