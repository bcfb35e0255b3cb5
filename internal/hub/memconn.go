// ABOUTME: In-memory Conn that records every frame it is sent
// ABOUTME: Used by registry, router and relay tests in place of a socket

package hub

import (
	"encoding/json"
	"sync"

	"github.com/mskumargvd/arushi-cloud/internal/auth"
	"github.com/mskumargvd/arushi-cloud/internal/protocol"
)

// MemConn is a Conn backed by a slice.
type MemConn struct {
	id   string
	role auth.Role

	mu     sync.Mutex
	sent   []protocol.Envelope
	closed bool
}

// NewMemConn creates an open in-memory connection.
func NewMemConn(id string, role auth.Role) *MemConn {
	return &MemConn{id: id, role: role}
}

func (c *MemConn) ID() string      { return c.id }
func (c *MemConn) Role() auth.Role { return c.role }

// Send implements Conn.
func (c *MemConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.sent = append(c.sent, env)
	return nil
}

// Close implements Conn.
func (c *MemConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *MemConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns a copy of every frame received so far.
func (c *MemConn) Sent() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

// Events returns the event names received so far, in order.
func (c *MemConn) Events() []protocol.Event {
	sent := c.Sent()
	out := make([]protocol.Event, len(sent))
	for i, env := range sent {
		out[i] = env.Event
	}
	return out
}

// Count returns how many frames with the given event were received.
func (c *MemConn) Count(event protocol.Event) int {
	n := 0
	for _, env := range c.Sent() {
		if env.Event == event {
			n++
		}
	}
	return n
}

// Last decodes the data of the most recent frame with the given event into v.
// It returns false if no such frame exists.
func (c *MemConn) Last(event protocol.Event, v any) bool {
	sent := c.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].Event == event {
			return json.Unmarshal(sent[i].Data, v) == nil
		}
	}
	return false
}

// Reset forgets recorded frames.
func (c *MemConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}
