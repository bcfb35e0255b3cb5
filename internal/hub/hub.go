// ABOUTME: Process-wide index of live connections and console fan-out
// ABOUTME: Broadcasts never block; a full or closed console just misses the frame

package hub

import (
	"log/slog"
	"sync"

	"github.com/mskumargvd/arushi-cloud/internal/auth"
	"github.com/mskumargvd/arushi-cloud/internal/metrics"
	"github.com/mskumargvd/arushi-cloud/internal/protocol"
)

// Hub tracks every live connection by id.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]Conn
	consoles map[string]Conn

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a hub. Pass nil logger for default; nil metrics disables counting.
func New(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:    make(map[string]Conn),
		consoles: make(map[string]Conn),
		logger:   logger.With("component", "hub"),
		metrics:  m,
	}
}

// Add registers a connection. Consoles receive broadcasts only after Subscribe.
func (h *Hub) Add(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()

	if c.Role() == auth.RoleConsole {
		h.metrics.ConsoleConnected()
	}
	h.logger.Debug("connection added", "conn_id", c.ID(), "role", string(c.Role()))
}

// Remove unregisters a connection. Removing an unknown connection is a no-op.
func (h *Hub) Remove(c Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.ID()]
	delete(h.conns, c.ID())
	delete(h.consoles, c.ID())
	h.mu.Unlock()

	if !ok {
		return
	}
	if c.Role() == auth.RoleConsole {
		h.metrics.ConsoleDisconnected()
	}
	h.logger.Debug("connection removed", "conn_id", c.ID(), "role", string(c.Role()))
}

// Subscribe adds a registered console to the broadcast set. It reports false
// for agents and for connections that were never added or already removed.
func (h *Hub) Subscribe(c Conn) bool {
	if c.Role() != auth.RoleConsole {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID()]; !ok {
		return false
	}
	h.consoles[c.ID()] = c
	return true
}

// Lookup returns a live connection by id.
func (h *Hub) Lookup(id string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Consoles returns the number of subscribed console connections.
func (h *Hub) Consoles() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.consoles)
}

// BroadcastConsoles queues env on every console connection and returns how
// many accepted it.
func (h *Hub) BroadcastConsoles(env protocol.Envelope) int {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.consoles))
	for _, c := range h.consoles {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(env); err != nil {
			h.logger.Debug("broadcast miss", "conn_id", c.ID(), "event", env.Event, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// CloseAll closes every live connection. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		_ = c.Close()
	}
}
