// ABOUTME: Optional heartbeat staleness sweep for agents with open but silent links
// ABOUTME: Stale links are closed so the normal disconnect path starts the grace period

package agent

import (
	"context"
	"time"

	"github.com/mskumargvd/arushi-cloud/internal/hub"
)

// SweepStale closes the connection of every online agent whose last heartbeat
// or registration is older than the heartbeat timeout. Returns how many links
// were closed. Does nothing when the timeout is disabled.
func (r *Registry) SweepStale() int {
	if r.staleAfter <= 0 {
		return 0
	}
	cutoff := r.clock.Now().Add(-r.staleAfter)

	var stale []hub.Conn
	var ids []string
	for _, e := range r.all() {
		e.mu.Lock()
		if e.state == StateOnline && e.conn != nil && e.lastActive.Before(cutoff) {
			stale = append(stale, e.conn)
			ids = append(ids, e.id)
		}
		e.mu.Unlock()
	}

	for i, c := range stale {
		r.logger.Warn("closing stale agent connection",
			"agent_id", ids[i], "conn_id", c.ID(), "timeout", r.staleAfter)
		if err := c.Close(); err != nil {
			r.logger.Debug("close stale connection", "agent_id", ids[i], "error", err)
		}
	}
	return len(stale)
}

// minSweepInterval bounds how often the sweep runs for very short timeouts.
const minSweepInterval = 500 * time.Millisecond

// RunStaleSweep calls SweepStale every half timeout until ctx is done.
func (r *Registry) RunStaleSweep(ctx context.Context) {
	if r.staleAfter <= 0 {
		return
	}
	ticker := r.clock.NewTicker(max(r.staleAfter/2, minSweepInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.SweepStale()
		}
	}
}
