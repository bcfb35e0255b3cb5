// ABOUTME: Per-agent presence state: ONLINE, GRACE and OFFLINE with one debounce timer
// ABOUTME: The entry mutex serializes every mutation for one agent id, store calls included

package agent

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mskumargvd/arushi-cloud/internal/clock"
	"github.com/mskumargvd/arushi-cloud/internal/hub"
	"github.com/mskumargvd/arushi-cloud/internal/protocol"
	"github.com/mskumargvd/arushi-cloud/internal/store"
)

// State is the presence of one agent id.
type State int

const (
	StateUnregistered State = iota
	StateOnline
	StateGrace
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateGrace:
		return "grace"
	case StateOffline:
		return "offline"
	default:
		return "unregistered"
	}
}

// status is what consumers see. GRACE still reports online.
func (s State) status() store.AgentStatus {
	if s == StateOnline || s == StateGrace {
		return store.AgentStatusOnline
	}
	return store.AgentStatusOffline
}

// entry is the registry's record for one agent id. All fields are guarded by mu.
type entry struct {
	mu sync.Mutex

	id       string
	hostname string
	platform string
	state    State

	// conn is non-nil while ONLINE or GRACE.
	conn hub.Conn

	stats         protocol.Stats
	lastHeartbeat time.Time
	lastActive    time.Time
	createdAt     time.Time

	// timer exists only in GRACE. gen invalidates callbacks from timers
	// that were stopped too late to prevent firing.
	timer clock.Timer
	gen   uint64

	samples *rate.Limiter
}

func newEntry(id string, limiter *rate.Limiter) *entry {
	return &entry{id: id, samples: limiter}
}

// cancelTimer stops any grace timer and invalidates its callback.
func (e *entry) cancelTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
}

func (e *entry) owns(c hub.Conn) bool {
	return e.conn != nil && c != nil && e.conn.ID() == c.ID()
}

func (e *entry) info() protocol.AgentInfo {
	info := protocol.AgentInfo{
		ID:       e.id,
		Hostname: e.hostname,
		Platform: e.platform,
		Status:   string(e.state.status()),
		Stats:    e.stats,
	}
	if !e.lastHeartbeat.IsZero() {
		ts := e.lastHeartbeat
		info.LastHeartbeat = &ts
	}
	return info
}

func (e *entry) record() *store.AgentRecord {
	return &store.AgentRecord{
		ID:        e.id,
		Hostname:  e.hostname,
		Platform:  e.platform,
		Status:    e.state.status(),
		LastSeen:  e.lastActive,
		CreatedAt: e.createdAt,
	}
}
