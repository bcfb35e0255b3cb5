// ABOUTME: Tests for the registry and presence state machine using a fake clock
// ABOUTME: Covers debounce, confirmed offline, supersession, heartbeats and per-id serialization

package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mskumargvd/arushi-cloud/internal/alert"
	"github.com/mskumargvd/arushi-cloud/internal/auth"
	"github.com/mskumargvd/arushi-cloud/internal/clock"
	"github.com/mskumargvd/arushi-cloud/internal/hub"
	"github.com/mskumargvd/arushi-cloud/internal/metrics"
	"github.com/mskumargvd/arushi-cloud/internal/protocol"
	"github.com/mskumargvd/arushi-cloud/internal/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	reg     *Registry
	store   *store.MockStore
	clock   *clock.FakeClock
	alerts  *alert.Recorder
	hub     *hub.Hub
	console *hub.MemConn
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMockStore(),
		clock:   clock.NewFake(epoch),
		alerts:  alert.NewRecorder(),
		hub:     hub.New(nil, nil),
		console: hub.NewMemConn("console-1", auth.RoleConsole),
	}
	f.hub.Add(f.console)
	f.hub.Subscribe(f.console)

	opts := Options{
		GracePeriod:    30 * time.Second,
		SampleInterval: 5 * time.Second,
		SampleBurst:    1,
		Clock:          f.clock,
		Alerts:         f.alerts,
		Metrics:        metrics.New(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.reg = NewRegistry(f.store, f.hub, opts)
	t.Cleanup(f.reg.Stop)
	return f
}

func registration(id string) protocol.Register {
	return protocol.Register{ID: id, Hostname: id + ".local", Platform: "linux"}
}

func agentConn(id string) *hub.MemConn {
	return hub.NewMemConn(id, auth.RoleAgent)
}

func offlineUpdates(t *testing.T, c *hub.MemConn) int {
	t.Helper()
	n := 0
	for _, env := range c.Sent() {
		if env.Event != protocol.EventAgentUpdated {
			continue
		}
		var info protocol.AgentInfo
		require.NoError(t, json.Unmarshal(env.Data, &info))
		if info.Status == "offline" {
			n++
		}
	}
	return n
}

func TestRegistry_GraceScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a1, a2 := agentConn("a1-conn"), agentConn("a2-conn")

	// t=0
	f.reg.Register(ctx, a1, registration("A1"))
	f.reg.Register(ctx, a2, registration("A2"))
	assert.Equal(t, 2, f.console.Count(protocol.EventAgentConnected))

	// t=1000
	f.clock.Advance(time.Second)
	f.reg.Disconnect(ctx, "A1", a1)
	f.reg.Disconnect(ctx, "A2", a2)
	assert.Equal(t, StateGrace, f.reg.State("A1"))

	info, ok := f.reg.Get("A1")
	require.True(t, ok)
	assert.Equal(t, "online", info.Status)

	// t=6000
	f.clock.Advance(5 * time.Second)
	a1b := agentConn("a1-conn-2")
	f.reg.Register(ctx, a1b, registration("A1"))

	// t=30999: nothing yet
	f.clock.Advance(24999 * time.Millisecond)
	assert.Equal(t, 0, offlineUpdates(t, f.console))
	assert.Equal(t, 0, f.alerts.Count())

	// t=31000
	f.clock.Advance(time.Millisecond)
	assert.Equal(t, 1, offlineUpdates(t, f.console))
	assert.Equal(t, []alert.Call{{AgentID: "A2", Transition: alert.TransitionOffline}}, f.alerts.Calls())

	// Long after, still exactly one.
	f.clock.Advance(time.Hour)
	assert.Equal(t, 1, offlineUpdates(t, f.console))
	assert.Equal(t, 1, f.alerts.Count())

	assert.Equal(t, StateOnline, f.reg.State("A1"))
	assert.Equal(t, StateOffline, f.reg.State("A2"))

	_, live := f.reg.LiveConnection("A2")
	assert.False(t, live)
	conn, live := f.reg.LiveConnection("A1")
	require.True(t, live)
	assert.Equal(t, "a1-conn-2", conn.ID())

	rec, err := f.store.GetAgent("A2")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusOffline, rec.Status)

	entries := f.store.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditAgentOffline, entries[0].Action)
	assert.Equal(t, "A2", entries[0].AgentID)
}

func TestRegistry_RepeatedBlipsNeverAlert(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conn := agentConn("c0")
	f.reg.Register(ctx, conn, registration("A1"))
	for i := 0; i < 10; i++ {
		f.reg.Disconnect(ctx, "A1", conn)
		f.clock.Advance(29 * time.Second)
		conn = agentConn("c" + string(rune('1'+i)))
		f.reg.Register(ctx, conn, registration("A1"))
	}
	f.clock.Advance(time.Minute)

	assert.Equal(t, 0, offlineUpdates(t, f.console))
	assert.Equal(t, 0, f.alerts.Count())
	assert.Equal(t, 0, f.clock.Pending())
}

func TestRegistry_ReconnectAfterOffline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c1 := agentConn("c1")
	f.reg.Register(ctx, c1, registration("A1"))
	f.reg.Disconnect(ctx, "A1", c1)
	f.clock.Advance(31 * time.Second)
	require.Equal(t, StateOffline, f.reg.State("A1"))

	f.reg.Register(ctx, agentConn("c2"), registration("A1"))
	assert.Equal(t, StateOnline, f.reg.State("A1"))
	assert.Equal(t, 2, f.console.Count(protocol.EventAgentConnected))
	assert.Equal(t, 1, f.alerts.Count())
}

func TestRegistry_SupersededDisconnectIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	old, fresh := agentConn("old"), agentConn("fresh")
	f.reg.Register(ctx, old, registration("A1"))
	f.reg.Register(ctx, fresh, registration("A1"))

	f.reg.Disconnect(ctx, "A1", old)
	f.clock.Advance(time.Minute)

	assert.Equal(t, StateOnline, f.reg.State("A1"))
	conn, ok := f.reg.LiveConnection("A1")
	require.True(t, ok)
	assert.Equal(t, "fresh", conn.ID())
	assert.False(t, old.Closed(), "superseded link is left open")
	assert.Equal(t, 0, f.alerts.Count())
}

func TestRegistry_DisconnectUnknownAgent(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.Disconnect(context.Background(), "ghost", agentConn("x"))
	assert.Equal(t, StateUnregistered, f.reg.State("ghost"))
	assert.Equal(t, 0, f.clock.Pending())
}

func TestRegistry_StaleTimerIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conn := agentConn("c1")
	f.reg.Register(ctx, conn, registration("A1"))
	f.reg.Disconnect(ctx, "A1", conn)

	f.reg.mu.Lock()
	gen := f.reg.entries["A1"].gen
	f.reg.mu.Unlock()

	f.reg.Register(ctx, agentConn("c2"), registration("A1"))
	f.reg.expire("A1", gen)
	f.reg.expire("missing", 1)

	assert.Equal(t, StateOnline, f.reg.State("A1"))
	assert.Equal(t, 0, f.alerts.Count())
}

func TestRegistry_PersistenceFailureKeepsLiveState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.store.SetFailWrites(true)

	conn := agentConn("c1")
	f.reg.Register(ctx, conn, registration("A1"))
	assert.Equal(t, StateOnline, f.reg.State("A1"))
	assert.Equal(t, 1, f.console.Count(protocol.EventAgentConnected))

	require.NoError(t, f.reg.Heartbeat(ctx, conn, "A1", protocol.Stats{CPU: 10}))

	f.reg.Disconnect(ctx, "A1", conn)
	f.clock.Advance(30 * time.Second)
	assert.Equal(t, StateOffline, f.reg.State("A1"))
	assert.Equal(t, 1, f.alerts.Count())
}

func TestRegistry_Heartbeat(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conn := agentConn("c1")
	f.reg.Register(ctx, conn, registration("A1"))

	stats := protocol.Stats{CPU: 42.5, RAM: 60, Disk: 70, Uptime: 12.25}
	require.NoError(t, f.reg.Heartbeat(ctx, conn, "A1", stats))

	info, ok := f.reg.Get("A1")
	require.True(t, ok)
	assert.Equal(t, stats, info.Stats)
	require.NotNil(t, info.LastHeartbeat)
	assert.True(t, info.LastHeartbeat.Equal(epoch))

	var update protocol.AgentInfo
	require.True(t, f.console.Last(protocol.EventAgentUpdated, &update))
	assert.Equal(t, 42.5, update.Stats.CPU)

	samples := f.store.Samples("A1")
	require.Len(t, samples, 1)
	assert.Equal(t, 42.5, samples[0].CPU)
}

func TestRegistry_HeartbeatLastWriteWins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conn := agentConn("c1")
	f.reg.Register(ctx, conn, registration("A1"))
	require.NoError(t, f.reg.Heartbeat(ctx, conn, "A1", protocol.Stats{CPU: 90, RAM: 90}))
	require.NoError(t, f.reg.Heartbeat(ctx, conn, "A1", protocol.Stats{CPU: 10, RAM: 20}))

	info, _ := f.reg.Get("A1")
	assert.Equal(t, 10.0, info.Stats.CPU)
	assert.Equal(t, 20.0, info.Stats.RAM)
}

func TestRegistry_HeartbeatSamplesRateLimited(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conn := agentConn("c1")
	f.reg.Register(ctx, conn, registration("A1"))

	for i := 0; i < 5; i++ {
		require.NoError(t, f.reg.Heartbeat(ctx, conn, "A1", protocol.Stats{CPU: float64(i)}))
	}
	assert.Len(t, f.store.Samples("A1"), 1)
	assert.Equal(t, 6, f.console.Count(protocol.EventAgentUpdated)+f.console.Count(protocol.EventAgentConnected))

	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.reg.Heartbeat(ctx, conn, "A1", protocol.Stats{CPU: 99}))
	assert.Len(t, f.store.Samples("A1"), 2)
}

func TestRegistry_ReplayedHeartbeatsAllRecorded(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SampleInterval = 0 })
	ctx := context.Background()

	conn := agentConn("c1")
	f.reg.Register(ctx, conn, registration("A1"))

	for i := 0; i < 20; i++ {
		require.NoError(t, f.reg.Heartbeat(ctx, conn, "A1", protocol.Stats{CPU: float64(i)}))
		f.clock.Advance(100 * time.Millisecond)
	}
	assert.Len(t, f.store.Samples("A1"), 20)
}

func TestRegistry_HeartbeatRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	err := f.reg.Heartbeat(ctx, agentConn("c0"), "ghost", protocol.Stats{})
	assert.ErrorIs(t, err, ErrNotOnline)

	conn := agentConn("c1")
	f.reg.Register(ctx, conn, registration("A1"))

	err = f.reg.Heartbeat(ctx, agentConn("intruder"), "A1", protocol.Stats{})
	assert.ErrorIs(t, err, ErrNotOwner)

	f.reg.Disconnect(ctx, "A1", conn)
	err = f.reg.Heartbeat(ctx, conn, "A1", protocol.Stats{})
	assert.ErrorIs(t, err, ErrNotOnline)

	f.clock.Advance(30 * time.Second)
	err = f.reg.Heartbeat(ctx, conn, "A1", protocol.Stats{})
	assert.ErrorIs(t, err, ErrNotOnline)
	assert.Empty(t, f.store.Samples("A1"))
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		f.reg.Register(ctx, agentConn(id+"-conn"), registration(id))
	}
	snap := f.reg.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "b", snap[1].ID)
	assert.Equal(t, "c", snap[2].ID)
	assert.Equal(t, 3, f.reg.Online())
}

func TestRegistry_Recover(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertAgent(ctx, &store.AgentRecord{
		ID: "A9", Hostname: "db-1", Platform: "linux", Status: store.AgentStatusOnline, LastSeen: epoch,
	}))
	require.NoError(t, f.reg.Recover(ctx))

	info, ok := f.reg.Get("A9")
	require.True(t, ok)
	assert.Equal(t, "offline", info.Status)
	assert.Equal(t, "db-1", info.Hostname)
	assert.Equal(t, 0, f.reg.Online())

	rec, err := f.store.GetAgent("A9")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusOffline, rec.Status)

	f.reg.Register(ctx, agentConn("c1"), registration("A9"))
	assert.Equal(t, StateOnline, f.reg.State("A9"))
}

func TestRegistry_RecoverStoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.SetFailWrites(true)
	err := f.reg.Recover(context.Background())
	assert.ErrorIs(t, err, store.ErrMockFailure)
}

func TestRegistry_NegativeGraceExpiresImmediately(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.GracePeriod = -1 })
	ctx := context.Background()

	conn := agentConn("c1")
	f.reg.Register(ctx, conn, registration("A1"))
	f.reg.Disconnect(ctx, "A1", conn)

	assert.Equal(t, StateOffline, f.reg.State("A1"))
	assert.Equal(t, 1, f.alerts.Count())
}

func TestRegistry_SerializesPerAgent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	first := true
	f.store.BeforeUpsert = func(a *store.AgentRecord) {
		if first {
			first = false
			close(entered)
			<-release
		}
	}

	firstDone := make(chan struct{})
	go func() {
		f.reg.Register(ctx, agentConn("first"), registration("A1"))
		close(firstDone)
	}()
	<-entered

	secondDone := make(chan struct{})
	go func() {
		f.reg.Register(ctx, agentConn("second"), registration("A1"))
		close(secondDone)
	}()

	select {
	case <-secondDone:
		t.Fatal("second register ran while the first held the agent")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-firstDone
	<-secondDone

	conn, ok := f.reg.LiveConnection("A1")
	require.True(t, ok)
	assert.Equal(t, "second", conn.ID())
}

func TestRegistry_SweepStale(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.HeartbeatTimeout = 90 * time.Second })
	ctx := context.Background()

	quiet, chatty := agentConn("quiet"), agentConn("chatty")
	f.reg.Register(ctx, quiet, registration("A1"))
	f.reg.Register(ctx, chatty, registration("A2"))

	f.clock.Advance(60 * time.Second)
	require.NoError(t, f.reg.Heartbeat(ctx, chatty, "A2", protocol.Stats{}))
	f.clock.Advance(31 * time.Second)

	assert.Equal(t, 1, f.reg.SweepStale())
	assert.True(t, quiet.Closed())
	assert.False(t, chatty.Closed())
	assert.Equal(t, StateOnline, f.reg.State("A1"), "closing the link leaves presence to the disconnect path")
}

func TestRegistry_SweepDisabled(t *testing.T) {
	f := newFixture(t, nil)
	conn := agentConn("c1")
	f.reg.Register(context.Background(), conn, registration("A1"))
	f.clock.Advance(24 * time.Hour)
	assert.Equal(t, 0, f.reg.SweepStale())
	assert.False(t, conn.Closed())
}

func TestRegistry_RunStaleSweepUsesClock(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.HeartbeatTimeout = 90 * time.Second })
	conn := agentConn("c1")
	f.reg.Register(context.Background(), conn, registration("A1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reg.RunStaleSweep(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// The sweep goroutine may not have created its ticker yet, so keep advancing.
	require.Eventually(t, func() bool {
		f.clock.Advance(45 * time.Second)
		return conn.Closed()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_RunStaleSweepTinyTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.HeartbeatTimeout = time.Nanosecond })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reg.RunStaleSweep(ctx)
		close(done)
	}()

	f.clock.Advance(time.Second)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not stop")
	}
}
