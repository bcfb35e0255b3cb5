// Package agent is the authoritative registry of agents and their presence.
//
// # Presence
//
// Each agent id moves through
//
//	UNREGISTERED -> ONLINE -> GRACE -> OFFLINE
//
// with GRACE -> ONLINE and OFFLINE -> ONLINE on a fresh register. When an
// agent's connection drops the entry enters GRACE and a single debounce timer
// starts. Consumers still see the agent as online. A register before the timer
// fires cancels it silently; otherwise the agent is confirmed offline, consoles
// receive agent_updated, and the alert sink is notified once.
//
// # Serialization
//
// Every mutation for one agent id runs under that entry's mutex, including the
// durable store call it makes, so two events for the same id never interleave.
// The id-to-entry map has its own lock and is never held across I/O.
//
// Timers carry a generation number. A timer that fires after being superseded
// or cancelled finds a different generation and does nothing.
//
// # Persistence
//
// Store failures are logged and otherwise ignored; in-memory state is always
// updated. Heartbeat samples are rate limited per agent.
package agent
