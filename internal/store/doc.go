// Package store provides durable storage for the gateway.
//
// # Backends
//
//   - SQLiteStore with the pure-Go modernc driver ("sqlite", default) or the
//     cgo mattn driver ("sqlite3"). Schema is created on open; timestamps are
//     fixed-width UTC TEXT so they sort lexically.
//   - PostgresStore on a pgx pool. Schema is managed by goose migrations
//     embedded from migrations/*.sql and applied on open.
//   - MockStore, in memory, for tests.
//
// # Data Models
//
//   - AgentRecord: agent metadata and last persisted status, never deleted
//   - StatSample: append-only heartbeat samples, read back via QueryHistory
//   - AuditEntry: threat_detected, agent_offline and command_dispatched events
//
// The registry treats every write as best effort: a failed write is logged
// and in-memory presence state is updated regardless.
package store
