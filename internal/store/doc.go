// Package store provides persistent storage for the hub using SQLite.
//
// # Architecture
//
// The store package splits its contract into focused interfaces:
//
//   - AgentStore: agent rows keyed by UUID
//   - MetricsStore: append-only system metrics history
//   - TaskStore: tasks and their append-only logs
//
// Store composes all three. SQLiteStore implements it, and MockStore mirrors
// the same semantics in memory for unit tests.
//
// # Data Models
//
//   - AgentRecord: identity, last observed addresses, status, last snapshot
//   - SystemMetric: one metrics sample for one agent
//   - Task: unit of work with set-once started_at / completed_at
//   - TaskLog: audit line for a task
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and foreign keys:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Deleting an agent cascades to its tasks, task logs and metrics.
//
// # Timestamps
//
// All timestamps are stored as RFC3339 UTC text. Task ordering falls back to
// the row ID when two tasks share a creation second.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist, or a scoped update
//     matched no row
//
// All methods accept context.Context for cancellation support.
package store
