// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The Store interface covers three concerns:
//
//   - Outbox: durable queued commands with correlation ids
//   - Fleet: child instances, managed hosts and distribution profiles
//   - Tokens: single-use approval token consumption
//
// SQLiteStore implements the whole interface in one struct.
//
// # Command Status Lattice
//
// A queued command moves through a small lattice and every terminal
// transition is a guarded UPDATE that reports whether it applied:
//
//	pending -> sent -> acknowledged | failed
//	pending | sent  -> expired
//
// The guards are what make result handling exactly-once: two racing
// results for the same correlation id resolve to one applied transition
// and one no-op, and an expiry can never overwrite a real result.
//
// # Data Models
//
//   - QueuedCommand: one outbox row with status timestamps
//   - ChildInstance: instance state, generation token, approval token
//   - ManagedHost: host identity and approval
//   - DistributionProfile: per-backend OS provisioning parameters
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339 TEXT columns.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateCorrelationID: correlation id already queued
//
// All methods accept context.Context for cancellation support.
package store
