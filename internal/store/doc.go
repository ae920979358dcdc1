// Package store provides the SQLite-backed predicate store.
//
// The store holds three tables:
//   - predicates: one row per registered predicate, including the pending
//     request slot and the cached result
//   - requests: every request handle ever issued and how it ended, used to
//     correlate oracle callbacks with predicates
//   - events: the append-only audit log
//
// # Transitions
//
// Every state change runs in a single transaction together with the audit
// event that records it. Compare-and-set is expressed as a conditional
// UPDATE guarded on pending_request, so a second trigger, a stale callback,
// or a rollback for a superseded handle changes zero rows and is reported as
// ALREADY_PENDING or STALE_REQUEST.
//
// # Ordering
//
// Predicates list in registration order (seq) and events in append order.
// Timestamps are informational only and never used for ordering.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
