// Package store provides SQLite-backed durable storage for entity
// schedulers, orchestrations and their inboxes.
//
// The store holds:
//   - Instances: one row per entity scheduler, orchestration or client caller
//   - Inbox: messages delivered to an instance but not yet consumed
//   - Consumed: tombstones of processed messages (deduplication window)
//   - Journal: values recorded by orchestrations for re-execution
//
// # Delivery Guarantees
//
// Send is idempotent per (target, message id): a duplicate is dropped while
// the original is pending and, through tombstones, for the retention window
// after it was consumed. Together with Commit this turns an at-least-once
// sender into exactly-once processing.
//
// # Atomic Batches
//
// Commit applies one entity batch in a single transaction: consumed
// messages are removed, the scheduler state is replaced under an optimistic
// execution id check, and emitted messages are appended to their targets.
// A stale writer gets ErrConflict and nothing is written.
//
// # Ordering
//
// Inbox order is the autoincrement seq, never wall-clock time. deliver_at
// only hides scheduled messages until they are due.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
