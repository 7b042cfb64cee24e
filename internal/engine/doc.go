// Package engine runs entity schedulers.
//
// Every entity has an inbox in the store. Processing an entity runs one
// batch:
//
//  1. Load the scheduler state and the due inbox messages.
//  2. Queue incoming requests in arrival order. Requests from the lock
//     holder skip the queue; a release from the holder unlocks the entity.
//  3. Take queued requests until the batch is full or a lock request is
//     reached.
//  4. Run the operations one at a time. A failed operation is rolled back
//     on its own; the rest of the batch is kept.
//  5. Commit the new state, the consumed messages and the outgoing messages
//     in one transaction, under a fresh execution id.
//
// Each commit starts a new execution of the entity, so the history an
// entity carries is bounded by its state and queue.
//
// CONCURRENCY:
//
// Run starts a pool of workers fed by a ready queue of scheduler ids. An id
// is handed to one worker at a time; work arriving for an entity that is
// being processed schedules another batch after the current one. Commits
// are guarded by the execution id read at the start of the batch, so a
// second process working on the same database can never apply a batch
// twice. A stale batch is discarded and retried.
//
// A poller scans the store for work that arrives from other processes or
// becomes due (scheduled signals, timers).
package engine
