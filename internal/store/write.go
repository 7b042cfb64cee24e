package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// execer is implemented by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Send appends messages to their targets' inboxes in one transaction.
//
// Delivery is idempotent: a message whose (target, id) is already pending,
// or was consumed within the retention window, is silently dropped.
// Returns the number of messages actually appended.
func (s *Store) Send(ctx context.Context, now time.Time, msgs ...Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("send: begin: %w", err)
	}
	defer tx.Rollback()

	n, err := appendMessages(ctx, tx, now, msgs)
	if err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("send: commit: %w", err)
	}
	return n, nil
}

// appendMessages inserts messages into the inbox, skipping duplicates.
func appendMessages(ctx context.Context, ex execer, now time.Time, msgs []Message) (int, error) {
	appended := 0
	for _, m := range msgs {
		if m.Target == "" || m.ID == "" || m.Name == "" {
			return appended, fmt.Errorf("message %q to %q: target, id and name are required", m.ID, m.Target)
		}

		var tombstones int
		if err := ex.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM consumed WHERE target = ? AND message_id = ?`,
			m.Target, m.ID,
		).Scan(&tombstones); err != nil {
			return appended, fmt.Errorf("check consumed %s: %w", m.ID, err)
		}
		if tombstones > 0 {
			continue
		}

		deliverAt := m.DeliverAt
		if deliverAt.IsZero() {
			deliverAt = now
		}
		res, err := ex.ExecContext(ctx, `
			INSERT INTO inbox (target, message_id, name, payload, source, deliver_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(target, message_id) DO NOTHING
		`,
			m.Target,
			m.ID,
			m.Name,
			string(m.Payload),
			m.Source,
			toNanos(deliverAt),
			toNanos(now),
		)
		if err != nil {
			return appended, fmt.Errorf("append %s to %s: %w", m.ID, m.Target, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			appended++
		}
	}
	return appended, nil
}

// Commit atomically applies the outcome of one entity batch: the consumed
// inbox messages are removed and tombstoned, the scheduler state is
// replaced (or deleted), and the outbox is appended to the target inboxes.
//
// Returns ErrConflict if the instance's execution id no longer matches
// ExpectedExecutionID or a consumed message is already gone. Nothing is
// written in that case.
func (s *Store) Commit(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit %s: begin: %w", c.InstanceID, err)
	}
	defer tx.Rollback()

	for _, m := range c.Consumed {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM inbox WHERE seq = ? AND target = ?`, m.Seq, c.InstanceID)
		if err != nil {
			return fmt.Errorf("commit %s: consume %s: %w", c.InstanceID, m.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return fmt.Errorf("commit %s: message %s already consumed: %w", c.InstanceID, m.ID, ErrConflict)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO consumed (target, message_id, consumed_at) VALUES (?, ?, ?)
			ON CONFLICT(target, message_id) DO NOTHING
		`, c.InstanceID, m.ID, toNanos(c.Now)); err != nil {
			return fmt.Errorf("commit %s: tombstone %s: %w", c.InstanceID, m.ID, err)
		}
	}

	if err := writeInstance(ctx, tx, c); err != nil {
		return err
	}

	if _, err := appendMessages(ctx, tx, c.Now, c.Outbox); err != nil {
		return fmt.Errorf("commit %s: %w", c.InstanceID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", c.InstanceID, err)
	}
	return nil
}

// writeInstance replaces the entity row guarded by the expected execution id.
func writeInstance(ctx context.Context, tx *sql.Tx, c Commit) error {
	var (
		res sql.Result
		err error
	)
	switch {
	case c.ExpectedExecutionID == "" && c.Delete:
		// Nothing existed and nothing is left. Still make sure nobody
		// created the instance meanwhile.
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM instances WHERE id = ?`, c.InstanceID).Scan(&count); err != nil {
			return fmt.Errorf("commit %s: %w", c.InstanceID, err)
		}
		if count > 0 {
			return fmt.Errorf("commit %s: instance created concurrently: %w", c.InstanceID, ErrConflict)
		}
		return nil
	case c.ExpectedExecutionID == "":
		res, err = tx.ExecContext(ctx, `
			INSERT INTO instances (id, kind, execution_id, input, status, runnable, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, c.InstanceID, KindEntity, c.ExecutionID, string(c.Input), StatusRunning, c.Runnable, toNanos(c.Now), toNanos(c.Now))
	case c.Delete:
		res, err = tx.ExecContext(ctx,
			`DELETE FROM instances WHERE id = ? AND execution_id = ?`,
			c.InstanceID, c.ExpectedExecutionID)
	default:
		res, err = tx.ExecContext(ctx, `
			UPDATE instances
			SET execution_id = ?, input = ?, runnable = ?, updated_at = ?
			WHERE id = ? AND execution_id = ?
		`, c.ExecutionID, string(c.Input), c.Runnable, toNanos(c.Now), c.InstanceID, c.ExpectedExecutionID)
	}
	if err != nil {
		return fmt.Errorf("commit %s: write instance: %w", c.InstanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit %s: write instance: %w", c.InstanceID, err)
	}
	if n != 1 {
		return fmt.Errorf("commit %s: execution %q is stale: %w", c.InstanceID, c.ExpectedExecutionID, ErrConflict)
	}
	return nil
}

// StartInstance registers an orchestration or client instance.
// An existing instance is returned unchanged; created reports whether the
// row was inserted by this call.
func (s *Store) StartInstance(ctx context.Context, id, kind, executionID string, now time.Time) (inst Instance, created bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, kind, execution_id, input, status, runnable, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, kind, executionID, StatusRunning, toNanos(now), toNanos(now))
	if err != nil {
		return Instance{}, false, fmt.Errorf("start instance %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Instance{}, false, fmt.Errorf("start instance %s: %w", id, err)
	}

	inst, err = s.LoadInstance(ctx, id)
	if err != nil {
		return Instance{}, false, fmt.Errorf("start instance %s: %w", id, err)
	}
	return inst, n == 1, nil
}

// FinishInstance records the final status of an orchestration and drops
// its remaining inbox messages and journal.
func (s *Store) FinishInstance(ctx context.Context, id, status string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finish instance %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE instances SET status = ?, runnable = 0, updated_at = ? WHERE id = ?`,
		status, toNanos(now), id)
	if err != nil {
		return fmt.Errorf("finish instance %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish instance %s: %w", id, ErrNotFound)
	}
	if err := dropInstanceData(ctx, tx, id); err != nil {
		return fmt.Errorf("finish instance %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finish instance %s: commit: %w", id, err)
	}
	return nil
}

// DeleteInstance removes an instance with its inbox and journal.
// Deleting a missing instance is not an error.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete instance %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	if err := dropInstanceData(ctx, tx, id); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete instance %s: commit: %w", id, err)
	}
	return nil
}

// DeleteIdleEntity removes an entity row only if it still has execution
// executionID and nothing is waiting in its inbox, due or not. Both checks
// and the delete happen in one transaction.
//
// Returns ErrConflict if the entity changed, received a message, or is
// already gone.
func (s *Store) DeleteIdleEntity(ctx context.Context, id, executionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete idle entity %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM instances
		WHERE id = ? AND execution_id = ?
		  AND NOT EXISTS (SELECT 1 FROM inbox WHERE target = ?)
	`, id, executionID, id)
	if err != nil {
		return fmt.Errorf("delete idle entity %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete idle entity %s: %w", id, err)
	}
	if n != 1 {
		return fmt.Errorf("delete idle entity %s: entity is not idle at execution %q: %w", id, executionID, ErrConflict)
	}
	if err := dropInstanceData(ctx, tx, id); err != nil {
		return fmt.Errorf("delete idle entity %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete idle entity %s: commit: %w", id, err)
	}
	return nil
}

func dropInstanceData(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM inbox WHERE target = ?`, id); err != nil {
		return fmt.Errorf("drop inbox: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM journal WHERE instance_id = ?`, id); err != nil {
		return fmt.Errorf("drop journal: %w", err)
	}
	return nil
}

// RecordStep stores value as the outcome of an orchestration step unless a
// value was already recorded, and returns the recorded value.
// The first recorded value always wins, which makes re-execution observe
// the same values.
func (s *Store) RecordStep(ctx context.Context, instanceID string, step int, value string) (string, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO journal (instance_id, step, value) VALUES (?, ?, ?)
		ON CONFLICT(instance_id, step) DO NOTHING
	`, instanceID, step, value); err != nil {
		return "", fmt.Errorf("record step %s/%d: %w", instanceID, step, err)
	}

	var recorded string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM journal WHERE instance_id = ? AND step = ?`,
		instanceID, step).Scan(&recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("record step %s/%d: %w", instanceID, step, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("record step %s/%d: %w", instanceID, step, err)
	}
	return recorded, nil
}

// PruneConsumed removes delivery tombstones older than before.
func (s *Store) PruneConsumed(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM consumed WHERE consumed_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("prune consumed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune consumed: %w", err)
	}
	return n, nil
}
