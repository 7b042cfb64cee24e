package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LoadInstance reads one instance row.
// Returns ErrNotFound if the instance does not exist.
func (s *Store) LoadInstance(ctx context.Context, id string) (Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, execution_id, input, status, runnable, created_at, updated_at
		FROM instances
		WHERE id = ?
	`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, fmt.Errorf("load instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Instance{}, fmt.Errorf("load instance %s: %w", id, err)
	}
	return inst, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (Instance, error) {
	var (
		inst      Instance
		input     sql.NullString
		runnable  int
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&inst.ID, &inst.Kind, &inst.ExecutionID, &input, &inst.Status, &runnable, &createdAt, &updatedAt); err != nil {
		return Instance{}, err
	}
	if input.Valid {
		inst.Input = []byte(input.String)
	}
	inst.Runnable = runnable != 0
	inst.CreatedAt = fromNanos(createdAt)
	inst.UpdatedAt = fromNanos(updatedAt)
	return inst, nil
}

// ListInstances returns instances matching filter ordered by id.
func (s *Store) ListInstances(ctx context.Context, filter ListFilter) ([]Instance, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Prefix != "" {
		where = append(where, "substr(id, 1, ?) = ?")
		args = append(args, len(filter.Prefix), filter.Prefix)
	}

	query := `SELECT id, kind, execution_id, input, status, runnable, created_at, updated_at FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("list instances: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return out, nil
}

// Pending returns up to limit inbox messages of target that are due at now,
// in delivery order. A limit of zero returns all due messages.
func (s *Store) Pending(ctx context.Context, target string, now time.Time, limit int) ([]Message, error) {
	query := `
		SELECT seq, target, message_id, name, payload, source, deliver_at
		FROM inbox
		WHERE target = ? AND deliver_at <= ?
		ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, target, toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("pending %s: %w", target, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("pending %s: %w", target, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending %s: %w", target, err)
	}
	return out, nil
}

// Event returns the first due message named name in target's inbox.
// Returns ErrNotFound if there is none.
func (s *Store) Event(ctx context.Context, target, name string, now time.Time) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, target, message_id, name, payload, source, deliver_at
		FROM inbox
		WHERE target = ? AND name = ? AND deliver_at <= ?
		ORDER BY seq ASC
		LIMIT 1
	`, target, name, toNanos(now))
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("event %s/%s: %w", target, name, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("event %s/%s: %w", target, name, err)
	}
	return m, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m         Message
		payload   string
		deliverAt int64
	)
	if err := row.Scan(&m.Seq, &m.Target, &m.ID, &m.Name, &payload, &m.Source, &deliverAt); err != nil {
		return Message{}, err
	}
	m.Payload = []byte(payload)
	m.DeliverAt = fromNanos(deliverAt)
	return m, nil
}

// PendingCount returns the number of inbox messages of target, due or not.
func (s *Store) PendingCount(ctx context.Context, target string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inbox WHERE target = ?`, target).Scan(&n); err != nil {
		return 0, fmt.Errorf("pending count %s: %w", target, err)
	}
	return n, nil
}

// RunnableEntities returns the scheduler ids that have work at now: due
// inbox messages, or queued requests that were left runnable.
func (s *Store) RunnableEntities(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target FROM inbox WHERE deliver_at <= ? AND substr(target, 1, 1) = '@'
		UNION
		SELECT id FROM instances WHERE runnable = 1 AND kind = ?
		ORDER BY 1
	`, toNanos(now), KindEntity)
	if err != nil {
		return nil, fmt.Errorf("runnable entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("runnable entities: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runnable entities: %w", err)
	}
	return ids, nil
}
