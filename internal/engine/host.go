package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/entityflow/internal/entity"
	"github.com/roach88/entityflow/internal/store"
)

// Send delivers messages from outside an entity batch (clients and
// orchestrations) and wakes the entities they address.
// Returns the number of messages appended; duplicates are dropped.
func (e *Engine) Send(ctx context.Context, msgs ...store.Message) (int, error) {
	now := e.clock.Now()
	n, err := e.store.Send(ctx, now, msgs...)
	if err != nil {
		return n, err
	}
	for _, m := range msgs {
		if entity.IsSchedulerID(m.Target) && !m.DeliverAt.After(now) {
			e.ready.Enqueue(m.Target)
		}
	}
	e.changes.Broadcast()
	return n, nil
}

// Await blocks until the inbox of instanceID holds a due message named
// event and returns it. The message is left in the inbox, so awaiting the
// same event again returns it again.
func (e *Engine) Await(ctx context.Context, instanceID, event string) (store.Message, error) {
	for {
		changed := e.changes.Wait()

		m, err := e.store.Event(ctx, instanceID, event, e.clock.Now())
		if err == nil {
			return m, nil
		}
		if !store.IsNotFound(err) {
			return store.Message{}, err
		}

		select {
		case <-ctx.Done():
			return store.Message{}, ctx.Err()
		case <-changed:
		case <-e.clock.After(e.pollInterval):
		}
	}
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// NewID returns a fresh unique id.
func (e *Engine) NewID() string {
	return e.ids.Generate()
}

// StartInstance registers an orchestration or client instance.
// An existing instance is returned unchanged with created == false.
func (e *Engine) StartInstance(ctx context.Context, id, kind string) (inst store.Instance, created bool, err error) {
	if entity.IsSchedulerID(id) {
		return store.Instance{}, false, fmt.Errorf("start instance %s: id is reserved for entities", id)
	}
	return e.store.StartInstance(ctx, id, kind, e.ids.Generate(), e.clock.Now())
}

// FinishInstance records the final status of an instance.
func (e *Engine) FinishInstance(ctx context.Context, id, status string) error {
	return e.store.FinishInstance(ctx, id, status, e.clock.Now())
}

// DeleteInstance removes an instance and its inbox.
func (e *Engine) DeleteInstance(ctx context.Context, id string) error {
	err := e.store.DeleteInstance(ctx, id)
	if err == nil {
		e.changes.Broadcast()
	}
	return err
}

// DeleteIdleEntity removes an entity that is still at executionID and has
// no inbox messages. Returns store.ErrConflict otherwise.
func (e *Engine) DeleteIdleEntity(ctx context.Context, id, executionID string) error {
	err := e.store.DeleteIdleEntity(ctx, id, executionID)
	if err == nil {
		e.changes.Broadcast()
	}
	return err
}

// RecordStep journals an orchestration step and returns the first value
// ever recorded for it.
func (e *Engine) RecordStep(ctx context.Context, instanceID string, step int, value string) (string, error) {
	return e.store.RecordStep(ctx, instanceID, step, value)
}

// LoadInstance returns the instance row of id.
func (e *Engine) LoadInstance(ctx context.Context, id string) (store.Instance, error) {
	return e.store.LoadInstance(ctx, id)
}

// ListInstances returns instances matching filter.
func (e *Engine) ListInstances(ctx context.Context, filter store.ListFilter) ([]store.Instance, error) {
	return e.store.ListInstances(ctx, filter)
}

// PendingCount returns the number of undelivered inbox messages of id.
func (e *Engine) PendingCount(ctx context.Context, id string) (int, error) {
	return e.store.PendingCount(ctx, id)
}
