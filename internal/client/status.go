package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/entityflow/internal/entity"
	"github.com/roach88/entityflow/internal/store"
)

// EntityStatus describes an entity without its state or queue contents.
type EntityStatus struct {
	ID entity.ID `json:"id"`

	// Exists reports whether the entity has state.
	Exists bool `json:"exists"`

	// QueueSize is the number of requests waiting in the entity's queue.
	QueueSize int `json:"queueSize"`

	// PendingMessages is the number of inbox messages not yet received by
	// the entity, scheduled ones included.
	PendingMessages int `json:"pendingMessages"`

	// StateLength is the size of the serialized state.
	StateLength int `json:"stateLength"`

	// LockedBy is the instance holding the entity's lock, if any.
	LockedBy string `json:"lockedBy,omitempty"`
}

// ReadEntityState decodes the state of id into out. It returns false if
// the entity has no state.
func (c *Client) ReadEntityState(ctx context.Context, id entity.ID, out any) (bool, error) {
	id, err := normalize(id)
	if err != nil {
		return false, fmt.Errorf("read state: %w", err)
	}
	state, found, err := c.loadState(ctx, id)
	if err != nil {
		return false, fmt.Errorf("read state of %s: %w", id, err)
	}
	if !found || !state.EntityExists || state.EntityState == nil {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal([]byte(*state.EntityState), out); err != nil {
			return true, &entity.SchedulerError{Op: fmt.Sprintf("deserialize state of %s", id), Err: err}
		}
	}
	return true, nil
}

// GetEntityStatus returns the status of id. An entity that was never
// persisted has a zero status.
func (c *Client) GetEntityStatus(ctx context.Context, id entity.ID) (EntityStatus, error) {
	id, err := normalize(id)
	if err != nil {
		return EntityStatus{}, fmt.Errorf("entity status: %w", err)
	}
	state, _, err := c.loadState(ctx, id)
	if err != nil {
		return EntityStatus{}, fmt.Errorf("entity status of %s: %w", id, err)
	}
	pending, err := c.host.PendingCount(ctx, id.SchedulerID())
	if err != nil {
		return EntityStatus{}, fmt.Errorf("entity status of %s: %w", id, err)
	}
	return EntityStatus{
		ID:              id,
		Exists:          state.EntityExists,
		QueueSize:       state.QueueLen(),
		PendingMessages: pending,
		StateLength:     state.StateLength(),
		LockedBy:        state.LockedBy,
	}, nil
}

// ListEntities returns the status of persisted entities, optionally
// restricted to one entity name. A limit of zero lists all of them.
func (c *Client) ListEntities(ctx context.Context, name string, limit int) ([]EntityStatus, error) {
	filter := store.ListFilter{Kind: store.KindEntity, Limit: limit}
	if name != "" {
		filter.Prefix = entity.NewID(name, "").SchedulerID()
	}
	instances, err := c.host.ListInstances(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	out := make([]EntityStatus, 0, len(instances))
	for _, inst := range instances {
		id, err := entity.ParseSchedulerID(inst.ID)
		if err != nil {
			c.logger.Warn("skipping malformed entity instance", "instance_id", inst.ID, "error", err)
			continue
		}
		status, err := c.GetEntityStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}

// CleanResult counts what CleanEntityStorage changed.
type CleanResult struct {
	EmptyEntitiesRemoved  int `json:"emptyEntitiesRemoved"`
	OrphanedLocksReleased int `json:"orphanedLocksReleased"`
}

// CleanEntityStorage repairs entity storage.
//
// With removeEmpty, entities that carry no state, no queue, no lock and no
// inbox messages are deleted. The delete only happens if the entity has not
// changed and received nothing since it was inspected; an entity that did is
// left alone. With releaseOrphanedLocks, locks held by an
// instance that no longer exists or no longer runs are released.
func (c *Client) CleanEntityStorage(ctx context.Context, removeEmpty, releaseOrphanedLocks bool) (CleanResult, error) {
	var result CleanResult

	instances, err := c.host.ListInstances(ctx, store.ListFilter{Kind: store.KindEntity})
	if err != nil {
		return result, fmt.Errorf("clean entity storage: %w", err)
	}

	for _, listed := range instances {
		id, err := entity.ParseSchedulerID(listed.ID)
		if err != nil {
			continue
		}
		inst, state, found, err := c.loadInstance(ctx, id)
		if err != nil {
			return result, fmt.Errorf("clean entity storage: %w", err)
		}
		if !found {
			continue
		}

		if releaseOrphanedLocks && state.IsLocked() {
			orphaned, err := c.isOrphaned(ctx, state.LockedBy)
			if err != nil {
				return result, fmt.Errorf("clean entity storage: %w", err)
			}
			if orphaned {
				if err := c.releaseFor(ctx, id, state.LockedBy); err != nil {
					return result, fmt.Errorf("clean entity storage: %w", err)
				}
				c.logger.Info("released orphaned lock", "entity", id.String(), "locked_by", state.LockedBy)
				result.OrphanedLocksReleased++
			}
		}

		if removeEmpty && state.IsEmpty() {
			err := c.host.DeleteIdleEntity(ctx, inst.ID, inst.ExecutionID)
			switch {
			case err == nil:
				result.EmptyEntitiesRemoved++
			case store.IsConflict(err):
				c.logger.Debug("entity changed while cleaning, keeping it", "entity", id.String())
			default:
				return result, fmt.Errorf("clean entity storage: %w", err)
			}
		}
	}
	return result, nil
}

// isOrphaned reports whether a lock holder is gone.
func (c *Client) isOrphaned(ctx context.Context, holder string) (bool, error) {
	inst, err := c.host.LoadInstance(ctx, holder)
	if store.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return inst.Status != store.StatusRunning, nil
}

// releaseFor sends a release on behalf of holder.
func (c *Client) releaseFor(ctx context.Context, id entity.ID, holder string) error {
	data, err := json.Marshal(entity.ReleaseMessage{ParentInstanceID: holder})
	if err != nil {
		return err
	}
	_, err = c.host.Send(ctx, store.Message{
		Target:  id.SchedulerID(),
		ID:      "clean-" + c.host.NewID(),
		Name:    entity.EventRelease,
		Payload: data,
	})
	return err
}
