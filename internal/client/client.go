// Package client talks to entities from outside any orchestration: it
// signals and calls entities and inspects their persisted state.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/entityflow/internal/entity"
	"github.com/roach88/entityflow/internal/scheduler"
	"github.com/roach88/entityflow/internal/store"
)

// Host is the runtime a Client works against. *engine.Engine implements it.
type Host interface {
	Send(ctx context.Context, msgs ...store.Message) (int, error)
	Await(ctx context.Context, instanceID, event string) (store.Message, error)
	Now() time.Time
	NewID() string
	StartInstance(ctx context.Context, id, kind string) (store.Instance, bool, error)
	DeleteInstance(ctx context.Context, id string) error
	DeleteIdleEntity(ctx context.Context, id, executionID string) error
	LoadInstance(ctx context.Context, id string) (store.Instance, error)
	ListInstances(ctx context.Context, filter store.ListFilter) ([]store.Instance, error)
	PendingCount(ctx context.Context, id string) (int, error)
}

// Client sends operations to entities and reads their status.
// Safe for concurrent use.
type Client struct {
	host   Host
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a Client over host.
func New(host Host, opts ...Option) *Client {
	c := &Client{host: host, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SignalEntity sends a one-way operation to id.
func (c *Client) SignalEntity(ctx context.Context, id entity.ID, operation string, input any) error {
	return c.SignalEntityAt(ctx, id, time.Time{}, operation, input)
}

// SignalEntityAt sends a one-way operation to id that is delivered at due.
// A zero due time delivers it right away.
func (c *Client) SignalEntityAt(ctx context.Context, id entity.ID, due time.Time, operation string, input any) error {
	id, err := normalize(id)
	if err != nil {
		return fmt.Errorf("signal: %w", err)
	}

	req := entity.RequestMessage{
		Operation: operation,
		IsSignal:  true,
		ID:        c.host.NewID(),
	}
	if !due.IsZero() {
		due = due.UTC()
		req.ScheduledTime = &due
	}
	if err := req.SetInput(input); err != nil {
		return err
	}
	if err := c.send(ctx, id, req, due); err != nil {
		return fmt.Errorf("signal %s %q: %w", id, operation, err)
	}
	c.logger.Debug("entity signaled", "entity", id.String(), "operation", operation, "request_id", req.ID)
	return nil
}

// CallEntity runs an operation on id, waits for it and decodes its result
// into out.
//
// The response is routed to a temporary client instance that is removed
// once the call returns. Bound the wait with a context deadline.
func (c *Client) CallEntity(ctx context.Context, id entity.ID, operation string, input, out any) error {
	id, err := normalize(id)
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}

	instanceID := "client:" + c.host.NewID()
	if _, _, err := c.host.StartInstance(ctx, instanceID, store.KindClient); err != nil {
		return fmt.Errorf("call %s %q: %w", id, operation, err)
	}
	defer func() {
		// The caller's context may be done already.
		if err := c.host.DeleteInstance(context.WithoutCancel(ctx), instanceID); err != nil {
			c.logger.Warn("removing client instance failed", "instance_id", instanceID, "error", err)
		}
	}()

	req := entity.RequestMessage{
		Operation:        operation,
		ID:               c.host.NewID(),
		ParentInstanceID: instanceID,
	}
	if err := req.SetInput(input); err != nil {
		return err
	}
	if err := c.send(ctx, id, req, time.Time{}); err != nil {
		return fmt.Errorf("call %s %q: %w", id, operation, err)
	}

	m, err := c.host.Await(ctx, instanceID, req.ID)
	if err != nil {
		return fmt.Errorf("call %s %q: %w", id, operation, err)
	}
	var resp entity.ResponseMessage
	if err := json.Unmarshal(m.Payload, &resp); err != nil {
		return &entity.SchedulerError{Op: fmt.Sprintf("deserialize response %s", req.ID), Err: err}
	}
	return resp.GetResult(out)
}

// Call runs an operation on id and returns its result as a T.
func Call[T any](ctx context.Context, c *Client, id entity.ID, operation string, input any) (T, error) {
	var out T
	err := c.CallEntity(ctx, id, operation, input, &out)
	return out, err
}

func (c *Client) send(ctx context.Context, id entity.ID, req entity.RequestMessage, due time.Time) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = c.host.Send(ctx, store.Message{
		Target:    id.SchedulerID(),
		ID:        req.ID,
		Name:      entity.EventOperation,
		Payload:   data,
		Source:    req.ParentInstanceID,
		DeliverAt: due,
	})
	return err
}

// loadState returns the persisted scheduler state of id. found is false if
// the entity has never been persisted.
func (c *Client) loadState(ctx context.Context, id entity.ID) (state scheduler.State, found bool, err error) {
	_, state, found, err = c.loadInstance(ctx, id)
	return state, found, err
}

// loadInstance is loadState that also returns the instance row, whose
// execution id identifies the state version.
func (c *Client) loadInstance(ctx context.Context, id entity.ID) (inst store.Instance, state scheduler.State, found bool, err error) {
	inst, err = c.host.LoadInstance(ctx, id.SchedulerID())
	if store.IsNotFound(err) {
		return store.Instance{}, scheduler.State{}, false, nil
	}
	if err != nil {
		return store.Instance{}, scheduler.State{}, false, err
	}
	state, err = scheduler.Decode(inst.Input)
	if err != nil {
		return store.Instance{}, scheduler.State{}, false, fmt.Errorf("decode state of %s: %w", id, err)
	}
	return inst, state, true, nil
}

func normalize(id entity.ID) (entity.ID, error) {
	n := entity.NewID(id.Name, id.Key)
	if err := n.Validate(); err != nil {
		return entity.ID{}, err
	}
	return n, nil
}
