package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/entityflow/internal/entity"
)

// opContext is the entity.Context of one operation in a batch. It works on
// the batch state directly; the batch restores it if the operation fails.
type opContext struct {
	b                *batch
	req              *entity.RequestMessage
	newlyConstructed bool
	result           json.RawMessage
}

var _ entity.Context = (*opContext)(nil)

func (c *opContext) ID() entity.ID {
	return c.b.id
}

func (c *opContext) OperationName() string {
	return c.req.Operation
}

func (c *opContext) IsNewlyConstructed() bool {
	return c.newlyConstructed
}

func (c *opContext) HasState() bool {
	return c.b.state.EntityExists
}

func (c *opContext) GetState(out any) error {
	s := c.b.state
	if !s.EntityExists || s.EntityState == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(*s.EntityState), out); err != nil {
		return &entity.SchedulerError{Op: fmt.Sprintf("deserialize state of %s", c.b.sid), Err: err}
	}
	return nil
}

func (c *opContext) SetState(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &entity.SchedulerError{Op: fmt.Sprintf("serialize state of %s", c.b.sid), Err: err}
	}
	encoded := string(data)
	c.b.state.EntityExists = true
	c.b.state.EntityState = &encoded
	return nil
}

func (c *opContext) DeleteState() {
	c.b.state.EntityExists = false
	c.b.state.EntityState = nil
}

func (c *opContext) GetInput(out any) error {
	return c.req.GetInput(out)
}

func (c *opContext) Return(v any) error {
	var resp entity.ResponseMessage
	if err := resp.SetResult(v); err != nil {
		return err
	}
	c.result = resp.Result
	return nil
}

func (c *opContext) SignalEntity(target entity.ID, operation string, input any) error {
	return c.SignalEntityAt(target, time.Time{}, operation, input)
}

// SignalEntityAt queues a signal in the batch outbox. A zero due time
// delivers it right away.
func (c *opContext) SignalEntityAt(target entity.ID, due time.Time, operation string, input any) error {
	target = entity.NewID(target.Name, target.Key)
	if err := target.Validate(); err != nil {
		return fmt.Errorf("signal %s: %w", target, err)
	}

	req := entity.RequestMessage{
		Operation:        operation,
		IsSignal:         true,
		ID:               c.b.e.ids.Generate(),
		ParentInstanceID: c.b.sid,
	}
	if !due.IsZero() {
		due = due.UTC()
		req.ScheduledTime = &due
	}
	if err := req.SetInput(input); err != nil {
		return err
	}

	c.b.send(target.SchedulerID(), req.ID, entity.EventOperation, req, due)
	return nil
}
