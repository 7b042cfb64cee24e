package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/roach88/entityflow/internal/entity"
	"github.com/roach88/entityflow/internal/scheduler"
	"github.com/roach88/entityflow/internal/store"
)

// batch is one execution of an entity scheduler: the inbox messages read,
// the requests chosen to run, and everything they produced.
type batch struct {
	e       *Engine
	id      entity.ID
	sid     string
	now     time.Time
	handler entity.Handler

	state    scheduler.State
	ops      []entity.RequestMessage
	outbox   []store.Message
	failures error
}

// Process runs one batch of the entity identified by schedulerID and
// persists its outcome atomically.
//
// Returns store.ErrConflict (wrapped) if another writer committed the
// entity first. Nothing is persisted in that case and the batch can be
// retried.
func (e *Engine) Process(ctx context.Context, schedulerID string) error {
	id, err := entity.ParseSchedulerID(schedulerID)
	if err != nil {
		return fmt.Errorf("process %s: %w", schedulerID, err)
	}
	now := e.clock.Now()

	var (
		state    scheduler.State
		expected string
	)
	inst, err := e.store.LoadInstance(ctx, schedulerID)
	switch {
	case err == nil:
		expected = inst.ExecutionID
		if state, err = scheduler.Decode(inst.Input); err != nil {
			return NewCorruptStateError(schedulerID, err)
		}
	case store.IsNotFound(err):
	default:
		return fmt.Errorf("process %s: %w", schedulerID, err)
	}

	msgs, err := e.store.Pending(ctx, schedulerID, now, e.inboxLimit)
	if err != nil {
		return fmt.Errorf("process %s: %w", schedulerID, err)
	}
	if len(msgs) == 0 && !state.IsRunnable() {
		return nil
	}

	handler, _ := e.registry.Lookup(id.Name)
	b := &batch{
		e:       e,
		id:      id,
		sid:     schedulerID,
		now:     now,
		handler: handler,
		state:   state,
	}

	queued := state.QueueLen()
	b.receive(msgs)
	b.dequeue()
	b.execute()

	if b.failures != nil {
		e.logger.Warn("signal operations failed",
			"scheduler_id", schedulerID,
			"error", b.failures)
	}

	// Rejected lock requests leave the queue and answer their parent, so
	// they must be committed even when nothing ran.
	if len(msgs) == 0 && len(b.ops) == 0 && len(b.outbox) == 0 && b.state.QueueLen() == queued {
		return nil
	}

	input, err := json.Marshal(b.state)
	if err != nil {
		return fmt.Errorf("process %s: encode state: %w", schedulerID, err)
	}
	commit := store.Commit{
		InstanceID:          schedulerID,
		ExpectedExecutionID: expected,
		ExecutionID:         e.ids.Generate(),
		Input:               input,
		Delete:              b.state.IsEmpty(),
		Runnable:            b.state.IsRunnable(),
		Consumed:            msgs,
		Outbox:              b.outbox,
		Now:                 now,
	}
	if err := e.store.Commit(ctx, commit); err != nil {
		return err
	}

	e.metrics.batchSize.Observe(float64(len(b.ops)))
	e.logger.Debug("entity batch committed",
		"scheduler_id", schedulerID,
		"messages", len(msgs),
		"operations", len(b.ops),
		"outbox", len(b.outbox),
		"state", b.state.String(),
		"locked_by", b.state.LockedBy)

	for _, m := range b.outbox {
		if entity.IsSchedulerID(m.Target) && !m.DeliverAt.After(now) {
			e.ready.Enqueue(m.Target)
		}
	}
	if b.state.IsRunnable() || len(msgs) == e.inboxLimit {
		e.ready.Enqueue(schedulerID)
	}
	e.changes.Broadcast()
	return nil
}

// receive moves inbox messages into the scheduler state.
//
// Requests from the current lock holder join the batch directly; all other
// requests are queued in arrival order. A release from the holder unlocks
// the entity.
func (b *batch) receive(msgs []store.Message) {
	for _, m := range msgs {
		switch m.Name {
		case entity.EventOperation:
			var req entity.RequestMessage
			if err := json.Unmarshal(m.Payload, &req); err != nil {
				b.e.logger.Warn("dropping undecodable request",
					"scheduler_id", b.sid, "message_id", m.ID, "error", err)
				continue
			}
			if b.state.IsLocked() && req.ParentInstanceID == b.state.LockedBy {
				b.ops = append(b.ops, req)
				continue
			}
			b.state.Enqueue(req)

		case entity.EventRelease:
			var rel entity.ReleaseMessage
			if err := json.Unmarshal(m.Payload, &rel); err != nil {
				b.e.logger.Warn("dropping undecodable release",
					"scheduler_id", b.sid, "message_id", m.ID, "error", err)
				continue
			}
			if rel.ParentInstanceID != b.state.LockedBy {
				b.e.logger.Debug("ignoring release from non-holder",
					"scheduler_id", b.sid, "parent", rel.ParentInstanceID, "locked_by", b.state.LockedBy)
				continue
			}
			b.state.LockedBy = ""

		default:
			b.e.logger.Warn("dropping unknown event",
				"scheduler_id", b.sid, "message_id", m.ID, "event", m.Name)
		}
	}
}

// dequeue takes queued requests into the batch until the entity becomes
// locked or the batch is full. A lock request ends the batch.
func (b *batch) dequeue() {
	for taken := 0; taken < b.e.maxBatch && !b.state.IsLocked(); {
		req, ok := b.state.TryDequeue()
		if !ok {
			return
		}
		if req.IsLockRequest() {
			if err := scheduler.ValidateLockRequest(&req, b.id); err != nil {
				b.rejectLock(req, err)
				continue
			}
			b.state.LockedBy = req.ParentInstanceID
		}
		b.ops = append(b.ops, req)
		taken++
	}
}

// execute runs the batch in order.
func (b *batch) execute() {
	for i := range b.ops {
		req := &b.ops[i]
		if req.IsLockRequest() {
			b.grant(req)
			continue
		}
		b.run(req)
	}
}

// grant records the lock and passes the request along the lock set. The
// last entity in the set answers the parent.
func (b *batch) grant(req *entity.RequestMessage) {
	if err := scheduler.ValidateLockRequest(req, b.id); err != nil {
		b.rejectLock(*req, err)
		return
	}
	b.state.LockedBy = req.ParentInstanceID
	b.e.metrics.lockGrants.Inc()

	if next := req.Position + 1; next < len(req.LockSet) {
		forward := *req
		forward.Position = next
		b.send(forward.LockSet[next].SchedulerID(), forward.ID, entity.EventOperation, forward, time.Time{})
		return
	}

	granted, _ := json.Marshal(b.sid)
	b.send(req.ParentInstanceID, req.ID, req.ID, entity.ResponseMessage{Result: granted}, time.Time{})
}

// rejectLock answers an unacceptable lock request with a LockProtocolError.
func (b *batch) rejectLock(req entity.RequestMessage, cause error) {
	b.e.logger.Warn("rejecting lock request",
		"scheduler_id", b.sid, "request", req.String(), "error", cause)
	if req.ParentInstanceID == "" {
		return
	}
	resp := entity.ResponseMessage{}
	resp.SetError(&entity.LockProtocolError{Entity: b.sid, Reason: cause.Error()}, "", b.id)
	b.send(req.ParentInstanceID, req.ID, req.ID, resp, time.Time{})
}

// run executes one operation. A failed operation leaves no trace in the
// entity state or the outbox.
func (b *batch) run(req *entity.RequestMessage) {
	savedExists, savedState := b.state.EntityExists, b.state.EntityState
	savedOutbox := len(b.outbox)

	octx := &opContext{b: b, req: req, newlyConstructed: !b.state.EntityExists}
	err := b.invoke(octx)

	outcome := outcomeSucceeded
	if err != nil {
		outcome = outcomeFailed
		b.state.EntityExists, b.state.EntityState = savedExists, savedState
		b.outbox = b.outbox[:savedOutbox]
	}
	b.e.metrics.operations.WithLabelValues(b.id.Name, outcome).Inc()

	if req.IsSignal || req.ParentInstanceID == "" {
		if err != nil {
			b.failures = multierr.Append(b.failures,
				fmt.Errorf("operation %q (request %s): %w", req.Operation, req.ID, err))
		}
		return
	}

	resp := entity.ResponseMessage{Result: octx.result}
	if err != nil {
		resp.SetError(err, req.Operation, b.id)
	}
	b.send(req.ParentInstanceID, req.ID, req.ID, resp, time.Time{})
}

// invoke calls the handler, turning a panic into an error.
func (b *batch) invoke(octx *opContext) (err error) {
	if b.handler == nil {
		return NewNoHandlerError(b.sid, b.id.Name, octx.req.Operation)
	}
	defer func() {
		if r := recover(); r != nil {
			err = NewPanicError(b.sid, octx.req.Operation, r)
		}
	}()
	return b.handler.Handle(octx)
}

// send appends a message to the outbox.
func (b *batch) send(target, id, name string, payload any, deliverAt time.Time) {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads are protocol messages whose content is already
		// serialized, so marshaling cannot fail.
		panic(fmt.Sprintf("encode %s for %s: %v", name, target, err))
	}
	b.outbox = append(b.outbox, store.Message{
		Target:    target,
		ID:        id,
		Name:      name,
		Payload:   data,
		Source:    b.sid,
		DeliverAt: deliverAt,
	})
}
