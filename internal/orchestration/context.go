package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/entityflow/internal/entity"
	"github.com/roach88/entityflow/internal/scheduler"
	"github.com/roach88/entityflow/internal/store"
)

// guidNamespace seeds the name-based UUIDs of NewGUID.
var guidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:entityflow:orchestration"))

// Context is the durable execution context of one orchestration instance.
//
// Every id and timestamp a Context hands out is derived from the instance
// id and the order of calls, so running the same orchestration function
// again after a crash re-sends identical messages. The store drops the
// duplicates and the responses recorded in the instance inbox are found
// again.
//
// A Context is safe for concurrent use, but an orchestration stays
// deterministic only if it issues its operations in the same order on
// every run.
type Context struct {
	host        Host
	instanceID  string
	executionID string
	logger      *slog.Logger

	mu     sync.Mutex
	guids  int
	steps  int
	locks  []entity.ID
	lockID string
	busy   map[entity.ID]bool
}

func newContext(host Host, inst store.Instance, logger *slog.Logger) *Context {
	return &Context{
		host:        host,
		instanceID:  inst.ID,
		executionID: inst.ExecutionID,
		logger:      logger,
	}
}

// InstanceID returns the orchestration instance id.
func (c *Context) InstanceID() string {
	return c.instanceID
}

// NewGUID returns the next deterministic id of the instance.
func (c *Context) NewGUID() string {
	c.mu.Lock()
	n := c.guids
	c.guids++
	c.mu.Unlock()
	return uuid.NewSHA1(guidNamespace, []byte(c.instanceID+"/"+strconv.Itoa(n))).String()
}

// CurrentTime returns the time recorded for this point of the
// orchestration. The first run records the host's clock; later runs read
// the recorded value back.
func (c *Context) CurrentTime(ctx context.Context) (time.Time, error) {
	c.mu.Lock()
	step := c.steps
	c.steps++
	c.mu.Unlock()

	recorded, err := c.host.RecordStep(ctx, c.instanceID, step, c.host.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return time.Time{}, fmt.Errorf("current time: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, recorded)
	if err != nil {
		return time.Time{}, fmt.Errorf("current time: step %d: %w", step, err)
	}
	return t, nil
}

// SignalEntity sends a one-way operation to id.
func (c *Context) SignalEntity(ctx context.Context, id entity.ID, operation string, input any) error {
	return c.SignalEntityAt(ctx, id, time.Time{}, operation, input)
}

// SignalEntityAt sends a one-way operation to id, delivered at due.
// Signaling an entity locked by the current critical section is not allowed.
func (c *Context) SignalEntityAt(ctx context.Context, id entity.ID, due time.Time, operation string, input any) error {
	id, err := normalize(id)
	if err != nil {
		return fmt.Errorf("signal: %w", err)
	}

	c.mu.Lock()
	locked := slices.Contains(c.locks, id)
	c.mu.Unlock()
	if locked {
		return lockingRules("must not signal %s while it is locked by this orchestration", id)
	}

	req := entity.RequestMessage{
		Operation:         operation,
		IsSignal:          true,
		ID:                c.NewGUID(),
		ParentInstanceID:  c.instanceID,
		ParentExecutionID: c.executionID,
	}
	if !due.IsZero() {
		due = due.UTC()
		req.ScheduledTime = &due
	}
	if err := req.SetInput(input); err != nil {
		return err
	}
	if err := c.send(ctx, id.SchedulerID(), req.ID, entity.EventOperation, req, due); err != nil {
		return fmt.Errorf("signal %s %q: %w", id, operation, err)
	}
	return nil
}

// CallEntity runs an operation on id and waits for its result, which is
// decoded into out. Errors raised by the operation are returned as-is when
// their type is registered and as *entity.OperationFailedError otherwise.
func (c *Context) CallEntity(ctx context.Context, id entity.ID, operation string, input, out any) error {
	f, err := c.CallEntityAsync(ctx, id, operation, input)
	if err != nil {
		return err
	}
	return f.Get(ctx, out)
}

// Call runs an operation on id and returns its result as a T.
func Call[T any](ctx context.Context, c *Context, id entity.ID, operation string, input any) (T, error) {
	var out T
	err := c.CallEntity(ctx, id, operation, input, &out)
	return out, err
}

// Future is the pending result of CallEntityAsync.
type Future struct {
	c         *Context
	target    entity.ID
	requestID string
}

// CallEntityAsync sends an operation to id and returns without waiting.
//
// Inside a critical section only locked entities can be called, and only
// one call per locked entity can be outstanding.
func (c *Context) CallEntityAsync(ctx context.Context, id entity.ID, operation string, input any) (*Future, error) {
	id, err := normalize(id)
	if err != nil {
		return nil, fmt.Errorf("call: %w", err)
	}
	if err := c.beginCall(id); err != nil {
		return nil, err
	}

	req := entity.RequestMessage{
		Operation:         operation,
		ID:                c.NewGUID(),
		ParentInstanceID:  c.instanceID,
		ParentExecutionID: c.executionID,
	}
	if err := req.SetInput(input); err != nil {
		c.endCall(id)
		return nil, err
	}
	if err := c.send(ctx, id.SchedulerID(), req.ID, entity.EventOperation, req, time.Time{}); err != nil {
		c.endCall(id)
		return nil, fmt.Errorf("call %s %q: %w", id, operation, err)
	}

	c.logger.Debug("entity called", "entity", id.String(), "operation", operation, "request_id", req.ID)
	return &Future{c: c, target: id, requestID: req.ID}, nil
}

// Get waits for the response and decodes the result into out.
func (f *Future) Get(ctx context.Context, out any) error {
	m, err := f.c.host.Await(ctx, f.c.instanceID, f.requestID)
	if err != nil {
		return fmt.Errorf("call %s: waiting for %s: %w", f.target, f.requestID, err)
	}
	f.c.endCall(f.target)

	var resp entity.ResponseMessage
	if err := json.Unmarshal(m.Payload, &resp); err != nil {
		return &entity.SchedulerError{Op: fmt.Sprintf("deserialize response %s", f.requestID), Err: err}
	}
	return resp.GetResult(out)
}

func (c *Context) beginCall(id entity.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.locks == nil {
		return nil
	}
	if !slices.Contains(c.locks, id) {
		return lockingRules("must not call %s from a critical section that does not lock it", id)
	}
	if c.busy[id] {
		return lockingRules("must not call %s while another call to it is outstanding", id)
	}
	c.busy[id] = true
	return nil
}

func (c *Context) endCall(id entity.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.busy, id)
}

// Releaser ends the critical section entered by Lock.
type Releaser struct {
	c *Context
}

// Release unlocks every entity of the critical section. Releasing twice is
// a no-op.
func (r *Releaser) Release(ctx context.Context) error {
	return r.c.releaseLocks(ctx)
}

// Lock enters a critical section over ids and returns once every entity is
// locked by this orchestration.
//
// Entities are locked one after the other in EntityID order, so critical
// sections with overlapping lock sets cannot deadlock. Held locks are
// released by Releaser.Release, or when the orchestration finishes.
func (c *Context) Lock(ctx context.Context, ids ...entity.ID) (*Releaser, error) {
	c.mu.Lock()
	nested := c.locks != nil
	c.mu.Unlock()
	if nested {
		return nil, lockingRules("must not lock again while in a critical section")
	}
	if len(ids) == 0 {
		return nil, lockingRules("lock set must not be empty")
	}

	normalized := make([]entity.ID, 0, len(ids))
	for _, id := range ids {
		n, err := normalize(id)
		if err != nil {
			return nil, fmt.Errorf("lock: %w", err)
		}
		normalized = append(normalized, n)
	}
	set := scheduler.SortLockSet(normalized)

	req := entity.RequestMessage{
		ID:                c.NewGUID(),
		ParentInstanceID:  c.instanceID,
		ParentExecutionID: c.executionID,
		LockSet:           set,
	}
	if err := c.send(ctx, set[0].SchedulerID(), req.ID, entity.EventOperation, req, time.Time{}); err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	c.logger.Debug("lock requested", "request_id", req.ID, "lock_set", set)

	m, err := c.host.Await(ctx, c.instanceID, req.ID)
	if err != nil {
		return nil, fmt.Errorf("lock: waiting for grant %s: %w", req.ID, err)
	}
	var resp entity.ResponseMessage
	if err := json.Unmarshal(m.Payload, &resp); err != nil {
		return nil, &entity.SchedulerError{Op: fmt.Sprintf("deserialize lock grant %s", req.ID), Err: err}
	}
	if resp.IsError() {
		// Entities ahead of the one that refused are already locked.
		if err := c.sendReleases(ctx, set, req.ID); err != nil {
			c.logger.Warn("release after refused lock failed", "request_id", req.ID, "error", err)
		}
		return nil, fmt.Errorf("lock: %w", resp.GetResult(nil))
	}

	c.mu.Lock()
	c.locks = set
	c.lockID = req.ID
	c.busy = make(map[entity.ID]bool)
	c.mu.Unlock()

	c.logger.Debug("lock granted", "request_id", req.ID, "lock_set", set)
	return &Releaser{c: c}, nil
}

// IsLocked reports whether the orchestration is in a critical section, and
// which entities it holds.
func (c *Context) IsLocked() (bool, []entity.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks != nil, slices.Clone(c.locks)
}

func (c *Context) releaseLocks(ctx context.Context) error {
	c.mu.Lock()
	set, lockID := c.locks, c.lockID
	c.locks, c.lockID, c.busy = nil, "", nil
	c.mu.Unlock()

	if set == nil {
		return nil
	}
	if err := c.sendReleases(ctx, set, lockID); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	c.logger.Debug("locks released", "request_id", lockID, "lock_set", set)
	return nil
}

func (c *Context) sendReleases(ctx context.Context, set []entity.ID, lockID string) error {
	payload, err := json.Marshal(entity.ReleaseMessage{ParentInstanceID: c.instanceID, LockRequestID: lockID})
	if err != nil {
		return err
	}
	msgs := make([]store.Message, 0, len(set))
	for _, id := range set {
		msgs = append(msgs, store.Message{
			Target:  id.SchedulerID(),
			ID:      "release-" + lockID,
			Name:    entity.EventRelease,
			Payload: payload,
			Source:  c.instanceID,
		})
	}
	_, err = c.host.Send(ctx, msgs...)
	return err
}

// CreateTimer waits until fireAt. The timer is a message to the instance
// itself, so it survives restarts.
func (c *Context) CreateTimer(ctx context.Context, fireAt time.Time) error {
	id := c.NewGUID()
	if err := c.send(ctx, c.instanceID, id, id, struct{}{}, fireAt); err != nil {
		return fmt.Errorf("create timer: %w", err)
	}
	if _, err := c.host.Await(ctx, c.instanceID, id); err != nil {
		return fmt.Errorf("timer %s: %w", id, err)
	}
	return nil
}

func (c *Context) send(ctx context.Context, target, id, name string, payload any, deliverAt time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = c.host.Send(ctx, store.Message{
		Target:    target,
		ID:        id,
		Name:      name,
		Payload:   data,
		Source:    c.instanceID,
		DeliverAt: deliverAt,
	})
	return err
}

func normalize(id entity.ID) (entity.ID, error) {
	n := entity.NewID(id.Name, id.Key)
	if err := n.Validate(); err != nil {
		return entity.ID{}, err
	}
	return n, nil
}
