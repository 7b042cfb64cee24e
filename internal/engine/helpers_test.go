package engine

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/entityflow/internal/entity"
	"github.com/roach88/entityflow/internal/scheduler"
	"github.com/roach88/entityflow/internal/store"
	"github.com/roach88/entityflow/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// testEntities registers the handlers used by the engine tests.
func testEntities() *entity.Registry {
	reg := entity.NewRegistry()
	reg.MustRegister("counter", entity.HandlerFunc(counterOp))
	reg.MustRegister("journal", entity.HandlerFunc(journalOp))
	return reg
}

// counterOp keeps an int.
func counterOp(ctx entity.Context) error {
	var n int
	if err := ctx.GetState(&n); err != nil {
		return err
	}
	switch ctx.OperationName() {
	case "add":
		var d int
		if err := ctx.GetInput(&d); err != nil {
			return err
		}
		n += d
	case "get":
		return ctx.Return(n)
	case "fail":
		if err := ctx.SetState(-1); err != nil {
			return err
		}
		if err := ctx.SignalEntity(entity.NewID("counter", "side"), "add", 1); err != nil {
			return err
		}
		return errors.New("boom")
	case "panic":
		if err := ctx.SetState(999); err != nil {
			return err
		}
		panic("kaboom")
	case "forward":
		var target string
		if err := ctx.GetInput(&target); err != nil {
			return err
		}
		return ctx.SignalEntity(entity.NewID("counter", target), "add", n)
	case "later":
		return ctx.SignalEntityAt(ctx.ID(), testNow.Add(time.Minute), "add", 100)
	case "delete":
		ctx.DeleteState()
		return nil
	default:
		return entity.ErrUnknownOperation
	}
	return ctx.SetState(n)
}

// journalOp appends every input string to a list, recording execution order.
func journalOp(ctx entity.Context) error {
	var entries []string
	if err := ctx.GetState(&entries); err != nil {
		return err
	}
	var s string
	if err := ctx.GetInput(&s); err != nil {
		return err
	}
	return ctx.SetState(append(entries, s))
}

type testEnv struct {
	t      *testing.T
	engine *Engine
	store  *store.Store
	clock  *clock.Mock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	s := testutil.OpenStore(t)

	mock := testutil.NewClockAt(testNow)

	opts = append([]Option{
		WithClock(mock),
		WithIDGenerator(NewSequenceGenerator("id")),
	}, opts...)
	return &testEnv{
		t:      t,
		engine: New(s, testEntities(), opts...),
		store:  s,
		clock:  mock,
	}
}

// request sends an operation request from parent. An empty parent sends a
// signal. Returns the request id.
func (te *testEnv) request(target entity.ID, parent, requestID, op string, input any) string {
	te.t.Helper()
	req := entity.RequestMessage{
		Operation:        op,
		IsSignal:         parent == "",
		ID:               requestID,
		ParentInstanceID: parent,
	}
	require.NoError(te.t, req.SetInput(input))
	te.send(target.SchedulerID(), requestID, entity.EventOperation, req)
	return requestID
}

func (te *testEnv) send(target, id, name string, payload any) {
	te.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(te.t, err)
	_, err = te.engine.Send(te.t.Context(), store.Message{
		Target:  target,
		ID:      id,
		Name:    name,
		Payload: data,
	})
	require.NoError(te.t, err)
}

func (te *testEnv) lock(parent, requestID string, position int, ids ...entity.ID) {
	te.t.Helper()
	req := entity.RequestMessage{
		ID:               requestID,
		ParentInstanceID: parent,
		LockSet:          ids,
		Position:         position,
	}
	te.send(ids[position].SchedulerID(), requestID, entity.EventOperation, req)
}

func (te *testEnv) release(parent string, ids ...entity.ID) {
	te.t.Helper()
	for _, id := range ids {
		te.send(id.SchedulerID(), "release-"+parent+"-"+id.Key, entity.EventRelease,
			entity.ReleaseMessage{ParentInstanceID: parent})
	}
}

func (te *testEnv) drain() {
	te.t.Helper()
	require.NoError(te.t, te.engine.Drain(te.t.Context()))
}

// response returns the response delivered to parent for requestID.
func (te *testEnv) response(parent, requestID string) entity.ResponseMessage {
	te.t.Helper()
	m, err := te.store.Event(te.t.Context(), parent, requestID, te.clock.Now())
	require.NoError(te.t, err, "no response %s for %s", requestID, parent)
	var resp entity.ResponseMessage
	require.NoError(te.t, json.Unmarshal(m.Payload, &resp))
	return resp
}

// state returns the persisted scheduler state of id (empty if absent).
func (te *testEnv) state(id entity.ID) scheduler.State {
	te.t.Helper()
	inst, err := te.store.LoadInstance(te.t.Context(), id.SchedulerID())
	if store.IsNotFound(err) {
		return scheduler.State{}
	}
	require.NoError(te.t, err)
	s, err := scheduler.Decode(inst.Input)
	require.NoError(te.t, err)
	return s
}

// value decodes the entity state of id into out.
func (te *testEnv) value(id entity.ID, out any) {
	te.t.Helper()
	s := te.state(id)
	require.True(te.t, s.EntityExists, "%s has no state", id)
	require.NoError(te.t, json.Unmarshal([]byte(*s.EntityState), out))
}
