package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/entityflow/internal/entity"
	"github.com/roach88/entityflow/internal/scheduler"
	"github.com/roach88/entityflow/internal/store"
)

func TestProcess_RequestsRunInArrivalOrder(t *testing.T) {
	te := newTestEnv(t)
	id := entity.NewID("journal", "x")

	for i, s := range []string{"a", "b", "c", "d"} {
		te.request(id, "", fmt.Sprintf("s%d", i), "append", s)
	}
	te.drain()

	var entries []string
	te.value(id, &entries)
	assert.Equal(t, []string{"a", "b", "c", "d"}, entries)
}

func TestProcess_CallReturnsResult(t *testing.T) {
	te := newTestEnv(t)
	id := entity.NewID("counter", "c1")

	te.request(id, "", "s1", "add", 5)
	te.request(id, "orch-1", "r1", "get", nil)
	te.drain()

	resp := te.response("orch-1", "r1")
	require.False(t, resp.IsError())
	var n int
	require.NoError(t, resp.GetResult(&n))
	assert.Equal(t, 5, n)
}

func TestProcess_FailedOperationRollsBack(t *testing.T) {
	te := newTestEnv(t)
	id := entity.NewID("counter", "c1")

	te.request(id, "", "s1", "add", 5)
	te.request(id, "orch-1", "r1", "fail", nil)
	te.request(id, "orch-1", "r2", "get", nil)
	te.drain()

	failed := te.response("orch-1", "r1")
	require.True(t, failed.IsError())
	err := failed.GetResult(nil)
	var opErr *entity.OperationFailedError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "boom", opErr.Message)
	assert.Equal(t, "fail", opErr.Operation)
	assert.Equal(t, "@counter@c1", opErr.Entity)

	// Later operations of the same batch observe the rolled back state.
	var n int
	r2 := te.response("orch-1", "r2")
	require.NoError(t, r2.GetResult(&n))
	assert.Equal(t, 5, n)

	// The signal sent by the failed operation was discarded.
	pending, err := te.store.PendingCount(t.Context(), "@counter@side")
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.False(t, te.state(entity.NewID("counter", "side")).EntityExists)
}

func TestProcess_PanicBecomesErrorResponse(t *testing.T) {
	te := newTestEnv(t)
	id := entity.NewID("counter", "c1")

	te.request(id, "orch-1", "r1", "panic", nil)
	te.drain()

	resp := te.response("orch-1", "r1")
	require.True(t, resp.IsError())
	assert.Equal(t, "engine.RuntimeError", resp.ExceptionType)
	assert.Contains(t, resp.GetResult(nil).Error(), "kaboom")

	// Nothing survived the panic, so nothing is stored.
	_, err := te.store.LoadInstance(t.Context(), id.SchedulerID())
	assert.True(t, store.IsNotFound(err))
}

func TestProcess_FailedSignalsAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	te := newTestEnv(t, WithRegisterer(reg))
	id := entity.NewID("counter", "c1")

	te.request(id, "", "s1", "add", 2)
	te.request(id, "", "s2", "fail", nil)
	te.request(id, "", "s3", "nope", nil)
	te.drain()

	var n int
	te.value(id, &n)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(te.engine.metrics.operations.WithLabelValues("counter", outcomeSucceeded)))
	assert.Equal(t, 2.0, testutil.ToFloat64(te.engine.metrics.operations.WithLabelValues("counter", outcomeFailed)))
}

func TestProcess_DeletedStateRemovesInstance(t *testing.T) {
	te := newTestEnv(t)
	id := entity.NewID("counter", "c1")

	te.request(id, "", "s1", "add", 1)
	te.drain()
	require.True(t, te.state(id).EntityExists)

	te.request(id, "", "s2", "delete", nil)
	te.drain()

	_, err := te.store.LoadInstance(t.Context(), id.SchedulerID())
	assert.True(t, store.IsNotFound(err))
}

func TestProcess_MaxBatchSizeLeavesRestQueued(t *testing.T) {
	te := newTestEnv(t, WithMaxBatchSize(2))
	id := entity.NewID("journal", "x")

	for i := 1; i <= 5; i++ {
		te.request(id, "", fmt.Sprintf("s%d", i), "append", fmt.Sprint(i))
	}

	require.NoError(t, te.engine.Process(t.Context(), id.SchedulerID()))

	s := te.state(id)
	assert.Equal(t, 3, s.QueueLen())
	var entries []string
	te.value(id, &entries)
	assert.Equal(t, []string{"1", "2"}, entries)

	inst, err := te.store.LoadInstance(t.Context(), id.SchedulerID())
	require.NoError(t, err)
	assert.True(t, inst.Runnable, "queued requests must keep the entity runnable")

	te.drain()
	te.value(id, &entries)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, entries)
	final := te.state(id)
	assert.Zero(t, final.QueueLen())
}

func TestProcess_DuplicateDeliveryRunsOnce(t *testing.T) {
	te := newTestEnv(t)
	id := entity.NewID("counter", "c1")

	te.request(id, "", "s1", "add", 1)
	te.request(id, "", "s1", "add", 1)
	te.drain()

	// Redelivered after it was consumed.
	te.request(id, "", "s1", "add", 1)
	te.drain()

	var n int
	te.value(id, &n)
	assert.Equal(t, 1, n)
}

func TestProcess_ExecutionIDChangesEveryBatch(t *testing.T) {
	te := newTestEnv(t)
	id := entity.NewID("counter", "c1")

	te.request(id, "", "s1", "add", 1)
	te.drain()
	first, err := te.store.LoadInstance(t.Context(), id.SchedulerID())
	require.NoError(t, err)

	te.request(id, "", "s2", "add", 1)
	te.drain()
	second, err := te.store.LoadInstance(t.Context(), id.SchedulerID())
	require.NoError(t, err)

	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)
}

func TestProcess_SignalsBetweenEntities(t *testing.T) {
	te := newTestEnv(t)
	a := entity.NewID("counter", "a")
	b := entity.NewID("counter", "b")

	te.request(a, "", "s1", "add", 3)
	te.request(a, "", "s2", "forward", "b")
	te.drain()

	var n int
	te.value(b, &n)
	assert.Equal(t, 3, n)
}

func TestProcess_ScheduledSignalWaitsUntilDue(t *testing.T) {
	te := newTestEnv(t)
	id := entity.NewID("counter", "c1")

	te.request(id, "", "s1", "later", nil)
	te.drain()

	assert.False(t, te.state(id).EntityExists)
	pending, err := te.store.PendingCount(t.Context(), id.SchedulerID())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	te.clock.Add(time.Minute)
	te.drain()

	var n int
	te.value(id, &n)
	assert.Equal(t, 100, n)
}

func TestProcess_LockGrantAndRelease(t *testing.T) {
	te := newTestEnv(t)
	a := entity.NewID("counter", "a")
	b := entity.NewID("counter", "b")

	te.lock("orch-1", "L1", 0, a, b)
	te.drain()

	grant := te.response("orch-1", "L1")
	require.False(t, grant.IsError())
	var grantedBy string
	require.NoError(t, grant.GetResult(&grantedBy))
	assert.Equal(t, "@counter@b", grantedBy)
	assert.Equal(t, "orch-1", te.state(a).LockedBy)
	assert.Equal(t, "orch-1", te.state(b).LockedBy)

	// Other callers wait; the lock holder goes first.
	te.request(a, "", "s1", "add", 1)
	te.request(a, "orch-1", "c1", "add", 2)
	te.drain()

	c1 := te.response("orch-1", "c1")
	require.False(t, c1.IsError())
	var n int
	te.value(a, &n)
	assert.Equal(t, 2, n)
	stateA := te.state(a)
	assert.Equal(t, 1, stateA.QueueLen())

	te.release("orch-1", a, b)
	te.drain()

	te.value(a, &n)
	assert.Equal(t, 3, n)
	assert.Empty(t, te.state(a).LockedBy)
	stateB := te.state(b)
	assert.True(t, stateB.IsEmpty())
}

func TestProcess_LockRequestWaitsForQueuedRequests(t *testing.T) {
	te := newTestEnv(t)
	id := entity.NewID("journal", "x")

	te.request(id, "", "s1", "append", "before")
	te.lock("orch-1", "L1", 0, id)
	te.request(id, "", "s2", "append", "after")
	te.drain()

	var entries []string
	te.value(id, &entries)
	assert.Equal(t, []string{"before"}, entries)
	assert.Equal(t, "orch-1", te.state(id).LockedBy)
	locked := te.state(id)
	assert.Equal(t, 1, locked.QueueLen())

	te.release("orch-1", id)
	te.drain()
	te.value(id, &entries)
	assert.Equal(t, []string{"before", "after"}, entries)
}

func TestProcess_ReleaseFromNonHolderIgnored(t *testing.T) {
	te := newTestEnv(t)
	id := entity.NewID("counter", "a")

	te.lock("orch-1", "L1", 0, id)
	te.drain()
	te.release("orch-2", id)
	te.drain()

	assert.Equal(t, "orch-1", te.state(id).LockedBy)
}

func TestProcess_InvalidLockRequestRejected(t *testing.T) {
	te := newTestEnv(t)
	a := entity.NewID("counter", "a")
	b := entity.NewID("counter", "b")

	// Unsorted lock set.
	te.lock("orch-1", "L1", 0, b, a)
	te.drain()

	resp := te.response("orch-1", "L1")
	require.True(t, resp.IsError())
	assert.Equal(t, entity.LockProtocolErrorType, resp.ExceptionType)

	var lockErr *entity.LockProtocolError
	require.ErrorAs(t, resp.GetResult(nil), &lockErr)
	assert.Equal(t, "@counter@b", lockErr.Entity)
	stateB := te.state(b)
	assert.True(t, stateB.IsEmpty())
}

func TestProcess_QueuedInvalidLockRequestRejected(t *testing.T) {
	te := newTestEnv(t, WithMaxBatchSize(1))
	a := entity.NewID("counter", "a")
	b := entity.NewID("counter", "b")

	// The first batch only takes the signal; the unsorted lock request is
	// left at the head of the queue with nothing else to run.
	te.request(b, "", "s1", "add", 1)
	te.lock("orch-1", "L1", 0, b, a)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, te.engine.Drain(ctx))

	resp := te.response("orch-1", "L1")
	require.True(t, resp.IsError())
	assert.Equal(t, entity.LockProtocolErrorType, resp.ExceptionType)

	s := te.state(b)
	assert.Zero(t, s.QueueLen())
	assert.False(t, s.IsLocked())
	var n int
	te.value(b, &n)
	assert.Equal(t, 1, n)

	inst, err := te.store.LoadInstance(t.Context(), b.SchedulerID())
	require.NoError(t, err)
	assert.False(t, inst.Runnable)
}

func TestProcess_UnknownEntityName(t *testing.T) {
	te := newTestEnv(t)
	id := entity.NewID("missing", "1")

	te.request(id, "orch-1", "r1", "anything", nil)
	te.drain()

	resp := te.response("orch-1", "r1")
	require.True(t, resp.IsError())
	assert.Contains(t, resp.GetResult(nil).Error(), "no handler registered")
}

func TestProcess_CorruptState(t *testing.T) {
	te := newTestEnv(t)
	id := entity.NewID("counter", "bad")

	require.NoError(t, te.store.Commit(t.Context(), store.Commit{
		InstanceID:  id.SchedulerID(),
		ExecutionID: "e1",
		Input:       []byte(`{"queue":`),
		Now:         testNow,
	}))
	te.request(id, "", "s1", "add", 1)

	err := te.engine.Process(t.Context(), id.SchedulerID())
	assert.True(t, IsCorruptStateError(err), "got %v", err)
}

func TestProcess_NothingToDo(t *testing.T) {
	te := newTestEnv(t)

	require.NoError(t, te.engine.Process(t.Context(), "@counter@idle"))
	_, err := te.store.LoadInstance(t.Context(), "@counter@idle")
	assert.True(t, store.IsNotFound(err))
}

func TestAwait_WakesOnResponse(t *testing.T) {
	te := newTestEnv(t)
	id := entity.NewID("counter", "c1")
	te.request(id, "orch-1", "r1", "get", nil)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	got := make(chan store.Message, 1)
	go func() {
		m, err := te.engine.Await(ctx, "orch-1", "r1")
		if err == nil {
			got <- m
		}
		close(got)
	}()

	time.Sleep(10 * time.Millisecond)
	te.drain()

	m, ok := <-got
	require.True(t, ok, "await did not return a message")
	assert.Equal(t, "r1", m.Name)
	assert.Equal(t, id.SchedulerID(), m.Source)
}

func TestAwait_ContextCancelled(t *testing.T) {
	te := newTestEnv(t)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := te.engine.Await(ctx, "orch-1", "never")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRun_ProcessesEntitiesConcurrently(t *testing.T) {
	te := newTestEnv(t,
		WithClock(clock.New()),
		WithWorkers(4),
		WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- te.engine.Run(ctx) }()

	const entities = 8
	const signals = 10
	for k := 0; k < entities; k++ {
		id := entity.NewID("counter", fmt.Sprint(k))
		for i := 0; i < signals; i++ {
			te.request(id, "", fmt.Sprintf("s%d-%d", k, i), "add", 1)
		}
	}

	waitCtx, waitCancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer waitCancel()
	require.NoError(t, te.engine.WaitIdle(waitCtx))

	for k := 0; k < entities; k++ {
		var n int
		te.value(entity.NewID("counter", fmt.Sprint(k)), &n)
		assert.Equal(t, signals, n, "entity %d", k)
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_TwoEnginesShareOneDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	id := entity.NewID("counter", "shared")

	type runner struct {
		engine *Engine
		store  *store.Store
	}
	runners := make([]runner, 2)
	for i := range runners {
		s, err := store.Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		runners[i] = runner{
			engine: New(s, testEntities(),
				WithWorkers(2),
				WithPollInterval(10*time.Millisecond),
				WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))),
			store: s,
		}
	}

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.engine.Run(ctx)
		}()
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	const signals = 40
	var senders errgroup.Group
	for i := 0; i < signals; i++ {
		r := runners[i%len(runners)]
		senders.Go(func() error {
			req := entity.RequestMessage{Operation: "add", IsSignal: true, ID: fmt.Sprintf("s%d", i)}
			if err := req.SetInput(1); err != nil {
				return err
			}
			data, err := json.Marshal(req)
			if err != nil {
				return err
			}
			_, err = r.engine.Send(ctx, store.Message{
				Target:  id.SchedulerID(),
				ID:      req.ID,
				Name:    entity.EventOperation,
				Payload: data,
			})
			return err
		})
	}
	require.NoError(t, senders.Wait())

	reader := runners[0].store
	value := func() int {
		inst, err := reader.LoadInstance(t.Context(), id.SchedulerID())
		if err != nil {
			return -1
		}
		s, err := scheduler.Decode(inst.Input)
		if err != nil || s.EntityState == nil {
			return -1
		}
		var n int
		if err := json.Unmarshal([]byte(*s.EntityState), &n); err != nil {
			return -1
		}
		return n
	}
	require.Eventually(t, func() bool { return value() == signals }, 10*time.Second, 10*time.Millisecond)

	pending, err := reader.PendingCount(t.Context(), id.SchedulerID())
	require.NoError(t, err)
	assert.Zero(t, pending)

	// No operation is applied twice.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, signals, value())

	var ops float64
	for _, r := range runners {
		ops += testutil.ToFloat64(r.engine.metrics.operations.WithLabelValues("counter", outcomeSucceeded))
		assert.GreaterOrEqual(t, testutil.ToFloat64(r.engine.metrics.conflicts), 0.0)
	}
	// Batches lost to a conflict still count their operations.
	assert.GreaterOrEqual(t, ops, float64(signals))
}
