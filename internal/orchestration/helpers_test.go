package orchestration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/entityflow/internal/engine"
	"github.com/roach88/entityflow/internal/entity"
	"github.com/roach88/entityflow/internal/scheduler"
	"github.com/roach88/entityflow/internal/store"
	"github.com/roach88/entityflow/internal/testutil"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// counterOp keeps an int; "get" returns it.
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
	default:
		return entity.ErrUnknownOperation
	}
	return ctx.SetState(n)
}

type testEnv struct {
	t      *testing.T
	store  *store.Store
	engine *engine.Engine
}

// newTestEnv creates an engine over a fresh store. The engine is not running.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := testutil.OpenStore(t)

	reg := entity.NewRegistry()
	reg.MustRegister("counter", entity.HandlerFunc(counterOp))

	e := engine.New(s, reg,
		engine.WithLogger(discard),
		engine.WithPollInterval(10*time.Millisecond))
	return &testEnv{t: t, store: s, engine: e}
}

// start runs the engine until the test ends.
func (te *testEnv) start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		te.engine.Run(ctx)
	}()
	te.t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (te *testEnv) run(ctx context.Context, instanceID string, fn Func) error {
	return Run(ctx, te.engine, instanceID, fn, WithLogger(discard))
}

func (te *testEnv) schedulerState(id entity.ID) scheduler.State {
	te.t.Helper()
	inst, err := te.store.LoadInstance(context.Background(), id.SchedulerID())
	if store.IsNotFound(err) {
		return scheduler.State{}
	}
	require.NoError(te.t, err)
	s, err := scheduler.Decode(inst.Input)
	require.NoError(te.t, err)
	return s
}

func (te *testEnv) counter(id entity.ID) int {
	te.t.Helper()
	s := te.schedulerState(id)
	if !s.EntityExists {
		return 0
	}
	var n int
	require.NoError(te.t, json.Unmarshal([]byte(*s.EntityState), &n))
	return n
}

func (te *testEnv) status(instanceID string) string {
	te.t.Helper()
	inst, err := te.store.LoadInstance(context.Background(), instanceID)
	require.NoError(te.t, err)
	return inst.Status
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
