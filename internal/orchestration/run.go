// Package orchestration runs durable callers of entities.
//
// An orchestration is a Go function that signals, calls and locks entities
// through a Context. Its progress is carried by the messages it exchanges:
// requests get deterministic ids and responses stay in the instance inbox
// until the instance finishes, so an interrupted orchestration can simply be
// run again.
package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/roach88/entityflow/internal/store"
)

// Host is the runtime an orchestration executes against.
// *engine.Engine implements it.
type Host interface {
	Send(ctx context.Context, msgs ...store.Message) (int, error)
	Await(ctx context.Context, instanceID, event string) (store.Message, error)
	Now() time.Time
	StartInstance(ctx context.Context, id, kind string) (store.Instance, bool, error)
	FinishInstance(ctx context.Context, id, status string) error
	RecordStep(ctx context.Context, instanceID string, step int, value string) (string, error)
}

// Func is the body of an orchestration.
type Func func(ctx context.Context, oc *Context) error

type runOptions struct {
	logger *slog.Logger
}

// Option configures Run.
type Option func(*runOptions)

// WithLogger sets the logger of the orchestration. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) {
		o.logger = l
	}
}

// Run executes fn as the orchestration instanceID.
//
// A new instance is registered as running. Running an instance that is
// still running resumes it: fn is executed from the start and finds the
// results of earlier runs. When fn returns, held locks are released and the
// instance is marked completed, or failed if fn returned an error.
//
// If ctx is cancelled the instance is left running so it can be resumed,
// and ctx.Err() is returned. Running a finished instance returns
// ErrInstanceCompleted.
func Run(ctx context.Context, host Host, instanceID string, fn Func, opts ...Option) error {
	o := runOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	inst, created, err := host.StartInstance(ctx, instanceID, store.KindOrchestration)
	if err != nil {
		return fmt.Errorf("run %s: %w", instanceID, err)
	}
	if inst.Kind != store.KindOrchestration {
		return fmt.Errorf("run %s: instance is a %s", instanceID, inst.Kind)
	}
	if inst.Status != store.StatusRunning {
		return fmt.Errorf("run %s: %w", instanceID, ErrInstanceCompleted)
	}

	logger := o.logger.With("instance_id", instanceID)
	if created {
		logger.Info("orchestration started")
	} else {
		logger.Info("orchestration resumed")
	}

	oc := newContext(host, inst, logger)
	runErr := fn(ctx, oc)
	if ctx.Err() != nil {
		logger.Info("orchestration suspended", "error", ctx.Err())
		return ctx.Err()
	}

	if err := oc.releaseLocks(ctx); err != nil {
		runErr = multierr.Append(runErr, err)
	}

	status := store.StatusCompleted
	if runErr != nil {
		status = store.StatusFailed
	}
	if err := host.FinishInstance(ctx, instanceID, status); err != nil {
		return multierr.Append(runErr, fmt.Errorf("run %s: %w", instanceID, err))
	}

	if runErr != nil {
		logger.Warn("orchestration failed", "error", runErr)
	} else {
		logger.Info("orchestration completed")
	}
	return runErr
}
