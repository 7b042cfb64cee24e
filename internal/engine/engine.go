package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/entityflow/internal/entity"
	"github.com/roach88/entityflow/internal/store"
)

// Defaults for engine options.
const (
	// DefaultMaxBatchSize caps the queued requests executed per batch.
	DefaultMaxBatchSize = 20

	// DefaultWorkers is the number of entities processed in parallel.
	DefaultWorkers = 4

	// DefaultPollInterval is how often the store is scanned for work
	// delivered by other processes or scheduled for later.
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultDedupRetention is how long delivery tombstones are kept.
	DefaultDedupRetention = 24 * time.Hour

	// defaultInboxLimit caps the inbox messages read per batch.
	defaultInboxLimit = 1000

	// pruneInterval is the minimum time between tombstone prunes.
	pruneInterval = time.Minute

	// idleCheckInterval bounds WaitIdle's wait between store scans.
	idleCheckInterval = 10 * time.Millisecond
)

// Engine runs entity batches.
//
// Every entity is processed by at most one worker at a time in this process
// (see readyQueue). Across processes sharing a database, the execution id
// check in store.Commit discards all but one writer.
//
// Thread-safety model:
//   - Send(), Await(), Process(), Drain(): safe from any goroutine
//   - Run(): call once; returns when ctx is cancelled
type Engine struct {
	store    *store.Store
	registry *entity.Registry
	clock    clock.Clock
	ids      IDGenerator
	logger   *slog.Logger
	metrics  *metrics

	workers        int
	maxBatch       int
	inboxLimit     int
	pollInterval   time.Duration
	dedupRetention time.Duration

	ready     *readyQueue
	changes   *broadcaster
	lastPrune time.Time
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithMaxBatchSize sets the maximum number of queued requests per batch.
// Requests from the current lock holder are not counted.
func WithMaxBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxBatch = n
		}
	}
}

// WithWorkers sets the number of worker goroutines started by Run.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithPollInterval sets how often the store is scanned for work.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithDedupRetention sets how long consumed message ids are remembered.
func WithDedupRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.dedupRetention = d
		}
	}
}

// WithClock replaces the wall clock (tests use clock.NewMock()).
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator replaces the UUIDv7 id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithRegisterer registers the engine's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.metrics = newMetrics(reg)
	}
}

// New creates an Engine executing the handlers in registry against s.
func New(s *store.Store, registry *entity.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		registry:       registry,
		clock:          clock.New(),
		ids:            UUIDv7Generator{},
		logger:         slog.Default(),
		workers:        DefaultWorkers,
		maxBatch:       DefaultMaxBatchSize,
		inboxLimit:     defaultInboxLimit,
		pollInterval:   DefaultPollInterval,
		dedupRetention: DefaultDedupRetention,
		ready:          newReadyQueue(),
		changes:        &broadcaster{},
	}

	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = newMetrics(nil)
	}

	return e
}

// Run starts the workers and the store poller and blocks until ctx is
// cancelled. Returns ctx.Err() on cancellation.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		"workers", e.workers,
		"max_batch", e.maxBatch,
		"poll_interval", e.pollInterval)

	// Pick up work left behind by a previous run.
	e.poll(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			return e.work(gctx)
		})
	}
	g.Go(func() error {
		return e.pollLoop(gctx)
	})

	err := g.Wait()
	e.logger.Info("engine stopped")
	return err
}

// work runs entity batches until ctx is cancelled.
func (e *Engine) work(ctx context.Context) error {
	for {
		id, ok := e.ready.TryDequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.ready.Wait():
				continue
			}
		}

		e.runItem(ctx, id)
		e.ready.Done(id)
	}
}

// runItem processes one entity and decides whether it must run again.
func (e *Engine) runItem(ctx context.Context, schedulerID string) {
	err := e.Process(ctx, schedulerID)
	switch {
	case err == nil:
	case store.IsConflict(err):
		e.metrics.conflicts.Inc()
		e.logger.Debug("batch discarded after conflict, retrying", "scheduler_id", schedulerID, "error", err)
		e.ready.Enqueue(schedulerID)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
	default:
		// Messages stay in the inbox; the poller retries.
		e.logger.Error("entity batch failed", "scheduler_id", schedulerID, "error", err)
	}
}

// pollLoop scans the store every poll interval.
func (e *Engine) pollLoop(ctx context.Context) error {
	ticker := e.clock.Ticker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.poll(ctx)
		}
	}
}

// poll enqueues entities with due work and prunes expired tombstones.
func (e *Engine) poll(ctx context.Context) {
	now := e.clock.Now()

	ids, err := e.store.RunnableEntities(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("poll failed", "error", err)
		}
		return
	}
	for _, id := range ids {
		e.ready.Enqueue(id)
	}

	if now.Sub(e.lastPrune) >= pruneInterval {
		e.lastPrune = now
		n, err := e.store.PruneConsumed(ctx, now.Add(-e.dedupRetention))
		if err != nil {
			e.logger.Warn("prune consumed failed", "error", err)
		} else if n > 0 {
			e.logger.Debug("pruned delivery tombstones", "count", n)
		}
	}

	// Waiters re-check timers and cross-process deliveries.
	e.changes.Broadcast()
}

// Drain processes entities synchronously until none has due work.
// Used by one-shot runs and tests; does not require Run.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		ids, err := e.store.RunnableEntities(ctx, e.clock.Now())
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			if err := e.Process(ctx, id); err != nil && !store.IsConflict(err) {
				return fmt.Errorf("drain: %w", err)
			}
		}
	}
}

// WaitIdle blocks until no entity has queued, active, or due work.
// Scheduled messages that are not yet due do not count as work.
func (e *Engine) WaitIdle(ctx context.Context) error {
	for {
		changed := e.changes.Wait()

		if e.ready.Idle() {
			ids, err := e.store.RunnableEntities(ctx, e.clock.Now())
			if err != nil {
				return fmt.Errorf("wait idle: %w", err)
			}
			if len(ids) == 0 && e.ready.Idle() {
				return nil
			}
			for _, id := range ids {
				e.ready.Enqueue(id)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-time.After(idleCheckInterval):
		}
	}
}
