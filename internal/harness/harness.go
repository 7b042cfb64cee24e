package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/roach88/entityflow/internal/client"
	"github.com/roach88/entityflow/internal/engine"
	"github.com/roach88/entityflow/internal/entity"
	"github.com/roach88/entityflow/internal/orchestration"
	"github.com/roach88/entityflow/internal/samples"
	"github.com/roach88/entityflow/internal/store"
	"github.com/roach88/entityflow/internal/testutil"
)

// Epoch is the clock time every scenario starts at.
var Epoch = testutil.Epoch

// DefaultStepTimeout bounds every step.
const DefaultStepTimeout = 10 * time.Second

// OrchestrationFactory builds an orchestration from the input of an
// orchestrate step.
type OrchestrationFactory func(input json.RawMessage) (orchestration.Func, error)

type config struct {
	registry       *entity.Registry
	orchestrations map[string]OrchestrationFactory
	stepTimeout    time.Duration
	logger         *slog.Logger
}

// Option configures Run.
type Option func(*config)

// WithRegistry runs scenarios against reg instead of the sample entities.
func WithRegistry(reg *entity.Registry) Option {
	return func(c *config) {
		c.registry = reg
	}
}

// WithOrchestration makes an orchestration available to orchestrate steps.
func WithOrchestration(name string, f OrchestrationFactory) Option {
	return func(c *config) {
		c.orchestrations[name] = f
	}
}

// WithStepTimeout bounds each step. Defaults to DefaultStepTimeout.
func WithStepTimeout(d time.Duration) Option {
	return func(c *config) {
		c.stepTimeout = d
	}
}

// WithLogger sets the engine logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// transferInput is the input of the sample transfer orchestration.
type transferInput struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int    `json:"amount"`
}

func sampleOrchestrations() map[string]OrchestrationFactory {
	return map[string]OrchestrationFactory{
		"transfer": func(input json.RawMessage) (orchestration.Func, error) {
			var in transferInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("transfer input: %w", err)
			}
			return samples.Transfer(in.From, in.To, in.Amount), nil
		},
	}
}

// Harness executes the steps of one scenario.
type Harness struct {
	scenario *Scenario
	cfg      config
	engine   *engine.Engine
	client   *client.Client
	clock    *clock.Mock
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with a single engine
// worker. Failed expectations and assertions are reported in the result;
// the error is reserved for scenarios that could not be executed.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	cfg := config{
		orchestrations: sampleOrchestrations(),
		stepTimeout:    DefaultStepTimeout,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.registry == nil {
		cfg.registry = samples.NewRegistry()
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	mock := testutil.NewClockAt(Epoch)
	eng := engine.New(st, cfg.registry,
		engine.WithClock(mock),
		engine.WithIDGenerator(engine.NewSequenceGenerator("msg")),
		engine.WithWorkers(1),
		engine.WithPollInterval(time.Minute),
		engine.WithLogger(cfg.logger))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	h := &Harness{
		scenario: scenario,
		cfg:      cfg,
		engine:   eng,
		client:   client.New(eng, client.WithLogger(cfg.logger)),
		clock:    mock,
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.runStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	for i, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a, result.Trace); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

// runStep executes one step and waits for the engine to become idle.
func (h *Harness) runStep(ctx context.Context, index int, step Step, result *Result) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.stepTimeout)
	defer cancel()

	var (
		ev      TraceEvent
		outcome error
	)
	switch step.kind() {
	case stepSignal:
		id, _ := ParseEntityRef(step.Signal)
		ev = TraceEvent{Type: EventSignal, Entity: id.String(), Operation: step.Op, Input: step.Input, Delay: step.After}
		var due time.Time
		if step.After != "" {
			d, _ := time.ParseDuration(step.After)
			due = h.clock.Now().Add(d)
		}
		if err := h.client.SignalEntityAt(ctx, id, due, step.Op, step.Input); err != nil {
			return err
		}

	case stepCall:
		id, _ := ParseEntityRef(step.Call)
		ev = TraceEvent{Type: EventCall, Entity: id.String(), Operation: step.Op, Input: step.Input}
		var out any
		outcome = h.client.CallEntity(ctx, id, step.Op, step.Input, &out)
		if outcome == nil {
			ev.Result = out
		}

	case stepStatus:
		id, _ := ParseEntityRef(step.Status)
		status, err := h.client.GetEntityStatus(ctx, id)
		if err != nil {
			return err
		}
		ev = TraceEvent{Type: EventStatus, Entity: id.String(), Result: status}

	case stepOrchestrate:
		instanceID := step.ID
		if instanceID == "" {
			instanceID = fmt.Sprintf("%s-%d", h.scenario.Name, index)
		}
		ev = TraceEvent{Type: EventOrchestration, Instance: instanceID, Operation: step.Orchestrate, Input: step.Input}
		factory, ok := h.cfg.orchestrations[step.Orchestrate]
		if !ok {
			return fmt.Errorf("unknown orchestration %q", step.Orchestrate)
		}
		input, err := json.Marshal(step.Input)
		if err != nil {
			return fmt.Errorf("orchestration input: %w", err)
		}
		fn, err := factory(input)
		if err != nil {
			return err
		}
		outcome = orchestration.Run(ctx, h.engine, instanceID, fn, orchestration.WithLogger(h.cfg.logger))

	case stepAdvance:
		d, _ := time.ParseDuration(step.Advance)
		ev = TraceEvent{Type: EventAdvance, Delay: step.Advance}
		h.clock.Add(d)
	}

	if outcome != nil {
		if errors.Is(outcome, context.DeadlineExceeded) || errors.Is(outcome, context.Canceled) {
			return outcome
		}
		ev.Error = entity.ExceptionType(outcome)
	}
	if err := h.engine.WaitIdle(ctx); err != nil {
		return err
	}

	ev = result.addEvent(ev)
	if step.Expect != nil {
		if msg := checkExpect(*step.Expect, ev, outcome); msg != "" {
			result.AddError(fmt.Sprintf("steps[%d]: %s", index, msg))
		}
	} else if outcome != nil {
		result.AddError(fmt.Sprintf("steps[%d]: unexpected error: %v", index, outcome))
	}
	return nil
}

// checkExpect returns a description of the mismatch, or "".
func checkExpect(want Expect, ev TraceEvent, outcome error) string {
	if want.Error != "" {
		if outcome == nil {
			return fmt.Sprintf("expected error %s, got success", want.Error)
		}
		if ev.Error != want.Error {
			return fmt.Sprintf("expected error %s, got %s: %v", want.Error, ev.Error, outcome)
		}
		return ""
	}
	if outcome != nil {
		return fmt.Sprintf("unexpected error: %v", outcome)
	}
	if want.Result != nil && !jsonEqual(want.Result, ev.Result) {
		return fmt.Sprintf("expected result %s, got %s", describe(want.Result), describe(ev.Result))
	}
	return ""
}

// normalize converts v to the value encoding/json decodes it to, so that
// YAML ints and JSON floats compare equal.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(data, &out)
	return out, err
}

func jsonEqual(a, b any) bool {
	na, errA := normalize(a)
	nb, errB := normalize(b)
	return errA == nil && errB == nil && reflect.DeepEqual(na, nb)
}

func describe(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
