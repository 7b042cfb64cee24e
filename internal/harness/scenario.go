package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/entityflow/internal/entity"
)

// Scenario is a sequence of entity steps and assertions over their
// outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name" json:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps" json:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions,omitempty" json:"assertions,omitempty"`
}

// Step is one action of a scenario. Exactly one of Signal, Call, Status,
// Orchestrate and Advance is set.
type Step struct {
	// Signal sends Op to an entity without waiting.
	Signal string `yaml:"signal,omitempty" json:"signal,omitempty"`

	// Call runs Op on an entity and waits for its result.
	Call string `yaml:"call,omitempty" json:"call,omitempty"`

	// Status records the status of an entity in the trace.
	Status string `yaml:"status,omitempty" json:"status,omitempty"`

	// Orchestrate runs a registered orchestration to completion.
	Orchestrate string `yaml:"orchestrate,omitempty" json:"orchestrate,omitempty"`

	// Advance moves the clock forward by a duration ("90s", "1h").
	Advance string `yaml:"advance,omitempty" json:"advance,omitempty"`

	// Op is the operation of signal and call steps.
	Op string `yaml:"op,omitempty" json:"op,omitempty"`

	// Input is the operation or orchestration input.
	Input any `yaml:"input,omitempty" json:"input,omitempty"`

	// After delays the delivery of a signal.
	After string `yaml:"after,omitempty" json:"after,omitempty"`

	// ID is the orchestration instance id. Defaults to <name>-<step>.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Expect checks the outcome of call and orchestrate steps.
	Expect *Expect `yaml:"expect,omitempty" json:"expect,omitempty"`
}

// Expect is the expected outcome of a step.
type Expect struct {
	// Result is compared with the call result when set.
	Result any `yaml:"result,omitempty" json:"result,omitempty"`

	// Error is the expected exception type. Empty expects success.
	Error string `yaml:"error,omitempty" json:"error,omitempty"`
}

// Step kinds.
const (
	stepSignal      = "signal"
	stepCall        = "call"
	stepStatus      = "status"
	stepOrchestrate = "orchestrate"
	stepAdvance     = "advance"
)

// kind returns the step kind, or "" unless exactly one action is set.
func (s Step) kind() string {
	var kinds []string
	for k, v := range map[string]string{
		stepSignal:      s.Signal,
		stepCall:        s.Call,
		stepStatus:      s.Status,
		stepOrchestrate: s.Orchestrate,
		stepAdvance:     s.Advance,
	} {
		if v != "" {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_state.
	Type string `yaml:"type" json:"type"`

	// Entity restricts trace_contains and selects the final_state entity.
	Entity string `yaml:"entity,omitempty" json:"entity,omitempty"`

	// Op is the operation of trace_contains and trace_count.
	Op string `yaml:"op,omitempty" json:"op,omitempty"`

	// Input restricts trace_contains to steps with this input.
	Input any `yaml:"input,omitempty" json:"input,omitempty"`

	// Ops is the expected operation order of trace_order.
	Ops []string `yaml:"ops,omitempty" json:"ops,omitempty"`

	// Count is the expected number of occurrences of trace_count.
	Count int `yaml:"count,omitempty" json:"count,omitempty"`

	// Exists checks whether the final_state entity has state.
	Exists *bool `yaml:"exists,omitempty" json:"exists,omitempty"`

	// Expect is the expected final_state. Objects are matched as subsets.
	Expect any `yaml:"expect,omitempty" json:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads a scenario file. Files ending in .cue are evaluated
// as CUE; anything else is parsed as YAML with unknown fields rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario *Scenario
	if filepath.Ext(path) == ".cue" {
		scenario, err = parseCUE(data, path)
	} else {
		scenario, err = parseYAML(data)
	}
	if err != nil {
		return nil, err
	}

	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return scenario, nil
}

// LoadScenarios loads every .yaml, .yml and .cue scenario in dir, sorted by
// file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml", ".cue":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("scenario name %q used by %s and %s", s.Name, other, p)
		}
		seen[s.Name] = p
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func parseYAML(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &scenario, nil
}

func parseCUE(data []byte, path string) (*Scenario, error) {
	v := cuecontext.New().CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile CUE: %w", err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("failed to validate CUE: %w", err)
	}
	var scenario Scenario
	if err := v.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to decode CUE: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields and step shapes.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(s.Name, `/\`) {
		return fmt.Errorf("name %q must not contain path separators", s.Name)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	kind := step.kind()
	switch kind {
	case "":
		return fmt.Errorf("exactly one of signal, call, status, orchestrate, advance is required")
	case stepSignal, stepCall:
		if _, err := ParseEntityRef(step.Signal + step.Call); err != nil {
			return err
		}
		if step.Op == "" {
			return fmt.Errorf("op is required for %s", kind)
		}
	case stepStatus:
		if _, err := ParseEntityRef(step.Status); err != nil {
			return err
		}
	case stepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("advance must be positive, got %s", step.Advance)
		}
	}

	if step.After != "" {
		if kind != stepSignal {
			return fmt.Errorf("after is only valid for signal")
		}
		d, err := time.ParseDuration(step.After)
		if err != nil {
			return fmt.Errorf("after: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("after must not be negative, got %s", step.After)
		}
	}
	if step.Expect != nil && kind != stepCall && kind != stepOrchestrate {
		return fmt.Errorf("expect is only valid for call and orchestrate")
	}
	if step.ID != "" && kind != stepOrchestrate {
		return fmt.Errorf("id is only valid for orchestrate")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("op is required for trace_contains")
		}
		if a.Entity != "" {
			if _, err := ParseEntityRef(a.Entity); err != nil {
				return err
			}
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("ops list is required for trace_order")
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("op is required for trace_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
	case AssertFinalState:
		if _, err := ParseEntityRef(a.Entity); err != nil {
			return err
		}
		if a.Exists == nil && a.Expect == nil {
			return fmt.Errorf("exists or expect is required for final_state")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// ParseEntityRef parses "name/key" or a scheduler id "@name@key".
func ParseEntityRef(ref string) (entity.ID, error) {
	if entity.IsSchedulerID(ref) {
		return entity.ParseSchedulerID(ref)
	}
	name, key, ok := strings.Cut(ref, "/")
	if !ok {
		return entity.ID{}, fmt.Errorf("entity %q: want name/key", ref)
	}
	id := entity.NewID(name, key)
	if err := id.Validate(); err != nil {
		return entity.ID{}, fmt.Errorf("entity %q: %w", ref, err)
	}
	return id, nil
}
