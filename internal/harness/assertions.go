package harness

import (
	"context"
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s %s\n", ev.Seq, ev.Type, ev.Entity+ev.Instance, ev.Operation, describe(ev.Input))
		}
	}
	return buf.String()
}

// isOperation reports whether ev sent an operation (signal or call).
func isOperation(ev TraceEvent) bool {
	return ev.Type == EventSignal || ev.Type == EventCall
}

// assertTraceContains checks that an operation step matches the assertion.
// Entity and input are only compared when set.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	var entityFilter string
	if a.Entity != "" {
		id, err := ParseEntityRef(a.Entity)
		if err != nil {
			return err
		}
		entityFilter = id.String()
	}

	for _, ev := range trace {
		if !isOperation(ev) || !strings.EqualFold(ev.Operation, a.Op) {
			continue
		}
		if entityFilter != "" && ev.Entity != entityFilter {
			continue
		}
		if a.Input != nil && !jsonEqual(a.Input, ev.Input) {
			continue
		}
		return nil
	}

	expected := "operation " + a.Op
	if a.Entity != "" {
		expected += " on " + a.Entity
	}
	if a.Input != nil {
		expected += " with input " + describe(a.Input)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that operations first appear in the given order.
// Intervening steps are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int, len(a.Ops))
	for i, ev := range trace {
		if !isOperation(ev) {
			continue
		}
		for _, op := range a.Ops {
			if strings.EqualFold(ev.Operation, op) && positions[op] == 0 {
				positions[op] = i + 1
			}
		}
	}

	for _, op := range a.Ops {
		if positions[op] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all operations present: %v", a.Ops),
				Actual:   fmt.Sprintf("missing operation: %s", op),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Ops); i++ {
		prev, curr := a.Ops[i-1], a.Ops[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("operations in order: %v", a.Ops),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that an operation appears exactly a.Count times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if isOperation(ev) && strings.EqualFold(ev.Operation, a.Op) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Op),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks the persisted state of an entity.
func (h *Harness) assertFinalState(ctx context.Context, a Assertion) error {
	id, err := ParseEntityRef(a.Entity)
	if err != nil {
		return err
	}
	var state any
	found, err := h.client.ReadEntityState(ctx, id, &state)
	if err != nil {
		return err
	}

	if a.Exists != nil && *a.Exists != found {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s exists = %t", id, *a.Exists),
			Actual:   fmt.Sprintf("exists = %t", found),
		}
	}
	if a.Expect == nil {
		return nil
	}
	if !found {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s state %s", id, describe(a.Expect)),
			Actual:   "entity has no state",
		}
	}
	if !matchState(a.Expect, state) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s state %s", id, describe(a.Expect)),
			Actual:   describe(state),
		}
	}
	return nil
}

// matchState compares expected with actual. Objects match when every
// expected field matches; other values must be equal.
func matchState(expected, actual any) bool {
	exp, err := normalize(expected)
	if err != nil {
		return false
	}
	expMap, ok := exp.(map[string]any)
	if !ok {
		return jsonEqual(exp, actual)
	}
	actMap, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for key, want := range expMap {
		got, exists := actMap[key]
		if !exists || !matchState(want, got) {
			return false
		}
	}
	return true
}

// evaluate runs one assertion.
func (h *Harness) evaluate(ctx context.Context, a Assertion, trace []TraceEvent) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertFinalState:
		return h.assertFinalState(ctx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}
