// Package harness runs entity scenarios against a real engine.
//
// # Scenario Format
//
// Scenarios are YAML (or CUE) files:
//
//	name: counter_add
//	description: "Signals accumulate in queue order"
//	steps:
//	  - signal: counter/c1
//	    op: add
//	    input: 5
//	  - signal: counter/c1
//	    op: add
//	    input: 1
//	    after: 1h
//	  - advance: 1h
//	  - call: counter/c1
//	    op: get
//	    expect:
//	      result: 6
//	  - orchestrate: transfer
//	    id: t1
//	    input: { from: c1, to: c2, amount: 2 }
//	  - status: counter/c1
//	assertions:
//	  - type: trace_count
//	    op: add
//	    count: 2
//	  - type: final_state
//	    entity: counter/c1
//	    expect: { value: 4 }
//
// Entities are written name/key. Every step runs to quiescence before the
// next one starts: the engine has no queued, running or due work left.
//
// # Assertion Types
//
//   - trace_contains: an operation (optionally on one entity, with an input) appears in the trace
//   - trace_order: operations appear in the given order
//   - trace_count: an operation appears exactly N times
//   - final_state: the persisted state of an entity matches (subset match for objects)
//
// # Deterministic Testing
//
// Each scenario runs on a fresh in-memory SQLite database with a mock
// clock starting at Epoch and sequential message ids, so traces are stable
// and can be compared with golden files (see RunWithGolden).
package harness
