package harness

// Trace event types.
const (
	EventSignal        = "signal"
	EventCall          = "call"
	EventStatus        = "status"
	EventAdvance       = "advance"
	EventOrchestration = "orchestration"
)

// TraceEvent records one executed step and its outcome.
type TraceEvent struct {
	Seq       int    `json:"seq"`
	Type      string `json:"type"`
	Entity    string `json:"entity,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Operation string `json:"operation,omitempty"`
	Input     any    `json:"input,omitempty"`

	// Delay is the delivery delay of scheduled signals and the amount of
	// time an advance step moved the clock.
	Delay string `json:"delay,omitempty"`

	Result any `json:"result,omitempty"`

	// Error is the exception type of a failed call or orchestration.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addEvent appends ev to the trace with the next sequence number.
func (r *Result) addEvent(ev TraceEvent) TraceEvent {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
	return ev
}
