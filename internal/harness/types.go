package harness

// TraceEvent records one executed step and its outcome. Events carry no
// generated ids or timestamps, so traces are byte-stable across runs and
// safe for golden comparison.
type TraceEvent struct {
	// Op is the step operation name.
	Op string `json:"op"`

	// Target is the step's key when set, otherwise its schema.
	Target string `json:"target,omitempty"`

	// Outcome is "ok" for a committed step, otherwise the fault code.
	Outcome string `json:"outcome"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace lists executed flow steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists expect and assertion failures. Empty when Pass.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result to accumulate into.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// AddTrace appends one step outcome to the trace.
func (r *Result) AddTrace(op, target, outcome string) {
	r.Trace = append(r.Trace, TraceEvent{Op: op, Target: target, Outcome: outcome})
}
