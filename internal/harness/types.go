package harness

import "time"

// TraceEvent is one audit log record with the predicate id replaced by the
// scenario's name for it.
type TraceEvent struct {
	Seq         int64     `json:"seq"`
	Kind        string    `json:"kind"`
	Predicate   string    `json:"predicate,omitempty"`
	Owner       string    `json:"owner,omitempty"`
	Handle      string    `json:"request_handle,omitempty"`
	Result      string    `json:"result,omitempty"`
	UpdateCount *uint64   `json:"update_count,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// PredicateState is the final state of one registered predicate.
type PredicateState struct {
	Result         string `json:"result"`
	UpdateCount    uint64 `json:"update_count"`
	PendingRequest string `json:"pending_request,omitempty"`
	Fee            string `json:"fee"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every expect clause matched and every predicate's
	// audit log replays to its stored record.
	Pass bool `json:"pass"`

	// Trace is the full audit log in append order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds the final state keyed by predicate name.
	State map[string]PredicateState `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]PredicateState),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
