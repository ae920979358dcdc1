package ir

import "time"

// EventKind names an audit log transition.
type EventKind string

const (
	EventPredicateCreated  EventKind = "PredicateCreated"
	EventRequestSent       EventKind = "RequestSent"
	EventResultApplied     EventKind = "ResultApplied"
	EventRequestFailed     EventKind = "RequestFailed"
	EventRequestExpired    EventKind = "RequestExpired"
	EventCallbackDiscarded EventKind = "CallbackDiscarded"
)

// Discard reasons recorded on CallbackDiscarded events.
const (
	DiscardStale   = "stale"
	DiscardUnknown = "unknown_request"
)

// Event is one append-only audit record.
//
// Which optional fields are set depends on Kind:
//   - PredicateCreated: Owner
//   - RequestSent, RequestExpired: RequestHandle
//   - ResultApplied: RequestHandle, Result, UpdateCount
//   - RequestFailed, CallbackDiscarded: RequestHandle, Reason
//
// PredicateID is zero on a CallbackDiscarded for a handle this service never issued.
type Event struct {
	Seq           int64       `json:"seq"`
	Kind          EventKind   `json:"kind"`
	PredicateID   PredicateID `json:"predicate_id"`
	Owner         string      `json:"owner,omitempty"`
	RequestHandle string      `json:"request_handle,omitempty"`
	Result        *Result     `json:"result,omitempty"`
	UpdateCount   *uint64     `json:"update_count,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	At            time.Time   `json:"at"`
}

// PredicateCreated builds a creation event.
func PredicateCreated(id PredicateID, owner string, at time.Time) Event {
	return Event{Kind: EventPredicateCreated, PredicateID: id, Owner: owner, At: at}
}

// RequestSent builds a request-sent event.
func RequestSent(id PredicateID, handle string, at time.Time) Event {
	return Event{Kind: EventRequestSent, PredicateID: id, RequestHandle: handle, At: at}
}

// ResultApplied builds a result-applied event.
func ResultApplied(id PredicateID, handle string, result Result, updateCount uint64, at time.Time) Event {
	return Event{
		Kind:          EventResultApplied,
		PredicateID:   id,
		RequestHandle: handle,
		Result:        &result,
		UpdateCount:   &updateCount,
		At:            at,
	}
}

// RequestFailed builds a submission-rollback event.
func RequestFailed(id PredicateID, handle, reason string, at time.Time) Event {
	return Event{Kind: EventRequestFailed, PredicateID: id, RequestHandle: handle, Reason: reason, At: at}
}

// RequestExpired builds an advisory-timeout event.
func RequestExpired(id PredicateID, handle string, at time.Time) Event {
	return Event{Kind: EventRequestExpired, PredicateID: id, RequestHandle: handle, At: at}
}

// CallbackDiscarded builds a discarded-callback event.
func CallbackDiscarded(id PredicateID, handle, reason string, at time.Time) Event {
	return Event{Kind: EventCallbackDiscarded, PredicateID: id, RequestHandle: handle, Reason: reason, At: at}
}
