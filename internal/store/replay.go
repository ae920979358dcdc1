package store

import (
	"context"
	"fmt"

	"github.com/roach88/predcache/internal/ir"
)

// LogState is the state of one predicate reconstructed from its audit events.
type LogState struct {
	Created     bool
	Owner       string
	UpdateCount uint64
	LastResult  ir.Result
	Pending     string
	Discarded   int
}

// Replay folds the events of a single predicate, in append order, into the
// state they imply. It fails on a sequence no store transition can produce.
func Replay(events []ir.Event) (LogState, error) {
	var st LogState
	for _, e := range events {
		switch e.Kind {
		case ir.EventPredicateCreated:
			if st.Created {
				return st, fmt.Errorf("seq %d: predicate created twice", e.Seq)
			}
			st.Created = true
			st.Owner = e.Owner

		case ir.EventRequestSent:
			if st.Pending != "" {
				return st, fmt.Errorf("seq %d: request %q sent while %q pending", e.Seq, e.RequestHandle, st.Pending)
			}
			st.Pending = e.RequestHandle

		case ir.EventResultApplied:
			if st.Pending != e.RequestHandle {
				return st, fmt.Errorf("seq %d: result applied for %q but %q pending", e.Seq, e.RequestHandle, st.Pending)
			}
			st.UpdateCount++
			if e.UpdateCount == nil || *e.UpdateCount != st.UpdateCount {
				return st, fmt.Errorf("seq %d: update count out of sequence, expected %d", e.Seq, st.UpdateCount)
			}
			if e.Result != nil {
				st.LastResult = *e.Result
			}
			st.Pending = ""

		case ir.EventRequestFailed, ir.EventRequestExpired:
			if st.Pending != e.RequestHandle {
				return st, fmt.Errorf("seq %d: %s for %q but %q pending", e.Seq, e.Kind, e.RequestHandle, st.Pending)
			}
			st.Pending = ""

		case ir.EventCallbackDiscarded:
			st.Discarded++

		default:
			return st, fmt.Errorf("seq %d: unknown event kind %q", e.Seq, e.Kind)
		}
		if !st.Created {
			return st, fmt.Errorf("seq %d: %s before PredicateCreated", e.Seq, e.Kind)
		}
	}
	return st, nil
}

// CheckRecord compares a record against the state replayed from its events.
func CheckRecord(rec ir.PredicateRecord, events []ir.Event) error {
	st, err := Replay(events)
	if err != nil {
		return fmt.Errorf("verify %s: %w", rec.ID, err)
	}
	switch {
	case !st.Created:
		return fmt.Errorf("verify %s: no PredicateCreated event", rec.ID)
	case st.Owner != rec.Owner:
		return fmt.Errorf("verify %s: owner %q, log says %q", rec.ID, rec.Owner, st.Owner)
	case st.UpdateCount != rec.UpdateCount:
		return fmt.Errorf("verify %s: update count %d, log says %d", rec.ID, rec.UpdateCount, st.UpdateCount)
	case st.LastResult != rec.LastResult:
		return fmt.Errorf("verify %s: last result %s, log says %s", rec.ID, rec.LastResult, st.LastResult)
	case st.Pending != rec.PendingRequest:
		return fmt.Errorf("verify %s: pending %q, log says %q", rec.ID, rec.PendingRequest, st.Pending)
	}
	return nil
}

// VerifyLog replays the audit events of a predicate and checks that they
// agree with its stored record.
func (s *Store) VerifyLog(ctx context.Context, id ir.PredicateID) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	events, err := s.allEvents(ctx, id)
	if err != nil {
		return err
	}
	return CheckRecord(rec, events)
}

func (s *Store) allEvents(ctx context.Context, id ir.PredicateID) ([]ir.Event, error) {
	var all []ir.Event
	q := ir.EventQuery{PredicateID: id, Limit: 500}
	for {
		page, err := s.Events(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < q.Limit {
			return all, nil
		}
		q.AfterSeq = page[len(page)-1].Seq
	}
}
