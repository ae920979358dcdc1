package ir

import "time"

// DefaultPageSize is used when a query leaves Limit unset.
const DefaultPageSize = 100

// ListOpts pages through predicates in registration order.
type ListOpts struct {
	// AfterID resumes after this predicate; zero starts from the beginning.
	AfterID PredicateID
	Limit   int
}

// EventQuery filters the audit log.
type EventQuery struct {
	AfterSeq    int64
	PredicateID PredicateID // zero matches every predicate
	Limit       int
}

// Expired describes a pending request cleared by the advisory timeout.
type Expired struct {
	PredicateID   PredicateID
	RequestHandle string
	PendingSince  time.Time
}

// PageLimit normalizes a requested page size.
func PageLimit(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	return n
}
