package store

import (
	"context"
	"time"

	"github.com/roach88/predcache/internal/ir"
)

// Backend is the full predicate store contract. The SQLite Store is the
// primary implementation; redisstore provides a second one.
type Backend interface {
	Register(ctx context.Context, owner string, conditions []ir.Condition, policy ir.Policy) (ir.PredicateRecord, error)
	Get(ctx context.Context, id ir.PredicateID) (ir.PredicateRecord, error)
	List(ctx context.Context, opts ir.ListOpts) ([]ir.PredicateRecord, error)
	CompareAndSetPending(ctx context.Context, id ir.PredicateID, handle string, now time.Time) error
	ApplyResult(ctx context.Context, handle string, result ir.Result, now time.Time) (ir.PredicateRecord, error)
	ReleasePending(ctx context.Context, id ir.PredicateID, handle, reason string) error
	ExpirePending(ctx context.Context, olderThan time.Time) ([]ir.Expired, error)
	Events(ctx context.Context, q ir.EventQuery) ([]ir.Event, error)
	VerifyLog(ctx context.Context, id ir.PredicateID) error
	Close() error
}

var _ Backend = (*Store)(nil)
