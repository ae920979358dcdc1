// Package bridge implements the evaluation state machine that links the
// predicate store to the compute oracle.
//
// A predicate is Idle when it has no pending request and Pending while one
// evaluation is in flight:
//
//	Idle --Trigger--> Pending --Callback(matching)--> Idle (result applied)
//	Pending --Callback(stale)--> Pending (discarded, audited)
//	Pending --submit failure--> Idle (rolled back)
//	Pending --ExpireStale--> Idle (advisory timeout)
//
// Every transition is a single store operation, so two concurrent triggers
// for the same predicate cannot both reach the oracle.
package bridge

import (
	"context"
	"math/big"
	"time"

	"github.com/roach88/predcache/internal/access"
	"github.com/roach88/predcache/internal/fee"
	"github.com/roach88/predcache/internal/ir"
	"github.com/roach88/predcache/internal/oracle"
	"github.com/roach88/predcache/internal/telemetry"
)

// DefaultOracleTimeout bounds a single Submit call.
const DefaultOracleTimeout = 10 * time.Second

// Store is the subset of the predicate store the bridge drives.
type Store interface {
	Get(ctx context.Context, id ir.PredicateID) (ir.PredicateRecord, error)
	CompareAndSetPending(ctx context.Context, id ir.PredicateID, handle string, now time.Time) error
	ApplyResult(ctx context.Context, handle string, result ir.Result, now time.Time) (ir.PredicateRecord, error)
	ReleasePending(ctx context.Context, id ir.PredicateID, handle, reason string) error
	ExpirePending(ctx context.Context, olderThan time.Time) ([]ir.Expired, error)
}

// Passthrough carries oracle-network settings copied onto every request.
type Passthrough struct {
	SubscriptionID uint64
	GasLimit       uint32
	DONID          string
}

// Bridge drives evaluations. Safe for concurrent use.
type Bridge struct {
	store   Store
	client  oracle.Client
	acl     access.Policy
	handles HandleGenerator
	now     func() time.Time
	meter   *fee.Meter
	metrics *telemetry.Metrics

	callbackTarget string
	passthrough    Passthrough
	oracleTimeout  time.Duration
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithHandleGenerator sets the request handle source. Default: UUIDv7Generator.
func WithHandleGenerator(g HandleGenerator) Option {
	return func(b *Bridge) { b.handles = g }
}

// WithClock sets the wall time source used for pending and check timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// WithCallbackTarget sets where the oracle is told to deliver results.
func WithCallbackTarget(target string) Option {
	return func(b *Bridge) { b.callbackTarget = target }
}

// WithPassthrough sets the subscription, gas limit and DON id forwarded to the oracle.
func WithPassthrough(p Passthrough) Option {
	return func(b *Bridge) { b.passthrough = p }
}

// WithMetrics enables metric recording.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithOracleTimeout bounds each Submit call. Zero or negative disables the bound.
func WithOracleTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.oracleTimeout = d }
}

// WithFeeMeter sets the meter used by GetAccruedFee. Default: free evaluations.
func WithFeeMeter(m *fee.Meter) Option {
	return func(b *Bridge) { b.meter = m }
}

// New creates a Bridge over store and client. acl may be nil only in tests
// that never call Trigger or Callback; a nil policy denies everyone.
func New(store Store, client oracle.Client, acl *access.Policy, opts ...Option) *Bridge {
	b := &Bridge{
		store:         store,
		client:        client,
		handles:       UUIDv7Generator{},
		now:           time.Now,
		oracleTimeout: DefaultOracleTimeout,
	}
	if acl != nil {
		b.acl = *acl
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.meter == nil {
		b.meter, _ = fee.New(nil)
	}
	return b
}

// GetResult returns the cached result. Never contacts the oracle.
func (b *Bridge) GetResult(ctx context.Context, id ir.PredicateID) (ir.Result, error) {
	rec, err := b.store.Get(ctx, id)
	if err != nil {
		return ir.ResultUnknown, err
	}
	return rec.LastResult, nil
}

// GetUpdateCount returns the number of applied callbacks.
func (b *Bridge) GetUpdateCount(ctx context.Context, id ir.PredicateID) (uint64, error) {
	rec, err := b.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return rec.UpdateCount, nil
}

// GetAccruedFee returns updateCount * feePerUpdate.
func (b *Bridge) GetAccruedFee(ctx context.Context, id ir.PredicateID) (*big.Int, error) {
	rec, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return b.meter.FeeOf(rec), nil
}

// Fee returns the accrued fee of a record already in hand.
func (b *Bridge) Fee(rec ir.PredicateRecord) *big.Int {
	return b.meter.FeeOf(rec)
}
