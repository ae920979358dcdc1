package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/roach88/predcache/internal/access"
	"github.com/roach88/predcache/internal/bridge"
	"github.com/roach88/predcache/internal/compiler"
	"github.com/roach88/predcache/internal/fee"
	"github.com/roach88/predcache/internal/ir"
	"github.com/roach88/predcache/internal/oracle"
	"github.com/roach88/predcache/internal/staticcall"
	"github.com/roach88/predcache/internal/store"
	"github.com/roach88/predcache/internal/testutil"
)

// Principals used by scenario steps unless a step overrides them with "as".
const (
	KeeperPrincipal = "keeper"
	OraclePrincipal = "oracle"
	DefaultOwner    = "owner"
)

// Harness is the test execution engine.
// It runs scenarios with a manual clock and sequential request handles.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	bridge   *bridge.Bridge
	reader   *staticcall.Reader
	oracle   *testutil.FakeOracle
	clock    *testutil.ManualClock
	logger   *slog.Logger

	defs       map[string]compiler.Definition
	ids        map[string]ir.PredicateID
	names      map[ir.PredicateID]string
	lastHandle map[string]string
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger for step tracing. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// New creates a harness for scenario backed by a fresh in-memory store.
func New(scenario *Scenario, opts ...Option) (*Harness, error) {
	h := &Harness{
		scenario:   scenario,
		clock:      testutil.NewManualClock(time.Time{}),
		oracle:     testutil.NewFakeOracle(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		defs:       make(map[string]compiler.Definition),
		ids:        make(map[string]ir.PredicateID),
		names:      make(map[ir.PredicateID]string),
		lastHandle: make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}

	if scenario.Definitions != "" {
		defs, err := compiler.LoadFile(scenario.Definitions)
		if err != nil {
			return nil, fmt.Errorf("load definitions: %w", err)
		}
		for _, d := range defs {
			h.defs[d.Name] = d
		}
		for _, p := range scenario.Predicates {
			if _, ok := h.defs[p.Definition]; p.Definition != "" && !ok {
				return nil, fmt.Errorf("predicate %q: definition %q not found", p.Name, p.Definition)
			}
		}
	}

	perUpdate, err := fee.ParseAmount(scenario.FeePerUpdate)
	if err != nil {
		return nil, err
	}
	meter, err := fee.New(perUpdate)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:", store.WithClock(h.clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	h.store = st

	acl := &access.Policy{Keeper: KeeperPrincipal, Oracle: OraclePrincipal}
	h.bridge = bridge.New(st, h.oracle, acl,
		bridge.WithHandleGenerator(testutil.NewSequentialHandles(scenario.HandlePrefix)),
		bridge.WithClock(h.clock.Now),
		bridge.WithFeeMeter(meter),
	)
	h.reader = staticcall.NewReader(st, staticcall.Address{})
	return h, nil
}

// Close releases the store.
func (h *Harness) Close() error {
	return h.store.Close()
}

// Run executes a scenario in a fresh harness.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := New(scenario)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Run(ctx)
}

// Run executes every step, then verifies each registered predicate against
// its audit log and collects the trace and final state.
//
// Expectation mismatches are reported in Result.Errors; the returned error is
// reserved for failures of the harness itself.
func (h *Harness) Run(ctx context.Context) (*Result, error) {
	result := NewResult()

	for i, step := range h.scenario.Steps {
		h.logger.Debug("step", "index", i, "do", step.Do, "predicate", step.Predicate)
		if err := h.runStep(ctx, result, i, step); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Do, err)
		}
	}

	for _, name := range h.registered() {
		id := h.ids[name]
		if err := h.store.VerifyLog(ctx, id); err != nil {
			result.AddError(fmt.Sprintf("predicate %s: audit log disagrees with record: %v", name, err))
		}
		rec, err := h.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		result.State[name] = PredicateState{
			Result:         rec.LastResult.String(),
			UpdateCount:    rec.UpdateCount,
			PendingRequest: rec.PendingRequest,
			Fee:            h.bridge.Fee(rec).String(),
		}
	}

	trace, err := h.trace(ctx)
	if err != nil {
		return nil, err
	}
	result.Trace = trace
	return result, nil
}

func (h *Harness) runStep(ctx context.Context, result *Result, i int, step Step) error {
	switch step.Do {
	case DoRegister:
		rec, err := h.register(ctx, step.Predicate)
		if err == nil {
			h.ids[step.Predicate] = rec.ID
			h.names[rec.ID] = step.Predicate
		}
		h.checkError(result, i, step, err)

	case DoTrigger:
		handle, err := h.bridge.Trigger(ctx, h.credential(step, KeeperPrincipal), h.ids[step.Predicate])
		if err == nil {
			h.lastHandle[step.Predicate] = handle
		}
		if h.checkError(result, i, step, err) && step.Expect != nil && step.Expect.Handle != "" && handle != step.Expect.Handle {
			result.AddError(fmt.Sprintf("steps[%d]: handle = %q, expected %q", i, handle, step.Expect.Handle))
		}

	case DoCallback:
		handle := step.Handle
		if handle == "" {
			handle = h.lastHandle[step.Predicate]
		}
		if handle == "" {
			return fmt.Errorf("no request handle issued for predicate %q", step.Predicate)
		}
		err := h.bridge.Callback(ctx, h.credential(step, OraclePrincipal), handle, callbackResponse(step))
		h.checkError(result, i, step, err)

	case DoExpire:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return err
		}
		n, err := h.bridge.ExpireStale(ctx, d)
		if h.checkError(result, i, step, err) && step.Expect != nil && step.Expect.Expired != nil && n != *step.Expect.Expired {
			result.AddError(fmt.Sprintf("steps[%d]: expired %d requests, expected %d", i, n, *step.Expect.Expired))
		}

	case DoAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return err
		}
		h.clock.Advance(d)

	case DoRead:
		rec, err := h.store.Get(ctx, h.ids[step.Predicate])
		if h.checkError(result, i, step, err) && step.Expect != nil {
			h.checkRead(ctx, result, i, step.Expect, rec)
		}

	case DoOracleDown:
		reason := step.Reason
		if reason == "" {
			reason = "oracle unavailable"
		}
		h.oracle.FailWith(errors.New(reason))

	case DoOracleUp:
		h.oracle.FailWith(nil)

	default:
		return fmt.Errorf("unknown action %q", step.Do)
	}
	return nil
}

// checkError compares err with the step's expected error code and reports
// whether the step succeeded.
func (h *Harness) checkError(result *Result, i int, step Step, err error) bool {
	want := ""
	if step.Expect != nil {
		want = step.Expect.Error
	}
	got := ""
	if err != nil {
		got = string(ir.CodeOf(err))
		if got == "" {
			got = err.Error()
		}
	}
	if got != want {
		if want == "" {
			result.AddError(fmt.Sprintf("steps[%d] (%s): unexpected error: %v", i, step.Do, err))
		} else {
			result.AddError(fmt.Sprintf("steps[%d] (%s): error = %q, expected %q", i, step.Do, got, want))
		}
	}
	return err == nil
}

func (h *Harness) checkRead(ctx context.Context, result *Result, i int, want *Expect, rec ir.PredicateRecord) {
	if want.Result != "" {
		r, _ := ir.ParseResult(want.Result)
		if rec.LastResult != r {
			result.AddError(fmt.Sprintf("steps[%d]: result = %s, expected %s", i, rec.LastResult, r))
		}
	}
	if want.UpdateCount != nil && rec.UpdateCount != *want.UpdateCount {
		result.AddError(fmt.Sprintf("steps[%d]: update_count = %d, expected %d", i, rec.UpdateCount, *want.UpdateCount))
	}
	if want.Pending != nil && rec.Pending() != *want.Pending {
		result.AddError(fmt.Sprintf("steps[%d]: pending = %t, expected %t", i, rec.Pending(), *want.Pending))
	}
	if want.Fee != "" {
		if got := h.bridge.Fee(rec).String(); got != want.Fee {
			result.AddError(fmt.Sprintf("steps[%d]: fee = %s, expected %s", i, got, want.Fee))
		}
	}
	if want.Static != nil {
		word, err := h.reader.Call(ctx, staticcall.EncodeReadCall(rec.ID))
		if err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: static read: %v", i, err))
			return
		}
		if got := new(big.Int).SetBytes(word[:]); !got.IsUint64() || got.Uint64() != *want.Static {
			result.AddError(fmt.Sprintf("steps[%d]: static read = %s, expected %d", i, got, *want.Static))
		}
	}
}

func (h *Harness) credential(step Step, fallback string) access.Credential {
	if step.As != "" {
		return access.As(step.As)
	}
	return access.As(fallback)
}

func (h *Harness) register(ctx context.Context, name string) (ir.PredicateRecord, error) {
	spec := h.spec(name)
	owner := spec.Owner
	if owner == "" {
		owner = DefaultOwner
	}

	var conditions []ir.Condition
	var policy ir.Policy
	if spec.Definition != "" {
		def := h.defs[spec.Definition]
		conditions, policy = def.Conditions, def.Policy
	} else {
		var err error
		if conditions, err = buildConditions(spec.Conditions); err != nil {
			return ir.PredicateRecord{}, err
		}
		policy = ir.PolicyAND
		if spec.Policy != "" {
			if policy, err = ir.ParsePolicy(spec.Policy); err != nil {
				policy = ir.Policy(spec.Policy)
			}
		}
	}
	return h.store.Register(ctx, owner, conditions, policy)
}

func (h *Harness) spec(name string) PredicateSpec {
	for _, p := range h.scenario.Predicates {
		if p.Name == name {
			return p
		}
	}
	return PredicateSpec{Name: name}
}

// buildConditions converts YAML conditions. Unknown operators and auth types
// are kept verbatim so registration reports them with a field path.
func buildConditions(specs []ConditionSpec) ([]ir.Condition, error) {
	out := make([]ir.Condition, len(specs))
	for i, c := range specs {
		op, err := ir.ParseOperator(c.Operator)
		if err != nil {
			op = ir.Operator(c.Operator)
		}
		auth := ir.AuthType(c.AuthType)
		if auth == "" {
			auth = ir.AuthNone
		}
		var threshold *big.Int
		if c.Threshold != "" {
			n, ok := new(big.Int).SetString(c.Threshold, 10)
			if !ok {
				return nil, ir.NewValidationError(fmt.Sprintf("conditions[%d].threshold", i), fmt.Sprintf("%q is not an integer", c.Threshold))
			}
			threshold = n
		}
		out[i] = ir.Condition{
			Endpoint:  c.Endpoint,
			AuthType:  auth,
			JSONPath:  c.JSONPath,
			Operator:  op,
			Threshold: threshold,
		}
	}
	return out, nil
}

func callbackResponse(step Step) oracle.Response {
	switch step.Result {
	case CallbackTrue:
		return oracle.Response{Data: oracle.EncodeResult(true)}
	case CallbackFalse:
		return oracle.Response{Data: oracle.EncodeResult(false)}
	case CallbackError:
		reason := step.Reason
		if reason == "" {
			reason = "evaluation failed"
		}
		return oracle.Response{Err: reason}
	default:
		return oracle.Response{Data: []byte{0x01}}
	}
}

// registered returns the names of registered predicates in sorted order.
func (h *Harness) registered() []string {
	names := make([]string, 0, len(h.ids))
	for name := range h.ids {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Harness) trace(ctx context.Context) ([]TraceEvent, error) {
	trace := []TraceEvent{}
	q := ir.EventQuery{Limit: ir.DefaultPageSize}
	for {
		page, err := h.store.Events(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			trace = append(trace, h.traceEvent(e))
		}
		if len(page) < q.Limit {
			return trace, nil
		}
		q.AfterSeq = page[len(page)-1].Seq
	}
}

func (h *Harness) traceEvent(e ir.Event) TraceEvent {
	te := TraceEvent{
		Seq:         e.Seq,
		Kind:        string(e.Kind),
		Owner:       e.Owner,
		Handle:      e.RequestHandle,
		UpdateCount: e.UpdateCount,
		Reason:      e.Reason,
		At:          e.At,
	}
	if !e.PredicateID.IsZero() {
		te.Predicate = h.names[e.PredicateID]
		if te.Predicate == "" {
			te.Predicate = e.PredicateID.String()
		}
	}
	if e.Result != nil {
		te.Result = e.Result.String()
	}
	return te
}
