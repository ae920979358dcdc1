package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/predcache/internal/access"
	"github.com/roach88/predcache/internal/ir"
	"github.com/roach88/predcache/internal/oracle"
	"github.com/roach88/predcache/internal/telemetry"
)

// Trigger starts an evaluation of id and returns its request handle.
//
// Only the keeper may trigger. A predicate with a request in flight fails
// with EVALUATION_IN_PROGRESS and nothing is sent. If the oracle rejects the
// request the pending slot is released and ORACLE_SUBMISSION_FAILURE is
// returned, so the keeper can simply retry later.
func (b *Bridge) Trigger(ctx context.Context, cred access.Credential, id ir.PredicateID) (string, error) {
	if err := b.acl.AuthorizeKeeper(cred); err != nil {
		b.metrics.Trigger(ctx, telemetry.OutcomeRejected)
		return "", err
	}

	rec, err := b.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	handle := b.handles.Generate()
	if err := b.store.CompareAndSetPending(ctx, id, handle, b.now()); err != nil {
		if errors.Is(err, ir.ErrAlreadyPending) {
			b.metrics.Trigger(ctx, telemetry.OutcomeInProgress)
			slog.Debug("trigger skipped: evaluation in progress", "id", id)
			return "", &ir.Error{
				Code:        ir.CodeEvaluationInProgress,
				Message:     "an evaluation is already in flight",
				PredicateID: id.String(),
			}
		}
		return "", err
	}

	req := oracle.Request{
		Handle:         handle,
		PredicateID:    id,
		Conditions:     rec.Conditions,
		Policy:         rec.Policy,
		CallbackTarget: b.callbackTarget,
		SubscriptionID: b.passthrough.SubscriptionID,
		GasLimit:       b.passthrough.GasLimit,
		DONID:          b.passthrough.DONID,
	}
	if err := b.submit(ctx, req); err != nil {
		b.metrics.Trigger(ctx, telemetry.OutcomeSubmissionFailed)
		slog.Warn("oracle submission failed", "id", id, "handle", handle, "error", err)

		// Roll back even if the caller's context is already done.
		rollbackCtx := context.WithoutCancel(ctx)
		if rerr := b.store.ReleasePending(rollbackCtx, id, handle, err.Error()); rerr != nil && !ir.IsStale(rerr) {
			slog.Error("release pending failed", "id", id, "handle", handle, "error", rerr)
		}
		return "", &ir.Error{
			Code:        ir.CodeOracleSubmission,
			Message:     "oracle did not accept the request",
			PredicateID: id.String(),
			Err:         err,
		}
	}

	b.metrics.Trigger(ctx, telemetry.OutcomeSent)
	slog.Info("evaluation requested", "id", id, "handle", handle)
	return handle, nil
}

func (b *Bridge) submit(ctx context.Context, req oracle.Request) error {
	if b.oracleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.oracleTimeout)
		defer cancel()
	}
	start := time.Now()
	err := b.client.Submit(ctx, req)
	b.metrics.SubmitDuration(ctx, time.Since(start), err == nil)
	return err
}

// Callback applies an oracle result for handle.
//
// Only the oracle may call back. The raw response is decoded into a result;
// an error report or a malformed word becomes Unknown and still counts as an
// update. Callbacks for stale or never-issued handles are recorded in the
// audit log and absorbed: Callback returns nil for them.
func (b *Bridge) Callback(ctx context.Context, cred access.Credential, handle string, resp oracle.Response) error {
	if err := b.acl.AuthorizeOracle(cred); err != nil {
		return err
	}

	result := oracle.DecodeResult(resp)
	if resp.Err != "" {
		slog.Warn("oracle reported evaluation error", "handle", handle, "error", resp.Err)
	} else if len(resp.Data) != oracle.WordSize {
		slog.Warn("malformed oracle result", "handle", handle, "bytes", len(resp.Data))
	}

	rec, err := b.store.ApplyResult(ctx, handle, result, b.now())
	switch {
	case err == nil:
		b.metrics.Callback(ctx, telemetry.OutcomeApplied, result)
		slog.Info("result applied",
			"id", rec.ID,
			"handle", handle,
			"result", result.String(),
			"update_count", rec.UpdateCount,
		)
		return nil
	case ir.IsStale(err):
		b.metrics.Callback(ctx, telemetry.OutcomeStale, result)
		slog.Info("stale callback discarded", "handle", handle, "error", err)
		return nil
	case ir.IsNotFound(err):
		b.metrics.Callback(ctx, telemetry.OutcomeUnknownRequest, result)
		slog.Warn("callback for unknown request discarded", "handle", handle)
		return nil
	default:
		return fmt.Errorf("apply result: %w", err)
	}
}

// Deliver adapts Callback to the local oracle simulator, presenting cred on
// every delivery.
func (b *Bridge) Deliver(cred access.Credential) oracle.DeliverFunc {
	return func(ctx context.Context, handle string, resp oracle.Response) error {
		return b.Callback(ctx, cred, handle, resp)
	}
}

// ExpireStale clears requests pending for longer than maxAge and returns how
// many were cleared. The timeout is advisory: it only unblocks future
// triggers, and a late callback for a cleared handle is stale.
func (b *Bridge) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, ir.NewValidationError("max_age", "must be positive")
	}
	expired, err := b.store.ExpirePending(ctx, b.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("expire stale: %w", err)
	}
	for _, e := range expired {
		slog.Info("pending request expired",
			"id", e.PredicateID,
			"handle", e.RequestHandle,
			"pending_since", e.PendingSince,
		)
	}
	b.metrics.Expired(ctx, len(expired))
	return len(expired), nil
}
