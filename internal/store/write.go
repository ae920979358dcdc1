package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/predcache/internal/ir"
)

// Request statuses in the correlation table.
const (
	requestPending = "pending"
	requestApplied = "applied"
	requestFailed  = "failed"
	requestExpired = "expired"
)

// Register validates a predicate definition, assigns it a content-derived id
// and stores it with result Unknown and no pending request.
//
// The id covers the next value of the store's nonce sequence, so two
// registrations of the same definition get distinct ids. If the id is already
// taken the next nonce is tried, up to maxIDAttempts times, after which
// DUPLICATE_ID is returned.
func (s *Store) Register(ctx context.Context, owner string, conditions []ir.Condition, policy ir.Policy) (ir.PredicateRecord, error) {
	if strings.TrimSpace(owner) == "" {
		return ir.PredicateRecord{}, ir.NewValidationError("owner", "owner is required")
	}
	if err := ir.ValidateConditions(conditions, policy); err != nil {
		return ir.PredicateRecord{}, err
	}
	condJSON, err := marshalConditions(conditions)
	if err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("register: %w", err)
	}

	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("register: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		nonce, err := nextNonce(ctx, tx)
		if err != nil {
			return ir.PredicateRecord{}, fmt.Errorf("register: %w", err)
		}
		id, err := ir.ComputePredicateID(owner, conditions, policy, nonce)
		if err != nil {
			return ir.PredicateRecord{}, fmt.Errorf("register: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO predicates (id, owner, conditions, policy, nonce, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, id.String(), owner, condJSON, string(policy), int64(nonce), encodeTime(now))
		if err != nil {
			return ir.PredicateRecord{}, fmt.Errorf("register: insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return ir.PredicateRecord{}, fmt.Errorf("register: rows affected: %w", err)
		}
		if n == 0 {
			slog.Warn("predicate id collision, retrying with next nonce", "id", id, "nonce", nonce)
			continue
		}

		if err := appendEvent(ctx, tx, ir.PredicateCreated(id, owner, now)); err != nil {
			return ir.PredicateRecord{}, fmt.Errorf("register: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return ir.PredicateRecord{}, fmt.Errorf("register: commit: %w", err)
		}

		return ir.PredicateRecord{
			ID:         id,
			Owner:      owner,
			Conditions: conditions,
			Policy:     policy,
			Nonce:      nonce,
			LastResult: ir.ResultUnknown,
			CreatedAt:  decodeTime(encodeTime(now)),
		}, nil
	}

	return ir.PredicateRecord{}, &ir.Error{
		Code:    ir.CodeDuplicateID,
		Message: fmt.Sprintf("no free predicate id after %d attempts", maxIDAttempts),
	}
}

// CompareAndSetPending records handle as the in-flight request of a predicate,
// but only if no request is pending. Fails with ALREADY_PENDING otherwise and
// with NOT_FOUND for an unknown id.
func (s *Store) CompareAndSetPending(ctx context.Context, id ir.PredicateID, handle string, now time.Time) error {
	if handle == "" {
		return ir.NewValidationError("request_handle", "request handle is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set pending: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE predicates SET pending_request = ?, pending_since = ?
		WHERE id = ? AND pending_request IS NULL
	`, handle, encodeTime(now), id.String())
	if err != nil {
		return fmt.Errorf("set pending: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set pending: rows affected: %w", err)
	}
	if n == 0 {
		var pending sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT pending_request FROM predicates WHERE id = ?`, id.String()).Scan(&pending)
		if errors.Is(err, sql.ErrNoRows) {
			return ir.NewNotFoundError(id)
		}
		if err != nil {
			return fmt.Errorf("set pending: %w", err)
		}
		return &ir.Error{Code: ir.CodeAlreadyPending, Message: "request already pending", PredicateID: id.String()}
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO requests (handle, predicate_id, status, sent_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(handle) DO NOTHING
	`, handle, id.String(), requestPending, encodeTime(now))
	if err != nil {
		return fmt.Errorf("set pending: insert request: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("set pending: rows affected: %w", err)
	} else if n == 0 {
		return ir.NewValidationError("request_handle", fmt.Sprintf("request handle %q already issued", handle))
	}

	if err := appendEvent(ctx, tx, ir.RequestSent(id, handle, now)); err != nil {
		return fmt.Errorf("set pending: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set pending: commit: %w", err)
	}
	return nil
}

// ApplyResult stores an oracle result for the predicate whose pending request
// is handle: the pending slot is cleared, the result cached, the update count
// incremented and the check time set, all in one transaction.
//
// A handle that was issued but is no longer pending fails with STALE_REQUEST;
// a handle never issued fails with NOT_FOUND. Neither mutates the predicate,
// and both are recorded as CallbackDiscarded in the audit log.
func (s *Store) ApplyResult(ctx context.Context, handle string, result ir.Result, now time.Time) (ir.PredicateRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("apply result: begin tx: %w", err)
	}
	defer tx.Rollback()

	var idText string
	err = tx.QueryRowContext(ctx, `SELECT predicate_id FROM requests WHERE handle = ?`, handle).Scan(&idText)
	if errors.Is(err, sql.ErrNoRows) {
		if err := discard(ctx, tx, ir.PredicateID{}, handle, ir.DiscardUnknown, now); err != nil {
			return ir.PredicateRecord{}, fmt.Errorf("apply result: %w", err)
		}
		return ir.PredicateRecord{}, &ir.Error{Code: ir.CodeNotFound, Message: fmt.Sprintf("request handle %q was never issued", handle)}
	}
	if err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("apply result: lookup request: %w", err)
	}
	id, err := ir.ParsePredicateID(idText)
	if err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("apply result: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE predicates
		SET pending_request = NULL,
		    pending_since = 0,
		    last_result = ?,
		    update_count = update_count + 1,
		    last_check_time = ?
		WHERE id = ? AND pending_request = ?
	`, int(result), encodeTime(now), idText, handle)
	if err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("apply result: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("apply result: rows affected: %w", err)
	}
	if n == 0 {
		if err := discard(ctx, tx, id, handle, ir.DiscardStale, now); err != nil {
			return ir.PredicateRecord{}, fmt.Errorf("apply result: %w", err)
		}
		return ir.PredicateRecord{}, &ir.Error{
			Code:        ir.CodeStaleRequest,
			Message:     fmt.Sprintf("request %q is not pending", handle),
			PredicateID: id.String(),
		}
	}

	if err := closeRequest(ctx, tx, handle, requestApplied, now); err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("apply result: %w", err)
	}

	rec, err := getRecord(ctx, tx, id)
	if err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("apply result: %w", err)
	}

	if err := appendEvent(ctx, tx, ir.ResultApplied(id, handle, result, rec.UpdateCount, now)); err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("apply result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("apply result: commit: %w", err)
	}
	return rec, nil
}

// ReleasePending rolls back a pending request whose oracle submission
// failed. It is a STALE_REQUEST no-op if handle is no longer pending.
func (s *Store) ReleasePending(ctx context.Context, id ir.PredicateID, handle, reason string) error {
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("release pending: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE predicates SET pending_request = NULL, pending_since = 0
		WHERE id = ? AND pending_request = ?
	`, id.String(), handle)
	if err != nil {
		return fmt.Errorf("release pending: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release pending: rows affected: %w", err)
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM predicates WHERE id = ?`, id.String()).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ir.NewNotFoundError(id)
		}
		if err != nil {
			return fmt.Errorf("release pending: %w", err)
		}
		return &ir.Error{Code: ir.CodeStaleRequest, Message: fmt.Sprintf("request %q is not pending", handle), PredicateID: id.String()}
	}

	if err := closeRequest(ctx, tx, handle, requestFailed, now); err != nil {
		return fmt.Errorf("release pending: %w", err)
	}
	if err := appendEvent(ctx, tx, ir.RequestFailed(id, handle, reason, now)); err != nil {
		return fmt.Errorf("release pending: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("release pending: commit: %w", err)
	}
	return nil
}

// ExpirePending clears every pending request that started before olderThan
// and records a RequestExpired event for each. A later callback for an
// expired handle is stale.
func (s *Store) ExpirePending(ctx context.Context, olderThan time.Time) ([]ir.Expired, error) {
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("expire pending: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, pending_request, pending_since FROM predicates
		WHERE pending_request IS NOT NULL AND pending_since < ?
		ORDER BY seq ASC
	`, encodeTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("expire pending: query: %w", err)
	}
	var expired []ir.Expired
	for rows.Next() {
		var idText, handle string
		var since int64
		if err := rows.Scan(&idText, &handle, &since); err != nil {
			rows.Close()
			return nil, fmt.Errorf("expire pending: scan: %w", err)
		}
		id, err := ir.ParsePredicateID(idText)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("expire pending: %w", err)
		}
		expired = append(expired, ir.Expired{PredicateID: id, RequestHandle: handle, PendingSince: decodeTime(since)})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("expire pending: iterate: %w", err)
	}
	rows.Close()

	for _, e := range expired {
		if _, err := tx.ExecContext(ctx, `
			UPDATE predicates SET pending_request = NULL, pending_since = 0
			WHERE id = ? AND pending_request = ?
		`, e.PredicateID.String(), e.RequestHandle); err != nil {
			return nil, fmt.Errorf("expire pending: update: %w", err)
		}
		if err := closeRequest(ctx, tx, e.RequestHandle, requestExpired, now); err != nil {
			return nil, fmt.Errorf("expire pending: %w", err)
		}
		if err := appendEvent(ctx, tx, ir.RequestExpired(e.PredicateID, e.RequestHandle, now)); err != nil {
			return nil, fmt.Errorf("expire pending: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("expire pending: commit: %w", err)
	}
	return expired, nil
}

// nextNonce advances the nonce sequence inside tx. Nonces start at 1.
func nextNonce(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `
		UPDATE sequences SET value = value + 1 WHERE name = 'nonce' RETURNING value
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next nonce: %w", err)
	}
	return uint64(n), nil
}

func closeRequest(ctx context.Context, tx *sql.Tx, handle, status string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE requests SET status = ?, closed_at = ? WHERE handle = ?
	`, status, encodeTime(now), handle)
	if err != nil {
		return fmt.Errorf("close request: %w", err)
	}
	return nil
}

// discard records a callback that was not applied. The surrounding
// transaction is committed so the audit record survives the error return.
func discard(ctx context.Context, tx *sql.Tx, id ir.PredicateID, handle, reason string, now time.Time) error {
	if err := appendEvent(ctx, tx, ir.CallbackDiscarded(id, handle, reason, now)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit discard: %w", err)
	}
	return nil
}

// appendEvent inserts an audit record. Callers run it inside the transaction
// of the state change it records.
func appendEvent(ctx context.Context, tx *sql.Tx, e ir.Event) error {
	var predicateID string
	if !e.PredicateID.IsZero() {
		predicateID = e.PredicateID.String()
	}
	var result, updateCount sql.NullInt64
	if e.Result != nil {
		result = sql.NullInt64{Int64: int64(*e.Result), Valid: true}
	}
	if e.UpdateCount != nil {
		updateCount = sql.NullInt64{Int64: int64(*e.UpdateCount), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (kind, predicate_id, owner, request_handle, result, update_count, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(e.Kind), predicateID, e.Owner, e.RequestHandle, result, updateCount, e.Reason, encodeTime(e.At))
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Kind, err)
	}
	return nil
}
