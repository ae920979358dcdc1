package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/predcache/internal/ir"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const predicateColumns = `
	id, owner, conditions, policy, nonce, last_result, update_count,
	last_check_time, pending_request, pending_since, created_at`

// Get returns the record for id, or NOT_FOUND.
func (s *Store) Get(ctx context.Context, id ir.PredicateID) (ir.PredicateRecord, error) {
	return getRecord(ctx, s.db, id)
}

func getRecord(ctx context.Context, q querier, id ir.PredicateID) (ir.PredicateRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+predicateColumns+` FROM predicates WHERE id = ?`, id.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.PredicateRecord{}, ir.NewNotFoundError(id)
	}
	if err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("get predicate: %w", err)
	}
	return rec, nil
}

// List returns predicates in registration order.
// Returns an empty slice (not nil) when there are no more records.
func (s *Store) List(ctx context.Context, opts ir.ListOpts) ([]ir.PredicateRecord, error) {
	var after int64
	if !opts.AfterID.IsZero() {
		err := s.db.QueryRowContext(ctx, `SELECT seq FROM predicates WHERE id = ?`, opts.AfterID.String()).Scan(&after)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ir.NewNotFoundError(opts.AfterID)
		}
		if err != nil {
			return nil, fmt.Errorf("list predicates: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+predicateColumns+` FROM predicates
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, after, ir.PageLimit(opts.Limit))
	if err != nil {
		return nil, fmt.Errorf("list predicates: %w", err)
	}
	defer rows.Close()

	records := []ir.PredicateRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list predicates: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list predicates: iterate: %w", err)
	}
	return records, nil
}

// Events reads the audit log in append order.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) Events(ctx context.Context, q ir.EventQuery) ([]ir.Event, error) {
	var predicateID string
	if !q.PredicateID.IsZero() {
		predicateID = q.PredicateID.String()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, predicate_id, owner, request_handle, result, update_count, reason, at
		FROM events
		WHERE seq > ? AND (? = '' OR predicate_id = ?)
		ORDER BY seq ASC
		LIMIT ?
	`, q.AfterSeq, predicateID, predicateID, ir.PageLimit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: iterate: %w", err)
	}
	return events, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (ir.PredicateRecord, error) {
	var (
		rec                              ir.PredicateRecord
		idText, conds, policy            string
		nonce, updateCount               int64
		result                           int
		lastCheck, pendingSince, created int64
		pending                          sql.NullString
	)
	if err := row.Scan(&idText, &rec.Owner, &conds, &policy, &nonce, &result, &updateCount,
		&lastCheck, &pending, &pendingSince, &created); err != nil {
		return ir.PredicateRecord{}, err
	}

	id, err := ir.ParsePredicateID(idText)
	if err != nil {
		return ir.PredicateRecord{}, err
	}
	rec.ID = id
	if rec.Conditions, err = unmarshalConditions(conds); err != nil {
		return ir.PredicateRecord{}, err
	}
	rec.Policy = ir.Policy(policy)
	rec.Nonce = uint64(nonce)
	rec.LastResult = ir.Result(result)
	rec.UpdateCount = uint64(updateCount)
	rec.LastCheckTime = decodeTime(lastCheck)
	rec.PendingRequest = pending.String
	rec.PendingSince = decodeTime(pendingSince)
	rec.CreatedAt = decodeTime(created)
	return rec, nil
}

func scanEvent(row scanner) (ir.Event, error) {
	var (
		e           ir.Event
		kind, idTxt string
		result      sql.NullInt64
		updateCount sql.NullInt64
		at          int64
	)
	if err := row.Scan(&e.Seq, &kind, &idTxt, &e.Owner, &e.RequestHandle, &result, &updateCount, &e.Reason, &at); err != nil {
		return ir.Event{}, err
	}
	e.Kind = ir.EventKind(kind)
	if idTxt != "" {
		id, err := ir.ParsePredicateID(idTxt)
		if err != nil {
			return ir.Event{}, err
		}
		e.PredicateID = id
	}
	if result.Valid {
		r := ir.Result(result.Int64)
		e.Result = &r
	}
	if updateCount.Valid {
		n := uint64(updateCount.Int64)
		e.UpdateCount = &n
	}
	e.At = decodeTime(at)
	return e, nil
}
