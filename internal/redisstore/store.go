// Package redisstore implements the predicate store on Redis.
//
// Each transition runs as a single Lua script, so the compare-and-set on a
// predicate's pending slot and the audit event recording it are applied
// atomically without any client-side lock. All keys share one hash tag and
// therefore one cluster slot.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/predcache/internal/ir"
	"github.com/roach88/predcache/internal/store"
)

// DefaultPrefix is the key prefix, including the hash tag.
const DefaultPrefix = "{predcache}"

const maxIDAttempts = 3

var _ store.Backend = (*Store)(nil)

// Store is a Redis-backed predicate store.
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides the key prefix. Keep a {hash tag} in it for Redis Cluster.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock sets the time source used for registration and rollback timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to addr and verifies the connection.
func Open(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *Store) predKey(id ir.PredicateID) string { return s.key("pred", id.String()) }
func (s *Store) reqKey(handle string) string      { return s.key("req", handle) }

// transitionKeys returns the audit keys followed by the predicate, request
// and pending-index keys.
func (s *Store) transitionKeys(id ir.PredicateID, handle string) []string {
	return []string{
		s.key("events"),
		s.key("seq", "event"),
		s.key("events", id.String()),
		s.predKey(id),
		s.reqKey(handle),
		s.key("pending"),
	}
}

// Register validates and stores a predicate. See store.Store.Register.
func (s *Store) Register(ctx context.Context, owner string, conditions []ir.Condition, policy ir.Policy) (ir.PredicateRecord, error) {
	if strings.TrimSpace(owner) == "" {
		return ir.PredicateRecord{}, ir.NewValidationError("owner", "owner is required")
	}
	if err := ir.ValidateConditions(conditions, policy); err != nil {
		return ir.PredicateRecord{}, err
	}
	condJSON, err := ir.MarshalCanonical(ir.ConditionsIR(conditions))
	if err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("register: marshal conditions: %w", err)
	}
	now := s.now().UTC()

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		n, err := s.client.Incr(ctx, s.key("seq", "nonce")).Result()
		if err != nil {
			return ir.PredicateRecord{}, fmt.Errorf("register: next nonce: %w", err)
		}
		nonce := uint64(n)
		id, err := ir.ComputePredicateID(owner, conditions, policy, nonce)
		if err != nil {
			return ir.PredicateRecord{}, fmt.Errorf("register: %w", err)
		}

		keys := []string{
			s.key("events"),
			s.key("seq", "event"),
			s.key("events", id.String()),
			s.predKey(id),
			s.key("preds"),
			s.key("seq", "pred"),
		}
		inserted, err := registerScript.Run(ctx, s.client, keys,
			id.String(), owner, string(condJSON), string(policy), nonce, encodeTime(now)).Int()
		if err != nil {
			return ir.PredicateRecord{}, fmt.Errorf("register: %w", err)
		}
		if inserted == 0 {
			slog.Warn("predicate id collision, retrying with next nonce", "id", id, "nonce", nonce)
			continue
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

// Get returns the record for id, or NOT_FOUND.
func (s *Store) Get(ctx context.Context, id ir.PredicateID) (ir.PredicateRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.predKey(id)).Result()
	if err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("get predicate: %w", err)
	}
	if len(fields) == 0 {
		return ir.PredicateRecord{}, ir.NewNotFoundError(id)
	}
	rec, err := decodeRecord(id, fields)
	if err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("get predicate: %w", err)
	}
	return rec, nil
}

// List returns predicates in registration order.
func (s *Store) List(ctx context.Context, opts ir.ListOpts) ([]ir.PredicateRecord, error) {
	start := "-inf"
	if !opts.AfterID.IsZero() {
		score, err := s.client.ZScore(ctx, s.key("preds"), opts.AfterID.String()).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ir.NewNotFoundError(opts.AfterID)
		}
		if err != nil {
			return nil, fmt.Errorf("list predicates: %w", err)
		}
		start = "(" + strconv.FormatFloat(score, 'f', -1, 64)
	}

	ids, err := s.client.ZRangeArgs(ctx, redis.ZRangeArgs{
		Key:     s.key("preds"),
		Start:   start,
		Stop:    "+inf",
		ByScore: true,
		Count:   int64(ir.PageLimit(opts.Limit)),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list predicates: %w", err)
	}

	records := make([]ir.PredicateRecord, 0, len(ids))
	for _, text := range ids {
		id, err := ir.ParsePredicateID(text)
		if err != nil {
			return nil, fmt.Errorf("list predicates: %w", err)
		}
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// CompareAndSetPending sets the pending request only if none is in flight.
func (s *Store) CompareAndSetPending(ctx context.Context, id ir.PredicateID, handle string, now time.Time) error {
	if handle == "" {
		return ir.NewValidationError("request_handle", "request handle is required")
	}
	status, err := setPendingScript.Run(ctx, s.client, s.transitionKeys(id, handle),
		id.String(), handle, encodeTime(now), now.UnixMicro()).Text()
	if err != nil {
		return fmt.Errorf("set pending: %w", err)
	}
	switch status {
	case "OK":
		return nil
	case "NOT_FOUND":
		return ir.NewNotFoundError(id)
	case "ALREADY_PENDING":
		return &ir.Error{Code: ir.CodeAlreadyPending, Message: "request already pending", PredicateID: id.String()}
	case "HANDLE_REUSED":
		return ir.NewValidationError("request_handle", fmt.Sprintf("request handle %q already issued", handle))
	}
	return fmt.Errorf("set pending: unexpected script status %q", status)
}

// ApplyResult stores an oracle result if handle is the pending request.
func (s *Store) ApplyResult(ctx context.Context, handle string, result ir.Result, now time.Time) (ir.PredicateRecord, error) {
	idText, err := s.client.HGet(ctx, s.reqKey(handle), "predicate_id").Result()
	if errors.Is(err, redis.Nil) {
		keys := []string{s.key("events"), s.key("seq", "event")}
		if err := discardUnknownScript.Run(ctx, s.client, keys, handle, encodeTime(now)).Err(); err != nil {
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

	res, err := applyScript.Run(ctx, s.client, s.transitionKeys(id, handle),
		id.String(), handle, int(result), encodeTime(now)).Slice()
	if err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("apply result: %w", err)
	}
	if len(res) == 0 {
		return ir.PredicateRecord{}, fmt.Errorf("apply result: empty script reply")
	}
	if status, _ := res[0].(string); status == "STALE" {
		return ir.PredicateRecord{}, &ir.Error{
			Code:        ir.CodeStaleRequest,
			Message:     fmt.Sprintf("request %q is not pending", handle),
			PredicateID: id.String(),
		}
	}
	if len(res) != 2 {
		return ir.PredicateRecord{}, fmt.Errorf("apply result: malformed script reply")
	}
	pairs, ok := res[1].([]any)
	if !ok {
		return ir.PredicateRecord{}, fmt.Errorf("apply result: malformed script reply")
	}
	rec, err := decodeRecord(id, pairsToMap(pairs))
	if err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("apply result: %w", err)
	}
	return rec, nil
}

// ReleasePending rolls back a pending request after a failed submission.
func (s *Store) ReleasePending(ctx context.Context, id ir.PredicateID, handle, reason string) error {
	now := s.now().UTC()
	status, err := releaseScript.Run(ctx, s.client, s.transitionKeys(id, handle),
		id.String(), handle, reason, encodeTime(now)).Text()
	if err != nil {
		return fmt.Errorf("release pending: %w", err)
	}
	switch status {
	case "OK":
		return nil
	case "NOT_FOUND":
		return ir.NewNotFoundError(id)
	case "STALE":
		return &ir.Error{Code: ir.CodeStaleRequest, Message: fmt.Sprintf("request %q is not pending", handle), PredicateID: id.String()}
	}
	return fmt.Errorf("release pending: unexpected script status %q", status)
}

// ExpirePending clears pending requests that started before olderThan.
//
// Candidates come from the pending index at microsecond resolution; the
// exact comparison happens here and the clear is guarded by the handle, so
// a request re-triggered in between is left alone.
func (s *Store) ExpirePending(ctx context.Context, olderThan time.Time) ([]ir.Expired, error) {
	now := s.now().UTC()

	candidates, err := s.client.ZRangeArgs(ctx, redis.ZRangeArgs{
		Key:     s.key("pending"),
		Start:   "-inf",
		Stop:    strconv.FormatInt(olderThan.UnixMicro(), 10),
		ByScore: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("expire pending: %w", err)
	}

	var expired []ir.Expired
	for _, text := range candidates {
		id, err := ir.ParsePredicateID(text)
		if err != nil {
			return nil, fmt.Errorf("expire pending: %w", err)
		}
		vals, err := s.client.HMGet(ctx, s.predKey(id), "pending_request", "pending_since").Result()
		if err != nil {
			return nil, fmt.Errorf("expire pending: %w", err)
		}
		handle, _ := vals[0].(string)
		sinceText, _ := vals[1].(string)
		if handle == "" {
			continue
		}
		since, err := strconv.ParseInt(sinceText, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expire pending: pending_since: %w", err)
		}
		if since >= encodeTime(olderThan) {
			continue
		}

		n, err := expireScript.Run(ctx, s.client, s.transitionKeys(id, handle),
			id.String(), handle, encodeTime(now)).Int()
		if err != nil {
			return nil, fmt.Errorf("expire pending: %w", err)
		}
		if n == 1 {
			expired = append(expired, ir.Expired{PredicateID: id, RequestHandle: handle, PendingSince: decodeTime(since)})
		}
	}
	return expired, nil
}

// Events reads the audit log in append order.
func (s *Store) Events(ctx context.Context, q ir.EventQuery) ([]ir.Event, error) {
	stream := s.key("events")
	if !q.PredicateID.IsZero() {
		stream = s.key("events", q.PredicateID.String())
	}

	msgs, err := s.client.XRangeN(ctx, stream, strconv.FormatInt(q.AfterSeq+1, 10), "+", int64(ir.PageLimit(q.Limit))).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	events := make([]ir.Event, 0, len(msgs))
	for _, m := range msgs {
		e, err := decodeEvent(m)
		if err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// VerifyLog replays a predicate's audit events against its record.
func (s *Store) VerifyLog(ctx context.Context, id ir.PredicateID) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	var all []ir.Event
	q := ir.EventQuery{PredicateID: id, Limit: 500}
	for {
		page, err := s.Events(ctx, q)
		if err != nil {
			return err
		}
		all = append(all, page...)
		if len(page) < q.Limit {
			break
		}
		q.AfterSeq = page[len(page)-1].Seq
	}
	return store.CheckRecord(rec, all)
}
