package redisstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/predcache/internal/ir"
)

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func decodeTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func pairsToMap(pairs []any) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		m[k] = v
	}
	return m
}

func intField(fields map[string]string, name string) (int64, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return n, nil
}

func decodeRecord(id ir.PredicateID, fields map[string]string) (ir.PredicateRecord, error) {
	rec := ir.PredicateRecord{
		ID:             id,
		Owner:          fields["owner"],
		Policy:         ir.Policy(fields["policy"]),
		PendingRequest: fields["pending_request"],
	}
	if err := json.Unmarshal([]byte(fields["conditions"]), &rec.Conditions); err != nil {
		return ir.PredicateRecord{}, fmt.Errorf("unmarshal conditions: %w", err)
	}

	ints := map[string]int64{}
	for _, name := range []string{"nonce", "last_result", "update_count", "last_check_time", "pending_since", "created_at"} {
		n, err := intField(fields, name)
		if err != nil {
			return ir.PredicateRecord{}, err
		}
		ints[name] = n
	}
	rec.Nonce = uint64(ints["nonce"])
	rec.LastResult = ir.Result(ints["last_result"])
	rec.UpdateCount = uint64(ints["update_count"])
	rec.LastCheckTime = decodeTime(ints["last_check_time"])
	rec.PendingSince = decodeTime(ints["pending_since"])
	rec.CreatedAt = decodeTime(ints["created_at"])
	return rec, nil
}

func decodeEvent(m redis.XMessage) (ir.Event, error) {
	seqText, _, _ := strings.Cut(m.ID, "-")
	seq, err := strconv.ParseInt(seqText, 10, 64)
	if err != nil {
		return ir.Event{}, fmt.Errorf("event id %q: %w", m.ID, err)
	}

	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		fields[k] = fmt.Sprint(v)
	}

	e := ir.Event{
		Seq:           seq,
		Kind:          ir.EventKind(fields["kind"]),
		Owner:         fields["owner"],
		RequestHandle: fields["request_handle"],
		Reason:        fields["reason"],
	}
	if text := fields["predicate_id"]; text != "" {
		if e.PredicateID, err = ir.ParsePredicateID(text); err != nil {
			return ir.Event{}, err
		}
	}
	if text := fields["result"]; text != "" {
		n, err := strconv.Atoi(text)
		if err != nil {
			return ir.Event{}, fmt.Errorf("event %d result: %w", seq, err)
		}
		r := ir.Result(n)
		e.Result = &r
	}
	if text := fields["update_count"]; text != "" {
		n, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return ir.Event{}, fmt.Errorf("event %d update_count: %w", seq, err)
		}
		e.UpdateCount = &n
	}
	at, err := intField(fields, "at")
	if err != nil {
		return ir.Event{}, err
	}
	e.At = decodeTime(at)
	return e, nil
}
