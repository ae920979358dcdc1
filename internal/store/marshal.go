package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/predcache/internal/ir"
)

// marshalConditions converts conditions to canonical JSON TEXT for storage.
// The stored form is exactly the one hashed into the predicate id.
func marshalConditions(conditions []ir.Condition) (string, error) {
	data, err := ir.MarshalCanonical(ir.ConditionsIR(conditions))
	if err != nil {
		return "", fmt.Errorf("marshal conditions: %w", err)
	}
	return string(data), nil
}

func unmarshalConditions(data string) ([]ir.Condition, error) {
	var conds []ir.Condition
	if err := json.Unmarshal([]byte(data), &conds); err != nil {
		return nil, fmt.Errorf("unmarshal conditions: %w", err)
	}
	return conds, nil
}

// encodeTime stores t as Unix nanoseconds; the zero time is 0.
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
