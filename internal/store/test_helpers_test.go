package store

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/predcache/internal/ir"
)

// testEpoch is the fixed wall time used by store tests.
var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// createTestStore opens a fresh store in a temp dir with a fixed clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(func() time.Time { return testEpoch }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleConditions() []ir.Condition {
	return []ir.Condition{
		{
			Endpoint:  "https://api.example.com/btc",
			AuthType:  ir.AuthNone,
			JSONPath:  "price",
			Operator:  ir.OpGT,
			Threshold: big.NewInt(30000),
		},
		{
			Endpoint:  "https://api.example.com/btc",
			AuthType:  ir.AuthNone,
			JSONPath:  "volume",
			Operator:  ir.OpGT,
			Threshold: big.NewInt(1000),
		},
	}
}

func registerSample(t *testing.T, s *Store, owner string) ir.PredicateRecord {
	t.Helper()
	rec, err := s.Register(context.Background(), owner, sampleConditions(), ir.PolicyAND)
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	return rec
}
