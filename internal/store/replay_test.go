package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/predcache/internal/ir"
)

func TestVerifyLog_FullLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := registerSample(t, s, "0xowner")

	// applied, failed, expired, applied, plus a stale callback
	require.NoError(t, s.CompareAndSetPending(ctx, rec.ID, "r1", testEpoch))
	_, err := s.ApplyResult(ctx, "r1", ir.ResultTrue, testEpoch)
	require.NoError(t, err)

	require.NoError(t, s.CompareAndSetPending(ctx, rec.ID, "r2", testEpoch))
	require.NoError(t, s.ReleasePending(ctx, rec.ID, "r2", "boom"))

	require.NoError(t, s.CompareAndSetPending(ctx, rec.ID, "r3", testEpoch))
	_, err = s.ExpirePending(ctx, testEpoch.Add(1))
	require.NoError(t, err)

	require.NoError(t, s.CompareAndSetPending(ctx, rec.ID, "r4", testEpoch))
	_, err = s.ApplyResult(ctx, "r3", ir.ResultTrue, testEpoch)
	require.ErrorIs(t, err, ir.ErrStaleRequest)
	_, err = s.ApplyResult(ctx, "r4", ir.ResultFalse, testEpoch)
	require.NoError(t, err)

	require.NoError(t, s.VerifyLog(ctx, rec.ID))

	events, err := s.Events(ctx, ir.EventQuery{PredicateID: rec.ID})
	require.NoError(t, err)
	st, err := Replay(events)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.UpdateCount)
	assert.Equal(t, ir.ResultFalse, st.LastResult)
	assert.Equal(t, 1, st.Discarded)
	assert.Empty(t, st.Pending)
}

func TestVerifyLog_NotFound(t *testing.T) {
	s := createTestStore(t)
	err := s.VerifyLog(context.Background(), ir.PredicateID{0x01})
	assert.ErrorIs(t, err, ir.ErrNotFound)
}

func TestVerifyLog_DetectsTamperedRecord(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := registerSample(t, s, "0xowner")

	_, err := s.db.Exec(`UPDATE predicates SET update_count = 7 WHERE id = ?`, rec.ID.String())
	require.NoError(t, err)

	err = s.VerifyLog(ctx, rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update count 7")
}

func TestReplay_RejectsImpossibleSequences(t *testing.T) {
	id := ir.PredicateID{0x01}
	created := ir.PredicateCreated(id, "0xowner", testEpoch)

	tests := []struct {
		name   string
		events []ir.Event
	}{
		{"event before creation", []ir.Event{ir.RequestSent(id, "r1", testEpoch)}},
		{"double send", []ir.Event{created, ir.RequestSent(id, "r1", testEpoch), ir.RequestSent(id, "r2", testEpoch)}},
		{"apply without send", []ir.Event{created, ir.ResultApplied(id, "r1", ir.ResultTrue, 1, testEpoch)}},
		{"count skips", []ir.Event{created, ir.RequestSent(id, "r1", testEpoch), ir.ResultApplied(id, "r1", ir.ResultTrue, 2, testEpoch)}},
		{"unknown kind", []ir.Event{created, {Kind: "Bogus"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Replay(tt.events)
			assert.Error(t, err)
		})
	}
}
