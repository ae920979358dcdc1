package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/predcache/internal/ir"
	"github.com/roach88/predcache/internal/oracle"
)

func TestSequentialHandles(t *testing.T) {
	gen := NewSequentialHandles("")

	assert.Equal(t, "req-0001", gen.Peek())
	assert.Equal(t, "req-0001", gen.Generate())
	assert.Equal(t, "req-0002", gen.Generate())
	assert.Equal(t, "req-0003", gen.Peek())
}

func TestSequentialHandles_Prefix(t *testing.T) {
	gen := NewSequentialHandles("scenario")
	assert.Equal(t, "scenario-0001", gen.Generate())
}

func TestFakeOracle(t *testing.T) {
	f := NewFakeOracle()
	ctx := context.Background()

	_, ok := f.Last()
	assert.False(t, ok)

	require.NoError(t, f.Submit(ctx, oracle.Request{Handle: "a", PredicateID: ir.PredicateID{1}}))
	require.NoError(t, f.Submit(ctx, oracle.Request{Handle: "b"}))

	boom := errors.New("gateway down")
	f.FailWith(boom)
	assert.ErrorIs(t, f.Submit(ctx, oracle.Request{Handle: "c"}), boom)

	reqs := f.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "a", reqs[0].Handle)
	last, ok := f.Last()
	require.True(t, ok)
	assert.Equal(t, "b", last.Handle)

	f.FailWith(nil)
	require.NoError(t, f.Submit(ctx, oracle.Request{Handle: "d"}))
	assert.Len(t, f.Requests(), 3)
}
