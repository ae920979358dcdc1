package compiler

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/predcache/internal/ir"
)

const twoPredicates = `
predicate: btc_above_30k: {
	conditions: [{
		endpoint:  "https://api.example.com/btc"
		json_path: "bitcoin.usd"
		operator:  "GT"
		threshold: 30000
	}]
}

predicate: calm_market: {
	policy: "OR"
	conditions: [{
		endpoint:  "https://api.example.com/vol"
		auth_type: "api_key"
		json_path: "$.data[0].vol"
		operator:  "<"
		threshold: "-57896044618658097711785492504343953926634992332820282019728792003956564819968"
	}, {
		endpoint:  "https://api.example.com/spread"
		auth_type: "bearer"
		json_path: "spread.bps"
		operator:  "EQ"
		threshold: 57896044618658097711785492504343953926634992332820282019728792003956564819967
	}]
}
`

func TestCompileSource(t *testing.T) {
	defs, err := CompileSource([]byte(twoPredicates), "predicates.cue")
	require.NoError(t, err)
	require.Len(t, defs, 2)

	btc := defs[0]
	assert.Equal(t, "btc_above_30k", btc.Name)
	assert.Equal(t, ir.PolicyAND, btc.Policy, "policy defaults to AND")
	require.Len(t, btc.Conditions, 1)
	assert.Equal(t, ir.AuthNone, btc.Conditions[0].AuthType, "auth_type defaults to none")
	assert.Equal(t, ir.OpGT, btc.Conditions[0].Operator)
	assert.Equal(t, big.NewInt(30000), btc.Conditions[0].Threshold)

	calm := defs[1]
	assert.Equal(t, "calm_market", calm.Name)
	assert.Equal(t, ir.PolicyOR, calm.Policy)
	require.Len(t, calm.Conditions, 2)
	assert.Equal(t, ir.OpLT, calm.Conditions[0].Operator)
	assert.Equal(t, ir.AuthAPIKey, calm.Conditions[0].AuthType)
	assert.Equal(t, 0, calm.Conditions[0].Threshold.Cmp(ir.MinThreshold))
	assert.Equal(t, ir.AuthBearer, calm.Conditions[1].AuthType)
	assert.Equal(t, 0, calm.Conditions[1].Threshold.Cmp(ir.MaxThreshold))
}

func TestCompilePredicate_Value(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(twoPredicates)
	require.NoError(t, v.Err())

	def, err := CompilePredicate(v.LookupPath(cue.ParsePath("predicate.calm_market")))
	require.NoError(t, err)
	assert.Equal(t, "calm_market", def.Name)
}

func TestCompileSource_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{
			name: "float threshold",
			src: `predicate: p: conditions: [{
				endpoint: "https://a.example", json_path: "x", operator: "GT", threshold: 1.5
			}]`,
			field: "cue",
		},
		{
			name:  "no conditions",
			src:   `predicate: p: conditions: []`,
			field: "cue",
		},
		{
			name: "bad scheme",
			src: `predicate: p: conditions: [{
				endpoint: "ftp://a.example", json_path: "x", operator: "GT", threshold: 1
			}]`,
			field: "cue",
		},
		{
			name: "unknown field",
			src: `predicate: p: conditions: [{
				endpoint: "https://a.example", json_path: "x", operator: "GT", threshold: 1, unit: "usd"
			}]`,
			field: "cue",
		},
		{
			name: "threshold out of range",
			src: `predicate: p: conditions: [{
				endpoint: "https://a.example", json_path: "x", operator: "GT",
				threshold: 57896044618658097711785492504343953926634992332820282019728792003956564819968
			}]`,
			field: "conditions[0].threshold",
		},
		{
			name: "bad json path",
			src: `predicate: p: conditions: [{
				endpoint: "https://a.example", json_path: "a..b", operator: "GT", threshold: 1
			}]`,
			field: "conditions[0].json_path",
		},
		{
			name: "non-numeric threshold string",
			src: `predicate: p: conditions: [{
				endpoint: "https://a.example", json_path: "x", operator: "GT", threshold: "lots"
			}]`,
			field: "conditions[0].threshold",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileSource([]byte(tt.src), "bad.cue")
			require.Error(t, err)
			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestCompileSource_NoPredicates(t *testing.T) {
	_, err := CompileSource([]byte(`other: 1`), "empty.cue")
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "predicate", ce.Field)
}

func TestCompileError_Position(t *testing.T) {
	_, err := CompileSource([]byte("predicate: p: conditions: [{\n\tendpoint: 42\n}]\n"), "pos.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pos.cue:")

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	require.True(t, ce.Pos.IsValid())
	assert.Equal(t, "pos.cue", ce.Pos.Filename())
	assert.Equal(t, 2, ce.Pos.Line())
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cue"), []byte("package defs\n"+twoPredicates), 0o644))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, defs, 2)

	single, err := LoadDir(filepath.Join(dir, "a.cue"))
	require.NoError(t, err)
	assert.Len(t, single, 2)

	_, err = LoadDir(t.TempDir())
	assert.Error(t, err)
}

const onePredicate = `
predicate: sol_below_200: conditions: [{
	endpoint:  "https://api.example.com/sol"
	json_path: "solana.usd"
	operator:  "LT"
	threshold: 200
}]
`

func TestLoadDir_WithoutPackageClause(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cue"), []byte(twoPredicates), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.cue"), []byte(onePredicate), 0o644))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "btc_above_30k", defs[0].Name)
	assert.Equal(t, "calm_market", defs[1].Name)
	assert.Equal(t, "sol_below_200", defs[2].Name)
}

func TestLoadDir_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cue"), []byte(onePredicate), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.cue"), []byte(onePredicate), 0o644))

	_, err := LoadDir(dir)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "predicate.sol_below_200", ce.Field)
	assert.Contains(t, ce.Message, "a.cue")
}

func TestLoadDir_HarnessDefinitions(t *testing.T) {
	defs, err := LoadDir(filepath.Join("..", "harness", "testdata", "definitions"))
	require.NoError(t, err)
	assert.NotEmpty(t, defs)
}
