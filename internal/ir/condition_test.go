package ir

import (
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestConditionValidate(t *testing.T) {
	valid := sampleConditions()[0]

	tests := []struct {
		name   string
		mutate func(c *Condition)
		field  string
	}{
		{"empty endpoint", func(c *Condition) { c.Endpoint = "" }, "c.endpoint"},
		{"relative endpoint", func(c *Condition) { c.Endpoint = "/prices" }, "c.endpoint"},
		{"ftp endpoint", func(c *Condition) { c.Endpoint = "ftp://example.com/x" }, "c.endpoint"},
		{"bad auth", func(c *Condition) { c.AuthType = "oauth" }, "c.auth_type"},
		{"empty path", func(c *Condition) { c.JSONPath = "" }, "c.json_path"},
		{"root path", func(c *Condition) { c.JSONPath = "$" }, "c.json_path"},
		{"empty segment", func(c *Condition) { c.JSONPath = "a..b" }, "c.json_path"},
		{"unbalanced", func(c *Condition) { c.JSONPath = "a[0" }, "c.json_path"},
		{"bad operator", func(c *Condition) { c.Operator = "GTE" }, "c.operator"},
		{"nil threshold", func(c *Condition) { c.Threshold = nil }, "c.threshold"},
		{"threshold too large", func(c *Condition) { c.Threshold = new(big.Int).Add(MaxThreshold, big.NewInt(1)) }, "c.threshold"},
		{"threshold too small", func(c *Condition) { c.Threshold = new(big.Int).Sub(MinThreshold, big.NewInt(1)) }, "c.threshold"},
	}

	require.NoError(t, valid.Validate("c"))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate("c")
			require.Error(t, err)
			assert.True(t, IsValidation(err))

			var e *Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.field, e.Field)
		})
	}
}

func TestConditionValidate_EmptyAuthIsNone(t *testing.T) {
	conds := sampleConditions()
	for i := range conds {
		conds[i].AuthType = ""
	}
	require.NoError(t, ValidateConditions(conds, PolicyAND))
}

func TestValidateConditions(t *testing.T) {
	t.Run("empty list", func(t *testing.T) {
		err := ValidateConditions(nil, PolicyAND)
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("too many", func(t *testing.T) {
		conds := make([]Condition, MaxConditions+1)
		for i := range conds {
			conds[i] = sampleConditions()[0]
		}
		require.ErrorIs(t, ValidateConditions(conds, PolicyAND), ErrValidation)
	})

	t.Run("bad policy", func(t *testing.T) {
		require.ErrorIs(t, ValidateConditions(sampleConditions(), "XOR"), ErrValidation)
	})

	t.Run("reports index", func(t *testing.T) {
		conds := sampleConditions()
		conds[1].Operator = "??"
		err := ValidateConditions(conds, PolicyOR)
		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, "conditions[1].operator", e.Field)
	})
}

func TestConditionEvaluate(t *testing.T) {
	tests := []struct {
		op       Operator
		value    int64
		expected bool
	}{
		{OpGT, 101, true},
		{OpGT, 100, false},
		{OpLT, 99, true},
		{OpLT, 100, false},
		{OpEQ, 100, true},
		{OpEQ, 101, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.op, tt.value), func(t *testing.T) {
			c := Condition{Operator: tt.op, Threshold: big.NewInt(100)}
			assert.Equal(t, tt.expected, c.Evaluate(big.NewInt(tt.value)))
		})
	}
}

func TestEvaluateAllPriceVolume(t *testing.T) {
	conds := sampleConditions() // price > 30000, volume > 1000
	values := []*big.Int{big.NewInt(31000), big.NewInt(500)}

	and, err := EvaluateAll(conds, PolicyAND, values)
	require.NoError(t, err)
	assert.False(t, and, "volume check fails so AND is false")

	or, err := EvaluateAll(conds, PolicyOR, values)
	require.NoError(t, err)
	assert.True(t, or, "price check passes so OR is true")

	_, err = EvaluateAll(conds, PolicyAND, values[:1])
	assert.Error(t, err)
}

func TestPolicyCombineTruthTable(t *testing.T) {
	for _, a := range []bool{false, true} {
		for _, b := range []bool{false, true} {
			assert.Equal(t, a && b, PolicyAND.Combine([]bool{a, b}), "AND(%v,%v)", a, b)
			assert.Equal(t, a || b, PolicyOR.Combine([]bool{a, b}), "OR(%v,%v)", a, b)
		}
	}
}

func TestPolicyCombineProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		results := rapid.SliceOfN(rapid.Bool(), 1, MaxConditions).Draw(t, "results")

		anyTrue, allTrue := false, true
		for _, r := range results {
			anyTrue = anyTrue || r
			allTrue = allTrue && r
		}

		if PolicyAND.Combine(results) != allTrue {
			t.Fatalf("AND(%v) != %v", results, allTrue)
		}
		if PolicyOR.Combine(results) != anyTrue {
			t.Fatalf("OR(%v) != %v", results, anyTrue)
		}
	})
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path     string
		expected []PathSegment
	}{
		{"price", []PathSegment{{Key: "price"}}},
		{"$.data.price", []PathSegment{{Key: "data"}, {Key: "price"}}},
		{"bitcoin.usd", []PathSegment{{Key: "bitcoin"}, {Key: "usd"}}},
		{"$.data[2].close", []PathSegment{{Key: "data"}, {Index: 2, IsIndex: true}, {Key: "close"}}},
		{"$[0][1]", []PathSegment{{Index: 0, IsIndex: true}, {Index: 1, IsIndex: true}}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			segs, err := SplitPath(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, segs)
		})
	}

	for _, bad := range []string{"", "$", "$.", "a..b", "a[", "a[x]", "a]b", "a[-1]"} {
		_, err := SplitPath(bad)
		assert.Error(t, err, "path %q", bad)
	}
}

func TestSplitPathNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		path := rapid.StringMatching(`[$a-z.\[\]0-9]{0,12}`).Draw(t, "path")
		segs, err := SplitPath(path)
		if err == nil && len(segs) == 0 {
			t.Fatalf("SplitPath(%q) returned no segments and no error", path)
		}
		if err == nil && strings.TrimSpace(path) == "" {
			t.Fatalf("SplitPath accepted empty path")
		}
	})
}
