package ir

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleConditions() []Condition {
	return []Condition{
		{
			Endpoint:  "https://api.example.com/btc",
			AuthType:  AuthNone,
			JSONPath:  "$.price",
			Operator:  OpGT,
			Threshold: big.NewInt(30000),
		},
		{
			Endpoint:  "https://api.example.com/btc",
			AuthType:  AuthNone,
			JSONPath:  "$.volume",
			Operator:  OpGT,
			Threshold: big.NewInt(1000),
		},
	}
}

func TestComputePredicateIDDeterminism(t *testing.T) {
	conds := sampleConditions()

	id1, err := ComputePredicateID("0xmaker", conds, PolicyAND, 1)
	require.NoError(t, err)
	id2, err := ComputePredicateID("0xmaker", conds, PolicyAND, 1)
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "id must be deterministic")
	assert.False(t, id1.IsZero())
	assert.Len(t, id1.String(), 66, "0x + 64 hex chars")
}

func TestComputePredicateIDChangesWithInput(t *testing.T) {
	conds := sampleConditions()
	base := MustPredicateID("0xmaker", conds, PolicyAND, 1)

	otherThreshold := sampleConditions()
	otherThreshold[0].Threshold = big.NewInt(30001)

	reordered := []Condition{conds[1], conds[0]}

	variants := map[string]PredicateID{
		"nonce":     MustPredicateID("0xmaker", conds, PolicyAND, 2),
		"owner":     MustPredicateID("0xother", conds, PolicyAND, 1),
		"policy":    MustPredicateID("0xmaker", conds, PolicyOR, 1),
		"threshold": MustPredicateID("0xmaker", otherThreshold, PolicyAND, 1),
		"order":     MustPredicateID("0xmaker", reordered, PolicyAND, 1),
	}
	for name, id := range variants {
		assert.NotEqual(t, base, id, "changing %s must change the id", name)
	}
}

func TestComputePredicateIDDefaultsAuthType(t *testing.T) {
	withAuth := sampleConditions()
	withoutAuth := sampleConditions()
	for i := range withoutAuth {
		withoutAuth[i].AuthType = ""
	}

	assert.Equal(t,
		MustPredicateID("0xmaker", withAuth, PolicyAND, 1),
		MustPredicateID("0xmaker", withoutAuth, PolicyAND, 1),
		"empty auth type hashes as none")
}

func TestConditionIRThresholdAsString(t *testing.T) {
	huge, ok := new(big.Int).SetString("57896044618658097711785492504343953926634992332820282019728792003956564819967", 10)
	require.True(t, ok)

	c := sampleConditions()[0]
	c.Threshold = huge

	out, err := MarshalCanonical(ConditionIR(c))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"threshold":"57896044618658097711785492504343953926634992332820282019728792003956564819967"`)
}
