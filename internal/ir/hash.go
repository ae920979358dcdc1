package ir

import (
	"crypto/sha256"
	"fmt"
	"math"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows a future algorithm migration.
const (
	DomainPredicate = "predcache/predicate/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ConditionIR converts a condition to its canonical object form.
// Thresholds are decimal strings since canonical JSON has no big integers.
func ConditionIR(c Condition) IRObject {
	threshold := ""
	if c.Threshold != nil {
		threshold = c.Threshold.String()
	}
	auth := c.AuthType
	if auth == "" {
		auth = AuthNone
	}
	return IRObject{
		"endpoint":  IRString(c.Endpoint),
		"auth_type": IRString(auth),
		"json_path": IRString(c.JSONPath),
		"operator":  IRString(c.Operator),
		"threshold": IRString(threshold),
	}
}

// ConditionsIR converts an ordered condition list to a canonical array.
func ConditionsIR(conditions []Condition) IRArray {
	arr := make(IRArray, len(conditions))
	for i, c := range conditions {
		arr[i] = ConditionIR(c)
	}
	return arr
}

// ComputePredicateID derives the id of a predicate from its immutable
// definition and a per-registration nonce. The nonce lets one owner register
// structurally identical predicates that are tracked independently.
func ComputePredicateID(owner string, conditions []Condition, policy Policy, nonce uint64) (PredicateID, error) {
	if nonce > math.MaxInt64 {
		return PredicateID{}, fmt.Errorf("ComputePredicateID: nonce %d out of range", nonce)
	}
	obj := IRObject{
		"owner":      IRString(owner),
		"conditions": ConditionsIR(conditions),
		"policy":     IRString(policy),
		"nonce":      IRInt(int64(nonce)),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return PredicateID{}, fmt.Errorf("ComputePredicateID: failed to marshal: %w", err)
	}

	return PredicateID(hashWithDomain(DomainPredicate, canonical)), nil
}

// MustPredicateID is like ComputePredicateID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustPredicateID(owner string, conditions []Condition, policy Policy, nonce uint64) PredicateID {
	id, err := ComputePredicateID(owner, conditions, policy, nonce)
	if err != nil {
		panic(err)
	}
	return id
}
