package ir

import (
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
)

// MaxConditions bounds the number of conditions per predicate so a single
// oracle request stays within its compute budget.
const MaxConditions = 16

var (
	// MaxThreshold is 2^255-1, the largest int256.
	MaxThreshold = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))

	// MinThreshold is -2^255, the smallest int256.
	MinThreshold = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
)

// Validate checks a single condition. field prefixes the reported path,
// e.g. "conditions[1]".
func (c Condition) Validate(field string) error {
	if err := validateEndpoint(c.Endpoint); err != nil {
		return NewValidationError(field+".endpoint", err.Error())
	}
	if !c.AuthType.Valid() {
		return NewValidationError(field+".auth_type", fmt.Sprintf("unknown auth type %q", c.AuthType))
	}
	if _, err := SplitPath(c.JSONPath); err != nil {
		return NewValidationError(field+".json_path", err.Error())
	}
	if !c.Operator.Valid() {
		return NewValidationError(field+".operator", fmt.Sprintf("unknown operator %q", c.Operator))
	}
	if c.Threshold == nil {
		return NewValidationError(field+".threshold", "threshold is required")
	}
	if c.Threshold.Cmp(MaxThreshold) > 0 || c.Threshold.Cmp(MinThreshold) < 0 {
		return NewValidationError(field+".threshold", "threshold outside int256 range")
	}
	return nil
}

// ValidateConditions checks the full definition of a predicate.
func ValidateConditions(conditions []Condition, policy Policy) error {
	if len(conditions) == 0 {
		return NewValidationError("conditions", "at least one condition is required")
	}
	if len(conditions) > MaxConditions {
		return NewValidationError("conditions", fmt.Sprintf("at most %d conditions allowed, got %d", MaxConditions, len(conditions)))
	}
	if !policy.Valid() {
		return NewValidationError("policy", fmt.Sprintf("unknown policy %q", policy))
	}
	for i, c := range conditions {
		if err := c.Validate(fmt.Sprintf("conditions[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("malformed URI: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URI has no host")
	}
	return nil
}

// Evaluate compares a fetched value v against the threshold.
func (c Condition) Evaluate(v *big.Int) bool {
	cmp := v.Cmp(c.Threshold)
	switch c.Operator {
	case OpGT:
		return cmp > 0
	case OpLT:
		return cmp < 0
	case OpEQ:
		return cmp == 0
	}
	return false
}

// Combine folds per-condition booleans with the policy.
func (p Policy) Combine(results []bool) bool {
	if len(results) == 0 {
		return false
	}
	switch p {
	case PolicyAND:
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	case PolicyOR:
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	return false
}

// EvaluateAll evaluates conditions against values (same order) and combines them.
func EvaluateAll(conditions []Condition, policy Policy, values []*big.Int) (bool, error) {
	if len(values) != len(conditions) {
		return false, fmt.Errorf("got %d values for %d conditions", len(values), len(conditions))
	}
	results := make([]bool, len(conditions))
	for i, c := range conditions {
		if values[i] == nil {
			return false, fmt.Errorf("value %d is missing", i)
		}
		results[i] = c.Evaluate(values[i])
	}
	return policy.Combine(results), nil
}

// PathSegment is one step of a JSON path: an object key or an array index.
type PathSegment struct {
	Key     string
	Index   int
	IsIndex bool
}

// SplitPath parses a dotted JSON path such as "$.data[0].price" or
// "bitcoin.usd". A leading "$" is optional.
func SplitPath(path string) ([]PathSegment, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, fmt.Errorf("json path is required")
	}
	p = strings.TrimPrefix(p, "$")
	p = strings.TrimPrefix(p, ".")
	if p == "" {
		return nil, fmt.Errorf("json path %q selects the whole document", path)
	}

	var segs []PathSegment
	for _, part := range strings.Split(p, ".") {
		if part == "" {
			return nil, fmt.Errorf("json path %q has an empty segment", path)
		}
		key := part
		rest := ""
		if i := strings.IndexByte(part, '['); i >= 0 {
			key, rest = part[:i], part[i:]
		}
		if strings.ContainsRune(key, ']') {
			return nil, fmt.Errorf("json path %q has unbalanced brackets", path)
		}
		if key != "" {
			segs = append(segs, PathSegment{Key: key})
		}
		for rest != "" {
			end := strings.IndexByte(rest, ']')
			if rest[0] != '[' || end < 0 {
				return nil, fmt.Errorf("json path %q has unbalanced brackets", path)
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("json path %q has invalid index %q", path, rest[1:end])
			}
			segs = append(segs, PathSegment{Index: idx, IsIndex: true})
			rest = rest[end+1:]
		}
	}
	return segs, nil
}
