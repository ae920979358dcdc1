package ir

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Operator is the comparison applied between a fetched value and a threshold.
type Operator string

const (
	OpGT Operator = "GT"
	OpLT Operator = "LT"
	OpEQ Operator = "EQ"
)

// ParseOperator accepts the canonical names (any case) and the symbolic forms.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GT", ">":
		return OpGT, nil
	case "LT", "<":
		return OpLT, nil
	case "EQ", "==", "=":
		return OpEQ, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// Valid reports whether op is one of the known operators.
func (op Operator) Valid() bool {
	return op == OpGT || op == OpLT || op == OpEQ
}

// AuthType selects how the compute oracle authenticates against an endpoint.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
)

// Valid reports whether a is a known auth type. The zero value means none.
func (a AuthType) Valid() bool {
	return a == "" || a == AuthNone || a == AuthBearer || a == AuthAPIKey
}

// Policy combines the per-condition booleans of one predicate.
type Policy string

const (
	PolicyAND Policy = "AND"
	PolicyOR  Policy = "OR"
)

// ParsePolicy accepts AND/OR in any case.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AND", "&&":
		return PolicyAND, nil
	case "OR", "||":
		return PolicyOR, nil
	}
	return "", fmt.Errorf("unknown policy %q", s)
}

// Valid reports whether p is AND or OR.
func (p Policy) Valid() bool {
	return p == PolicyAND || p == PolicyOR
}

// Condition is a single threshold check against one external data point.
// Immutable once its predicate is registered.
type Condition struct {
	Endpoint  string   `json:"endpoint"`
	AuthType  AuthType `json:"auth_type"`
	JSONPath  string   `json:"json_path"`
	Operator  Operator `json:"operator"`
	Threshold *big.Int `json:"threshold"`
}

// conditionWire is the JSON shape of a Condition. Threshold travels as a
// decimal string so 256-bit values survive JavaScript-style JSON consumers.
type conditionWire struct {
	Endpoint  string          `json:"endpoint"`
	AuthType  AuthType        `json:"auth_type,omitempty"`
	JSONPath  string          `json:"json_path"`
	Operator  string          `json:"operator"`
	Threshold json.RawMessage `json:"threshold"`
}

// MarshalJSON encodes the threshold as a decimal string.
func (c Condition) MarshalJSON() ([]byte, error) {
	threshold := "null"
	if c.Threshold != nil {
		threshold = `"` + c.Threshold.String() + `"`
	}
	auth := c.AuthType
	if auth == "" {
		auth = AuthNone
	}
	return json.Marshal(conditionWire{
		Endpoint:  c.Endpoint,
		AuthType:  auth,
		JSONPath:  c.JSONPath,
		Operator:  string(c.Operator),
		Threshold: json.RawMessage(threshold),
	})
}

// UnmarshalJSON accepts the threshold as a JSON integer or a decimal string.
// Unknown operators are kept verbatim so Validate can report them with a field path.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var w conditionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	c.Endpoint = w.Endpoint
	c.AuthType = w.AuthType
	if c.AuthType == "" {
		c.AuthType = AuthNone
	}
	c.JSONPath = w.JSONPath
	if op, err := ParseOperator(w.Operator); err == nil {
		c.Operator = op
	} else {
		c.Operator = Operator(w.Operator)
	}

	c.Threshold = nil
	raw := bytes.TrimSpace(w.Threshold)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return err
		}
	}
	n, ok := new(big.Int).SetString(strings.TrimSpace(text), 10)
	if !ok {
		return fmt.Errorf("threshold %q is not an integer", text)
	}
	c.Threshold = n
	return nil
}

// Result is the tri-state outcome cached for a predicate.
type Result int

const (
	ResultUnknown Result = iota
	ResultTrue
	ResultFalse
)

// ResultFromBool maps a boolean to True/False.
func ResultFromBool(b bool) Result {
	if b {
		return ResultTrue
	}
	return ResultFalse
}

// String returns "unknown", "true" or "false".
func (r Result) String() string {
	switch r {
	case ResultTrue:
		return "true"
	case ResultFalse:
		return "false"
	default:
		return "unknown"
	}
}

// ParseResult is the inverse of String.
func ParseResult(s string) (Result, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return ResultTrue, nil
	case "false":
		return ResultFalse, nil
	case "unknown", "":
		return ResultUnknown, nil
	}
	return ResultUnknown, fmt.Errorf("unknown result %q", s)
}

// Uint256 is the value the matching protocol sees: 1 for True, 0 otherwise.
// Unknown reads as not fillable.
func (r Result) Uint256() uint64 {
	if r == ResultTrue {
		return 1
	}
	return 0
}

// MarshalJSON encodes the result as its string form.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes the string form.
func (r *Result) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseResult(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// PredicateID is the 32-byte content-derived identifier of a predicate.
// It doubles as the bytes32 argument of the on-chain read function.
type PredicateID [32]byte

// String renders the id as 0x-prefixed lowercase hex.
func (id PredicateID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// IsZero reports whether id is all zero bytes.
func (id PredicateID) IsZero() bool {
	return id == PredicateID{}
}

// ParsePredicateID parses hex with or without 0x prefix. Shorter inputs are
// left-padded with zeros, matching how a bytes32 word is right-aligned.
func ParsePredicateID(s string) (PredicateID, error) {
	var id PredicateID
	h := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if h == "" {
		return id, fmt.Errorf("empty predicate id")
	}
	if len(h) > 64 {
		return id, fmt.Errorf("predicate id %q longer than 32 bytes", s)
	}
	if len(h)%2 == 1 {
		h = "0" + h
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return id, fmt.Errorf("predicate id %q: %w", s, err)
	}
	copy(id[32-len(b):], b)
	return id, nil
}

// MarshalJSON encodes the id as a hex string.
func (id PredicateID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON decodes a hex string.
func (id *PredicateID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePredicateID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PredicateRecord is the central entity held by the predicate store.
//
// ID, Owner, Conditions, Policy and Nonce are fixed at registration.
// LastResult, UpdateCount and LastCheckTime change only when a callback
// matching PendingRequest is applied.
type PredicateRecord struct {
	ID          PredicateID `json:"id"`
	Owner       string      `json:"owner"`
	Conditions  []Condition `json:"conditions"`
	Policy      Policy      `json:"policy"`
	Nonce       uint64      `json:"nonce"`
	LastResult  Result      `json:"last_result"`
	UpdateCount uint64      `json:"update_count"`

	// LastCheckTime is zero until the first callback is applied.
	LastCheckTime time.Time `json:"last_check_time,omitempty"`

	// PendingRequest is empty iff no evaluation is in flight.
	PendingRequest string    `json:"pending_request,omitempty"`
	PendingSince   time.Time `json:"pending_since,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Pending reports whether an evaluation is in flight.
func (r PredicateRecord) Pending() bool {
	return r.PendingRequest != ""
}
