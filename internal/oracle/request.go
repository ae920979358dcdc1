package oracle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/roach88/predcache/internal/ir"
)

// Client submits evaluation requests to a compute oracle.
// Submit returns once the request is accepted; results arrive later.
type Client interface {
	Submit(ctx context.Context, req Request) error
}

// Request is one evaluation job handed to the oracle.
type Request struct {
	Handle      string
	PredicateID ir.PredicateID
	Conditions  []ir.Condition
	Policy      ir.Policy

	// CallbackTarget is where the oracle delivers the result.
	CallbackTarget string

	// Passed through to the oracle network unchanged.
	SubscriptionID uint64
	GasLimit       uint32
	DONID          string
}

// Payload returns the canonical JSON document sent to the oracle.
func (r Request) Payload() ([]byte, error) {
	if r.SubscriptionID > math.MaxInt64 {
		return nil, fmt.Errorf("subscription id %d out of range", r.SubscriptionID)
	}
	obj := ir.IRObject{
		"version":         ir.IRString(ir.PayloadVersion),
		"request_handle":  ir.IRString(r.Handle),
		"predicate_id":    ir.IRString(r.PredicateID.String()),
		"conditions":      ir.ConditionsIR(r.Conditions),
		"policy":          ir.IRString(r.Policy),
		"callback_target": ir.IRString(r.CallbackTarget),
		"subscription_id": ir.IRInt(int64(r.SubscriptionID)),
		"gas_limit":       ir.IRInt(int64(r.GasLimit)),
		"don_id":          ir.IRString(r.DONID),
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal oracle payload: %w", err)
	}
	return data, nil
}

type payloadWire struct {
	Version        string         `json:"version"`
	RequestHandle  string         `json:"request_handle"`
	PredicateID    ir.PredicateID `json:"predicate_id"`
	Conditions     []ir.Condition `json:"conditions"`
	Policy         ir.Policy      `json:"policy"`
	CallbackTarget string         `json:"callback_target"`
	SubscriptionID uint64         `json:"subscription_id"`
	GasLimit       uint32         `json:"gas_limit"`
	DONID          string         `json:"don_id"`
}

// ParseRequest decodes a payload produced by Request.Payload.
func ParseRequest(data []byte) (Request, error) {
	var w payloadWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Request{}, fmt.Errorf("parse oracle payload: %w", err)
	}
	if w.Version != ir.PayloadVersion {
		return Request{}, fmt.Errorf("parse oracle payload: unsupported version %q", w.Version)
	}
	return Request{
		Handle:         w.RequestHandle,
		PredicateID:    w.PredicateID,
		Conditions:     w.Conditions,
		Policy:         w.Policy,
		CallbackTarget: w.CallbackTarget,
		SubscriptionID: w.SubscriptionID,
		GasLimit:       w.GasLimit,
		DONID:          w.DONID,
	}, nil
}

// WordSize is the size of an encoded result.
const WordSize = 32

// Response is the raw result delivered by the oracle.
type Response struct {
	Data []byte
	Err  string
}

type responseWire struct {
	Data  string `json:"data"`
	Error string `json:"error,omitempty"`
}

// MarshalJSON encodes Data as 0x-prefixed hex.
func (r Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(responseWire{Data: "0x" + hex.EncodeToString(r.Data), Error: r.Err})
}

// UnmarshalJSON decodes hex Data with or without the 0x prefix.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w responseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	h := strings.TrimPrefix(strings.TrimPrefix(w.Data, "0x"), "0X")
	b, err := hex.DecodeString(h)
	if err != nil {
		return fmt.Errorf("response data: %w", err)
	}
	r.Data = b
	r.Err = w.Error
	return nil
}

// EncodeResult returns the 32-byte word for b.
func EncodeResult(b bool) []byte {
	word := make([]byte, WordSize)
	if b {
		word[WordSize-1] = 1
	}
	return word
}

// ErrorResponse builds a response reporting an evaluation failure.
func ErrorResponse(err error) Response {
	return Response{Err: err.Error()}
}

// DecodeResult maps a raw response onto the tri-state result.
func DecodeResult(r Response) ir.Result {
	if r.Err != "" || len(r.Data) != WordSize {
		return ir.ResultUnknown
	}
	for _, b := range r.Data {
		if b != 0 {
			return ir.ResultTrue
		}
	}
	return ir.ResultFalse
}
