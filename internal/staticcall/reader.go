package staticcall

import (
	"context"
	"fmt"

	"github.com/roach88/predcache/internal/ir"
)

// Getter is the read side of the predicate store.
type Getter interface {
	Get(ctx context.Context, id ir.PredicateID) (ir.PredicateRecord, error)
}

// Reader answers the predicate read function from cached state.
// It never blocks on the oracle and never mutates anything.
type Reader struct {
	store  Getter
	target Address
}

// NewReader creates a Reader. target is the address the service is
// deployed at; a zero target accepts calls addressed anywhere.
func NewReader(store Getter, target Address) *Reader {
	return &Reader{store: store, target: target}
}

// Target returns the configured service address.
func (r *Reader) Target() Address {
	return r.target
}

// Call executes inner read calldata and returns the uint256 word: 1 if the
// cached result is True, 0 for False or Unknown.
func (r *Reader) Call(ctx context.Context, inner []byte) ([WordSize]byte, error) {
	id, err := DecodeReadCall(inner)
	if err != nil {
		return [WordSize]byte{}, err
	}
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return [WordSize]byte{}, err
	}
	return EncodeUint256(rec.LastResult.Uint256()), nil
}

// Evaluate performs the full static call the matching protocol makes:
// decode the entry calldata, check it is addressed to this service, and run
// the inner read.
func (r *Reader) Evaluate(ctx context.Context, calldata []byte) ([WordSize]byte, error) {
	target, inner, err := DecodeStaticCall(calldata)
	if err != nil {
		return [WordSize]byte{}, err
	}
	if !r.target.IsZero() && target != r.target {
		return [WordSize]byte{}, fmt.Errorf("%w: call addressed to %s, service is %s", ErrMalformedCalldata, target, r.target)
	}
	return r.Call(ctx, inner)
}

// Calldata builds the full static-call calldata for predicate id addressed
// to this service.
func (r *Reader) Calldata(id ir.PredicateID) []byte {
	return EncodeStaticCall(r.target, EncodeReadCall(id))
}
