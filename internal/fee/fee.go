// Package fee meters the charge owed for oracle evaluations.
//
// The accrued fee of a predicate is never stored. It is always recomputed
// as updateCount * feePerUpdate, so it cannot drift from the update count.
package fee

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/roach88/predcache/internal/ir"
)

// ErrNegativeFee is returned when the configured fee per update is negative.
var ErrNegativeFee = errors.New("fee: fee per update must not be negative")

// Meter computes accrued fees from update counts. It is stateless apart
// from the process-wide fee per update set at startup.
type Meter struct {
	perUpdate *big.Int
}

// New creates a Meter charging perUpdate base units per applied callback.
// A nil perUpdate means evaluations are free.
func New(perUpdate *big.Int) (*Meter, error) {
	if perUpdate == nil {
		perUpdate = new(big.Int)
	}
	if perUpdate.Sign() < 0 {
		return nil, ErrNegativeFee
	}
	return &Meter{perUpdate: new(big.Int).Set(perUpdate)}, nil
}

// ParseAmount parses a decimal amount in base units, e.g. "250000000000000".
// Underscores are accepted as digit separators.
func ParseAmount(s string) (*big.Int, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if clean == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, fmt.Errorf("fee: %q is not a decimal integer", s)
	}
	if n.Sign() < 0 {
		return nil, ErrNegativeFee
	}
	return n, nil
}

// PerUpdate returns a copy of the configured fee per update.
func (m *Meter) PerUpdate() *big.Int {
	return new(big.Int).Set(m.perUpdate)
}

// Fee returns updateCount * feePerUpdate.
func (m *Meter) Fee(updateCount uint64) *big.Int {
	n := new(big.Int).SetUint64(updateCount)
	return n.Mul(n, m.perUpdate)
}

// FeeOf returns the accrued fee of a record.
func (m *Meter) FeeOf(rec ir.PredicateRecord) *big.Int {
	return m.Fee(rec.UpdateCount)
}
