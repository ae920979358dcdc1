// Package access implements the two single-principal capabilities that gate
// state changes: the keeper capability (trigger evaluation) and the oracle
// capability (deliver results).
//
// Capabilities are configuration values, not roles. Exactly one principal
// holds each at a time and neither can be delegated at runtime.
package access

import (
	"log/slog"
	"strings"

	"github.com/roach88/predcache/internal/ir"
)

// Capability names used in errors and logs.
const (
	CapabilityKeeper = "keeper"
	CapabilityOracle = "oracle"
)

// Credential is the identity presented with a call.
type Credential struct {
	Principal string
}

// As returns a credential for principal.
func As(principal string) Credential {
	return Credential{Principal: principal}
}

// Policy holds the configured keeper and oracle principals.
type Policy struct {
	Keeper string
	Oracle string
}

// AuthorizeKeeper fails with Unauthorized unless cred is the keeper.
func (p Policy) AuthorizeKeeper(cred Credential) error {
	return authorize(CapabilityKeeper, p.Keeper, cred)
}

// AuthorizeOracle fails with Unauthorized unless cred is the oracle callback authority.
func (p Policy) AuthorizeOracle(cred Credential) error {
	return authorize(CapabilityOracle, p.Oracle, cred)
}

func authorize(capability, want string, cred Credential) error {
	if want == "" || !samePrincipal(want, cred.Principal) {
		// The presented principal is logged but never returned to the caller.
		slog.Warn("unauthorized call",
			"capability", capability,
			"principal", cred.Principal,
		)
		return ir.NewUnauthorizedError(capability)
	}
	return nil
}

// samePrincipal compares hex addresses case-insensitively and everything
// else exactly.
func samePrincipal(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	if isHexAddress(a) && isHexAddress(b) {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func isHexAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return len(s) > 2
}
