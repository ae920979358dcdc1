// Package ir provides the canonical value types for predcache.
//
// This package contains the condition model, predicate records, audit events,
// the error taxonomy, and the canonical JSON + hashing used for
// content-addressed predicate identity. All other internal packages import
// ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere - thresholds and fetched values are *big.Int
//   - Thresholds are bounded to the signed 256-bit range
//   - All JSON tags use snake_case
//   - Predicate IDs are SHA-256 over canonical JSON with domain separation
package ir
