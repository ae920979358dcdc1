package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes predcache errors.
type ErrorCode string

const (
	// CodeValidation: malformed condition or policy at registration.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeNotFound: unknown predicate id or request handle.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeUnauthorized: wrong keeper or oracle principal.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// CodeEvaluationInProgress: trigger while a request is pending.
	CodeEvaluationInProgress ErrorCode = "EVALUATION_IN_PROGRESS"

	// CodeStaleRequest: callback for a superseded or expired request.
	CodeStaleRequest ErrorCode = "STALE_REQUEST"

	// CodeOracleSubmission: transport failure handing a request to the oracle.
	CodeOracleSubmission ErrorCode = "ORACLE_SUBMISSION_FAILURE"

	// CodeDuplicateID: content hash collided with an existing predicate.
	CodeDuplicateID ErrorCode = "DUPLICATE_ID"

	// CodeAlreadyPending: store-level compare-and-set found a pending request.
	CodeAlreadyPending ErrorCode = "ALREADY_PENDING"
)

// Error is the typed error returned across predcache packages.
//
// Two Errors match under errors.Is when their codes are equal, so callers can
// test against the sentinels below regardless of message or wrapping:
//
//	if errors.Is(err, ir.ErrNotFound) { ... }
type Error struct {
	Code    ErrorCode
	Message string

	// Field is the offending field path for validation errors.
	Field string

	// PredicateID identifies the affected predicate, if known.
	PredicateID string

	// Err is the underlying cause (e.g. oracle transport error).
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.PredicateID != "" {
		msg += fmt.Sprintf(" (predicate=%s)", e.PredicateID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrValidation           = &Error{Code: CodeValidation}
	ErrNotFound             = &Error{Code: CodeNotFound}
	ErrUnauthorized         = &Error{Code: CodeUnauthorized}
	ErrEvaluationInProgress = &Error{Code: CodeEvaluationInProgress}
	ErrStaleRequest         = &Error{Code: CodeStaleRequest}
	ErrOracleSubmission     = &Error{Code: CodeOracleSubmission}
	ErrDuplicateID          = &Error{Code: CodeDuplicateID}
	ErrAlreadyPending       = &Error{Code: CodeAlreadyPending}
)

// NewValidationError creates a validation error for a field path.
func NewValidationError(field, message string) *Error {
	return &Error{Code: CodeValidation, Field: field, Message: message}
}

// NewNotFoundError creates a not-found error for a predicate.
func NewNotFoundError(id PredicateID) *Error {
	return &Error{Code: CodeNotFound, Message: "predicate not found", PredicateID: id.String()}
}

// NewUnauthorizedError creates an authorization error. The message names the
// required capability only; the presented principal goes to logs, not callers.
func NewUnauthorizedError(capability string) *Error {
	return &Error{Code: CodeUnauthorized, Message: capability + " capability required"}
}

// CodeOf extracts the error code, or "" for foreign errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// IsUnauthorized reports whether err is an authorization error.
func IsUnauthorized(err error) bool { return CodeOf(err) == CodeUnauthorized }

// IsStale reports whether err is a stale-request error.
func IsStale(err error) bool { return CodeOf(err) == CodeStaleRequest }
