// Package errors provides error handling for tripmesh.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Network portability for distributed systems
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinel errors for the error taxonomy shared across tripmesh.
// The HTTP layer maps these onto status codes; async job code converts
// them into published ERROR statuses instead of throwing them upward.
// Use these with errors.Is() for type-safe error checking and wrap them
// with errors.Wrap() to add context while preserving the kind.
var (
	// ErrInvalidRequest indicates malformed or insufficient input (400)
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a held room lock or a schedule version mismatch (409)
	ErrConflict = New("resource conflict")

	// ErrNotFound indicates a room, schedule, or referenced place is absent (404)
	ErrNotFound = New("not found")

	// ErrForbidden indicates a referenced entity belongs to a different room (403)
	ErrForbidden = New("forbidden")

	// ErrUpstream indicates a recommendation gateway failure or malformed response.
	// Surfaced as a job ERROR status, never as an HTTP error.
	ErrUpstream = New("upstream failure")

	// ErrTimeout indicates an operation exceeded its deadline
	ErrTimeout = New("operation timed out")

	// ErrServiceUnavailable indicates a required service cannot take work right now
	ErrServiceUnavailable = New("service unavailable")
)

// IsInvalidRequest checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequest(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflict checks if an error is or wraps ErrConflict
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsNotFound checks if an error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsForbidden checks if an error is or wraps ErrForbidden
func IsForbidden(err error) bool {
	return err != nil && Is(err, ErrForbidden)
}

// NewInvalidRequestf creates an invalid-request error with a formatted message
func NewInvalidRequestf(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewNotFoundf creates a not-found error with a formatted message
func NewNotFoundf(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewConflictf creates a conflict error with a formatted message
func NewConflictf(format string, args ...interface{}) error {
	return Wrap(ErrConflict, Newf(format, args...).Error())
}
