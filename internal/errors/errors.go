// Package errors provides structured error kinds for the Stratum system.
// Every error carries a kind so that callers (and the filesystem
// projection, which must translate kinds into filesystem error
// semantics) can classify failures without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by its cause.
type Kind string

const (
	KindAlreadyExists      Kind = "ALREADY_EXISTS"
	KindNotFound           Kind = "NOT_FOUND"
	KindSchemaMismatch     Kind = "SCHEMA_MISMATCH"
	KindCorruptWAL         Kind = "CORRUPT_WAL"
	KindCorruptCatalog     Kind = "CORRUPT_CATALOG"
	KindTransactionAborted Kind = "TRANSACTION_ABORTED"
	KindIOFailure          Kind = "IO_FAILURE"
	KindMountFailed        Kind = "MOUNT_FAILED"
	KindSessionClosing     Kind = "SESSION_CLOSING"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a new Error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from an error chain.
// Returns empty string if the chain contains no *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsKind reports whether the error chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
