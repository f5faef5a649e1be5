package pgdb

import (
	"errors"
)

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrConnFailed indicates an error when attempting to connect to the
	// database.
	ErrConnFailed = ErrorKind("ErrConnFailed")

	// ErrBeginTx indicates an error when attempting to start a database
	// transaction.
	ErrBeginTx = ErrorKind("ErrBeginTx")

	// ErrCommitTx indicates an error when attempting to commit a database
	// transaction.
	ErrCommitTx = ErrorKind("ErrCommitTx")

	// ErrQueryFailed indicates an unexpected error happened when executing a
	// SQL query on the database.
	ErrQueryFailed = ErrorKind("ErrQueryFailed")

	// ErrMissingTable indicates a required table does not exist.
	ErrMissingTable = ErrorKind("ErrMissingTable")

	// ErrOldDatabase indicates a database has been upgraded to a newer version
	// that is no longer compatible with the current version of the software.
	ErrOldDatabase = ErrorKind("ErrOldDatabase")

	// ErrTooManyRetries indicates a serializable transaction kept failing
	// due to concurrent transactions.
	ErrTooManyRetries = ErrorKind("ErrTooManyRetries")

	// ErrReadOnlyTx indicates a write was attempted in a read-only
	// transaction.
	ErrReadOnlyTx = ErrorKind("ErrReadOnlyTx")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// ContextError wraps an error with additional context.  It has full support for
// errors.Is and errors.As, so the caller can ascertain the specific wrapped
// error.
//
// RawErr contains the original error in the case where an error has been
// converted.
type ContextError struct {
	Err         error
	Description string
	RawErr      error
}

// Error satisfies the error interface and prints human-readable errors.
func (e ContextError) Error() string {
	return e.Description
}

// Is calls errors.Is on both the Err and RawErr fields, in that order.
func (e ContextError) Is(err error) bool {
	if errors.Is(e.Err, err) {
		return true
	}
	return errors.Is(e.RawErr, err)
}

// As calls errors.As on both the Err and RawErr fields, in that order.
func (e ContextError) As(target interface{}) bool {
	if errors.As(e.Err, target) {
		return true
	}
	return errors.As(e.RawErr, target)
}

// contextError creates a ContextError given a set of arguments.
func contextError(kind ErrorKind, desc string, rawErr error) ContextError {
	return ContextError{Err: kind, Description: desc, RawErr: rawErr}
}
