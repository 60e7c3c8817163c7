// Package domain holds the error taxonomy shared by the ladder engine
// packages. Domain errors are pure — no infrastructure dependency.
package domain

import "errors"

var (
	// ErrNotFound covers unknown users, profiles and tier names.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation does not apply to the
	// profile's current state, e.g. progressing a profile with no active
	// challenge.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrConcurrencyConflict is a version mismatch on a profile write.
	// The caller should retry the whole transition from a fresh read.
	ErrConcurrencyConflict = errors.New("profile version conflict")

	// ErrPersistence is a transient store failure. Retryable by the
	// caller with backoff; the engine performs no internal retries so a
	// transition is never double-applied.
	ErrPersistence = errors.New("persistence failure")

	// ErrValidation covers malformed requests: non-positive amounts,
	// unsupported currency or method.
	ErrValidation = errors.New("validation failure")
)

// Retryable reports whether the caller may retry the failed operation.
// Conflicts need a fresh read first; persistence failures want backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrPersistence)
}
