package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrDenied is returned when the caller is not a live participant of the
	// rental.
	ErrDenied = errors.New("access denied")

	// ErrValidation is returned for malformed input. Nothing is persisted.
	ErrValidation = errors.New("validation failed")

	// ErrConflictOrTimeout is returned when the exclusive append section or
	// the write could not complete in time. Nothing is persisted and the
	// caller may retry.
	ErrConflictOrTimeout = errors.New("append conflict or timeout")

	// ErrNotFound is returned when an event does not exist.
	ErrNotFound = errors.New("event not found")
)

// ValidationError describes which field of an append request was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
