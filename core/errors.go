package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown or deleted store addresses and missing keys.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by stores and trees used after Close.
	ErrClosed = errors.New("closed")
	// ErrInvariant marks a broken internal invariant. It is never retried.
	ErrInvariant = errors.New("invariant violation")
	// ErrReadOnly is returned when a mutation is attempted on a read-only view.
	ErrReadOnly = errors.New("read-only")
	// ErrCancelled marks work abandoned because its query was halted or cancelled.
	// It is distinct from a failure.
	ErrCancelled = errors.New("cancelled")
)

// ValidationError is a custom error type for configuration and argument failures.
type ValidationError struct {
	Message string
	Field   string // e.g., "offset", "limit", "queue_capacity"
	Value   string // The invalid value
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s '%s': %s", e.Field, e.Value, e.Message)
}

// NewValidationError builds a ValidationError, formatting value with %v.
func NewValidationError(field string, value any, message string) *ValidationError {
	return &ValidationError{Field: field, Value: fmt.Sprint(value), Message: message}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

// InvariantError describes a broken invariant together with the object that
// exposed it. It matches ErrInvariant under errors.Is.
type InvariantError struct {
	Op     string
	Object string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s: %s: %s", ErrInvariant, e.Op, e.Object, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

// IsInvariantError reports whether err (or anything it wraps) is an invariant violation.
func IsInvariantError(err error) bool {
	return errors.Is(err, ErrInvariant)
}
