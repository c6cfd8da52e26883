package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when a state transition or concurrent update is rejected
	ErrConflict = errors.New("conflicting state")

	// ErrNotAllowed is returned when an operation is denied by policy
	ErrNotAllowed = errors.New("operation not allowed")

	// ErrUnavailable is returned when a required backend is not reachable
	ErrUnavailable = errors.New("backend unavailable")

	// ErrRateLimited is returned when a caller exceeds its request budget
	ErrRateLimited = errors.New("rate limited")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
