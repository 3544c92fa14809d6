package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an incident does not exist.
	ErrNotFound = errors.New("incident not found")

	// ErrAlreadyExists is returned on a uniqueness conflict during insert.
	ErrAlreadyExists = errors.New("incident already exists")

	// ErrAdmissionCapExceeded is the backpressure signal: the active incident
	// count is at the admission cap and ingress must retry later.
	ErrAdmissionCapExceeded = errors.New("admission cap exceeded")

	// ErrIncidentTerminal is returned for operations on a resolved or
	// escalated incident.
	ErrIncidentTerminal = errors.New("incident is terminal")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
