// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"

	"github.com/tideflow-io/tideflow/pkg/persistence"
	"github.com/tideflow-io/tideflow/pkg/schema"
)

// Business logic errors, grouped by how callers should react.
var (
	// Validation errors: malformed input, returned for correction, never retried.
	ErrInvalidFlowID      = errors.New("invalid flow id")
	ErrInvalidProjectID   = errors.New("invalid project id")
	ErrInvalidSettingKey  = errors.New("setting key cannot be empty")
	ErrUncoveredParameter = errors.New("schedule clocks do not cover a required parameter")

	// Not-found errors: referenced entity absent, not retried.
	ErrFlowNotFound      = persistence.ErrFlowNotFound
	ErrFlowGroupNotFound = persistence.ErrFlowGroupNotFound
	ErrProjectNotFound   = persistence.ErrProjectNotFound

	// Conflict errors: a concurrent mutation won; safe to retry once.
	ErrVersionConflict  = persistence.ErrVersionConflict
	ErrSettingsConflict = errors.New("settings update affected no rows")

	// Constraint errors: rejected by policy, not retried without new input.
	ErrCoreVersionCutoff = errors.New("flow was built with a core version below the accepted cutoff")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error should map to HTTP 400.
func IsValidationError(err error) bool {
	var validationErr *schema.ValidationError
	if errors.As(err, &validationErr) {
		return true
	}

	return errors.Is(err, ErrInvalidFlowID) ||
		errors.Is(err, ErrInvalidProjectID) ||
		errors.Is(err, ErrInvalidSettingKey) ||
		errors.Is(err, ErrUncoveredParameter)
}

// IsNotFoundError checks if an error should map to HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrFlowNotFound) ||
		errors.Is(err, ErrFlowGroupNotFound) ||
		errors.Is(err, ErrProjectNotFound)
}

// IsConflictError checks if an error is a lost race that should map to HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrSettingsConflict)
}

// IsConstraintError checks if an error is a policy rejection that should map
// to HTTP 422.
func IsConstraintError(err error) bool {
	return errors.Is(err, ErrCoreVersionCutoff)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
