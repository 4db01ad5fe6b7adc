// Package persistence provides standardized error types for storage operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrFlowNotFound indicates a flow was not found by the given identifier.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrFlowGroupNotFound indicates a flow group was not found.
	ErrFlowGroupNotFound = errors.New("flow group not found")

	// ErrProjectNotFound indicates a referenced project does not exist.
	ErrProjectNotFound = errors.New("project not found")

	// ErrVersionConflict indicates a concurrent submission already claimed
	// the version number inside the version group.
	ErrVersionConflict = errors.New("version already assigned in version group")

	// ErrDuplicateIdempotencyKey indicates a flow run with the same
	// idempotency key already exists for the flow.
	ErrDuplicateIdempotencyKey = errors.New("flow run idempotency key already exists")
)

// FlowError wraps flow-related errors with operation context.
type FlowError struct {
	Op     string // Operation being performed (e.g. "Save", "SetArchived")
	FlowID string
	Err    error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s operation failed for flow %s: %v", e.Op, e.FlowID, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

func (e *FlowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewFlowError creates a new flow error with context.
func NewFlowError(op, flowID string, err error) *FlowError {
	return &FlowError{Op: op, FlowID: flowID, Err: err}
}

// IsFlowNotFound checks if an error indicates a flow was not found.
func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}

// IsVersionConflict checks if an error indicates a lost version-assignment race.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
