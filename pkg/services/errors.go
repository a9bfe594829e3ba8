// Package services holds the use cases behind the HTTP API: workflow
// definitions and their lifecycle, and execution queries, retries and tests.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/autoflow/pkg/entity"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidStatus  = errors.New("invalid workflow status")
	ErrWorkflowNil    = errors.New("workflow cannot be nil")

	// Business Logic Conflicts (409 Conflict).
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrEnableRequiresActive  = errors.New("only active workflows can be enabled")
	ErrWorkflowArchived      = errors.New("workflow is archived")
	ErrWorkflowNotRunnable   = errors.New("workflow is not active and enabled")
	ErrExecutionNotFinished  = errors.New("execution has not finished")
	ErrExecutionFinished     = errors.New("execution already finished")
	ErrExecutionNotCancelled = errors.New("execution is not running in this process")
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

// IsValidationError checks if an error should return HTTP 400. Definition
// errors are validation errors.
func IsValidationError(err error) bool {
	var defErr *models.DefinitionError

	return errors.As(err, &defErr) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrWorkflowNil)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrEnableRequiresActive) ||
		errors.Is(err, ErrWorkflowArchived) ||
		errors.Is(err, ErrWorkflowNotRunnable) ||
		errors.Is(err, ErrExecutionNotFinished) ||
		errors.Is(err, ErrExecutionFinished) ||
		errors.Is(err, ErrExecutionNotCancelled)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return persistence.IsWorkflowNotFound(err) ||
		persistence.IsExecutionNotFound(err) ||
		errors.Is(err, entity.ErrNotFound)
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

func newConflictError(op, code, message string, err error) *ServiceError {
	return &ServiceError{Op: op, Code: code, Message: message, Err: err}
}
