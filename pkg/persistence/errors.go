// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrActiveWorkflowNotFound indicates a workflow root has no active version.
	ErrActiveWorkflowNotFound = errors.New("active workflow not found")

	// ErrTriggerNotFound indicates a schedule, webhook, API key or subscription was not found.
	ErrTriggerNotFound = errors.New("trigger not found")

	// ErrDuplicateTrigger indicates the idempotency key was already used in the organization.
	ErrDuplicateTrigger = errors.New("duplicate trigger")

	// ErrExecutionNotFound indicates an execution was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionStatusConflict indicates a conditional execution patch did not match the current status.
	ErrExecutionStatusConflict = errors.New("execution status conflict")

	// ErrProcessingRecordNotFound indicates no ledger entry matched.
	ErrProcessingRecordNotFound = errors.New("processing record not found")

	// ErrRecordAlreadyClaimed indicates the ledger key is held by a claim inside the backoff window.
	ErrRecordAlreadyClaimed = errors.New("record already claimed")

	// ErrCleanupJobNotFound indicates a cleanup job was not found.
	ErrCleanupJobNotFound = errors.New("cleanup job not found")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "GetByID", "Publish")
	WorkflowID string // Workflow ID if applicable
	RootID     string // Workflow root ID if applicable
	Err        error  // Underlying error
}

func (e *WorkflowError) Error() string {
	target := e.WorkflowID
	if e.RootID != "" {
		target = fmt.Sprintf("root %s", e.RootID)
	}

	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, target, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for workflow errors.
func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// NewWorkflowRootError creates a new workflow error for operations on a workflow root.
func NewWorkflowRootError(op, rootID string, err error) *WorkflowError {
	return &WorkflowError{
		Op:     op,
		RootID: rootID,
		Err:    err,
	}
}

// ExecutionError wraps execution-related errors with additional context.
type ExecutionError struct {
	Op          string // Operation being performed
	ExecutionID string // Execution ID
	Err         error  // Underlying error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{
		Op:          op,
		ExecutionID: executionID,
		Err:         err,
	}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsActiveWorkflowNotFound checks if an error indicates a workflow root has no active version.
func IsActiveWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrActiveWorkflowNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsDuplicateTrigger checks if an error indicates a repeated idempotency key.
func IsDuplicateTrigger(err error) bool {
	return errors.Is(err, ErrDuplicateTrigger)
}

// IsTriggerNotFound checks if an error indicates a trigger entry point was not found.
func IsTriggerNotFound(err error) bool {
	return errors.Is(err, ErrTriggerNotFound)
}
