package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while running an entity batch.
//
// Runtime errors include:
//   - Missing handler: no handler is registered for the entity name
//   - Operation panic: the handler panicked
//   - Corrupt state: the persisted scheduler state cannot be decoded
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// SchedulerID identifies the affected entity.
	SchedulerID string

	// Operation is the operation being run, if any.
	Operation string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeNoHandler indicates no handler is registered for an entity name.
	ErrCodeNoHandler RuntimeErrorCode = "NO_HANDLER"

	// ErrCodeOperationPanic indicates an operation handler panicked.
	ErrCodeOperationPanic RuntimeErrorCode = "OPERATION_PANIC"

	// ErrCodeCorruptState indicates the persisted state could not be decoded.
	ErrCodeCorruptState RuntimeErrorCode = "CORRUPT_STATE"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s: %s (entity=%s, operation=%s)", e.Code, e.Message, e.SchedulerID, e.Operation)
	}
	return fmt.Sprintf("%s: %s (entity=%s)", e.Code, e.Message, e.SchedulerID)
}

func isRuntimeError(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsNoHandlerError returns true if the error is a missing handler error.
// Uses errors.As to handle wrapped errors.
func IsNoHandlerError(err error) bool {
	return isRuntimeError(err, ErrCodeNoHandler)
}

// IsPanicError returns true if the error is a recovered operation panic.
func IsPanicError(err error) bool {
	return isRuntimeError(err, ErrCodeOperationPanic)
}

// IsCorruptStateError returns true if the error is a state decoding error.
func IsCorruptStateError(err error) bool {
	return isRuntimeError(err, ErrCodeCorruptState)
}

// NewNoHandlerError creates a RuntimeError for an unregistered entity name.
func NewNoHandlerError(schedulerID, name, operation string) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeNoHandler,
		Message:     fmt.Sprintf("no handler registered for entity %q", name),
		SchedulerID: schedulerID,
		Operation:   operation,
	}
}

// NewPanicError creates a RuntimeError for a recovered handler panic.
func NewPanicError(schedulerID, operation string, recovered any) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeOperationPanic,
		Message:     fmt.Sprintf("operation panicked: %v", recovered),
		SchedulerID: schedulerID,
		Operation:   operation,
	}
}

// NewCorruptStateError creates a RuntimeError for undecodable state.
func NewCorruptStateError(schedulerID string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeCorruptState,
		Message:     fmt.Sprintf("cannot decode scheduler state: %v", cause),
		SchedulerID: schedulerID,
	}
}
