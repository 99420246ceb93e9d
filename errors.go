package agentmgr

import (
	"errors"
	"fmt"
)

// Common errors returned by agentmgr operations
var (
	// ErrNotFound indicates an unknown component id or service name
	ErrNotFound = errors.New("agentmgr: not found")

	// ErrInvalidKind indicates a kind outside the closed set
	ErrInvalidKind = errors.New("agentmgr: invalid kind")

	// ErrInvalidStatus indicates a status outside the closed set
	ErrInvalidStatus = errors.New("agentmgr: invalid status")

	// ErrInvalidTransition indicates a status change the lifecycle forbids
	ErrInvalidTransition = errors.New("agentmgr: invalid status transition")

	// ErrNotStopped indicates an operation that requires a stopped component
	ErrNotStopped = errors.New("agentmgr: component not stopped")

	// ErrAlreadyAttached indicates a component that already has a running loop
	ErrAlreadyAttached = errors.New("agentmgr: loop already attached")

	// ErrClosed indicates the Orchestrator has been closed
	ErrClosed = errors.New("agentmgr: orchestrator closed")

	// ErrWorkerRunning indicates a second drain loop on the same queue
	ErrWorkerRunning = errors.New("agentmgr: worker already running")

	// ErrInvalidConfig indicates a configuration file failed validation
	ErrInvalidConfig = errors.New("agentmgr: invalid config")
)

// OpError represents an error from an orchestrator operation
type OpError struct {
	// Op is the operation that failed
	Op string
	// ID is the component id or service name involved
	ID string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	return fmt.Sprintf("agentmgr %s %q: %v", e.Op, e.ID, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// MultiError aggregates multiple errors from bulk operations
type MultiError struct {
	// Errors contains all accumulated errors
	Errors []error
}

// Error returns a summary of the accumulated errors
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred", len(m.Errors))
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Unwrap exposes the accumulated errors to errors.Is and errors.As
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}

func opErr(op, id string, err error) error {
	return &OpError{Op: op, ID: id, Err: err}
}
