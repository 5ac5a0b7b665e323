package model

import "errors"

// Error taxonomy shared by every control plane component. Packages wrap these
// with their own sentinels so callers can match either level with errors.Is.
var (
	// ErrNotFound is returned when an agent, task, workflow or execution id is unknown
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation is not allowed in the current state
	ErrInvalidState = errors.New("invalid state")

	// ErrTypeMismatch is returned when a step is handed to an executor for another step type
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrTimeout is returned when a wait exceeded its time budget
	ErrTimeout = errors.New("timeout")

	// ErrExecutionFailure marks a task or step that failed for a domain reason
	ErrExecutionFailure = errors.New("execution failure")
)
