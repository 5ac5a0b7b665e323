package scheduler

import (
	"errors"
	"fmt"

	"github.com/t77yq/flowplane/internal/model"
)

var (
	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = fmt.Errorf("task %w", model.ErrNotFound)

	// ErrAssignmentNotFound is returned when a task has no live assignment
	ErrAssignmentNotFound = fmt.Errorf("assignment %w", model.ErrNotFound)

	// ErrInvalidTransition is returned when a task is not in a state that allows the operation
	ErrInvalidTransition = fmt.Errorf("task transition: %w", model.ErrInvalidState)

	// ErrNoSuitableAgent is returned when no agent can take a task right now
	ErrNoSuitableAgent = errors.New("no suitable agent available")

	// ErrInvalidSubmission is returned when a task submission is malformed
	ErrInvalidSubmission = errors.New("invalid task submission")

	// ErrUnknownStrategy is returned when the configured strategy name is not known
	ErrUnknownStrategy = errors.New("unknown selection strategy")
)
