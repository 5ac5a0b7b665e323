package agent

import (
	"errors"
	"fmt"

	"github.com/t77yq/flowplane/internal/model"
)

var (
	// ErrAgentNotFound is returned when an agent id is not registered
	ErrAgentNotFound = fmt.Errorf("agent %w", model.ErrNotFound)

	// ErrInvalidRegistration is returned when a registration is malformed
	ErrInvalidRegistration = errors.New("invalid agent registration")

	// ErrInvalidStatus is returned when an unknown status is requested
	ErrInvalidStatus = errors.New("invalid agent status")

	// ErrAgentUnavailable is returned when reserving a slot on an offline or maintenance agent
	ErrAgentUnavailable = fmt.Errorf("agent unavailable: %w", model.ErrInvalidState)

	// ErrAgentAtCapacity is returned when reserving a slot on a full agent
	ErrAgentAtCapacity = fmt.Errorf("agent at capacity: %w", model.ErrInvalidState)
)
