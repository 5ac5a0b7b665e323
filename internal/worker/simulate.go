package worker

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/flowplane/internal/model"
)

// SimulateFailureKey in a step config makes the simulated handler fail
const SimulateFailureKey = "simulateFailure"

// ErrSimulatedFailure is returned by the simulated handler on request
var ErrSimulatedFailure = errors.New("simulated task failure")

// Simulated returns a handler that sleeps for delay and echoes the task's
// step name and type. It stands in for real agents in the serve and run
// commands.
func Simulated(agentName string, delay time.Duration) TaskHandler {
	return TaskHandlerFunc(func(ctx context.Context, task *model.Task) (interface{}, error) {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		if cfg, ok := task.Payload["config"].(map[string]interface{}); ok {
			if fail, _ := cfg[SimulateFailureKey].(bool); fail {
				return nil, ErrSimulatedFailure
			}
		}

		return map[string]interface{}{
			"agent":     agentName,
			"task_type": task.Type,
			"step_name": task.Payload["step_name"],
		}, nil
	})
}
