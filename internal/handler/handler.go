// Package handler holds the step executors for workflow steps that run
// inside the control plane rather than on an agent.
package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/t77yq/flowplane/internal/model"
)

// stepContext bounds ctx by the step timeout when one is set
func stepContext(ctx context.Context, step *model.WorkflowStep) (context.Context, context.CancelFunc) {
	if step.Timeout > 0 {
		return context.WithTimeout(ctx, step.Timeout)
	}
	return context.WithCancel(ctx)
}

func succeeded(step *model.WorkflowStep, start time.Time, output interface{}) *model.StepExecutionResult {
	return &model.StepExecutionResult{
		StepID:   step.ID,
		Success:  true,
		Output:   output,
		Duration: time.Since(start),
	}
}

func failed(step *model.WorkflowStep, start time.Time, output interface{}, format string, args ...interface{}) *model.StepExecutionResult {
	return &model.StepExecutionResult{
		StepID:   step.ID,
		Success:  false,
		Output:   output,
		Duration: time.Since(start),
		Error:    fmt.Sprintf(format, args...),
	}
}

// configStringMap reads a map of strings from step config. Non-string values
// are formatted with %v.
func configStringMap(step *model.WorkflowStep, key string) map[string]string {
	if step.Config == nil {
		return nil
	}
	switch v := step.Config[key].(type) {
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			} else {
				out[k] = fmt.Sprintf("%v", val)
			}
		}
		return out
	}
	return nil
}
