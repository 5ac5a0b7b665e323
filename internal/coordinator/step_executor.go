package coordinator

import (
	"context"

	"github.com/t77yq/flowplane/internal/model"
)

// AgentStepExecutor runs AGENT_EXECUTION steps through the coordinator
type AgentStepExecutor struct {
	coordinator *Coordinator
}

// NewAgentStepExecutor creates a step executor backed by c
func NewAgentStepExecutor(c *Coordinator) *AgentStepExecutor {
	return &AgentStepExecutor{coordinator: c}
}

// CanExecute accepts agent steps only
func (e *AgentStepExecutor) CanExecute(stepType model.StepType) bool {
	return stepType == model.StepTypeAgentExecution
}

// Execute delegates to Coordinator.ExecuteAgentStep
func (e *AgentStepExecutor) Execute(ctx context.Context, step *model.WorkflowStep, execCtx *model.WorkflowExecutionContext) (*model.StepExecutionResult, error) {
	res, err := e.coordinator.ExecuteAgentStep(ctx, execCtx.WorkflowID, step, execCtx)
	if err != nil {
		return nil, err
	}

	out := &model.StepExecutionResult{
		StepID:   step.ID,
		Success:  res.Success,
		Duration: res.Duration,
		Error:    res.Error,
	}
	if res.Success {
		out.Output = map[string]interface{}{
			"task_id":  res.TaskID,
			"agent_id": res.AgentID,
			"result":   res.Output,
		}
	}
	return out, nil
}
