package engine

import (
	"context"

	"github.com/t77yq/flowplane/internal/model"
)

// StepExecutor runs workflow steps of the types it accepts. A domain failure
// is reported through StepExecutionResult.Success; a returned error is
// treated the same way by the engine.
type StepExecutor interface {
	CanExecute(stepType model.StepType) bool
	Execute(ctx context.Context, step *model.WorkflowStep, execCtx *model.WorkflowExecutionContext) (*model.StepExecutionResult, error)
}

// StepExecutorFunc adapts a function to a StepExecutor for one step type
type StepExecutorFunc struct {
	Type model.StepType
	Fn   func(ctx context.Context, step *model.WorkflowStep, execCtx *model.WorkflowExecutionContext) (*model.StepExecutionResult, error)
}

// CanExecute implements StepExecutor
func (f StepExecutorFunc) CanExecute(stepType model.StepType) bool {
	return stepType == f.Type
}

// Execute implements StepExecutor
func (f StepExecutorFunc) Execute(ctx context.Context, step *model.WorkflowStep, execCtx *model.WorkflowExecutionContext) (*model.StepExecutionResult, error) {
	return f.Fn(ctx, step, execCtx)
}
