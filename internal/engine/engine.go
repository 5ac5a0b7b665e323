// Package engine drives workflow runs step by step over registered step
// executors, with in-place retries and pause, resume and cancel controls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/flowplane/internal/events"
	"github.com/t77yq/flowplane/internal/model"
)

var (
	// ErrWorkflowNotFound is returned when a workflow definition is unknown
	ErrWorkflowNotFound = fmt.Errorf("workflow %w", model.ErrNotFound)

	// ErrExecutionNotFound is returned when an execution context is unknown
	ErrExecutionNotFound = fmt.Errorf("execution %w", model.ErrNotFound)

	// ErrNoExecutor is returned when no registered executor accepts a step type
	ErrNoExecutor = errors.New("no executor registered for step type")

	// ErrExecutionCancelled marks a run stopped by CancelExecution
	ErrExecutionCancelled = errors.New("execution cancelled")

	// ErrInvalidContext is returned when ExecuteWorkflow gets no usable context
	ErrInvalidContext = errors.New("invalid execution context")
)

// Option customizes an Engine
type Option func(*Engine)

// WithPublisher sends workflow events to p
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.emitter = events.NewEmitter(p, e.logger) }
}

// WithSleep replaces the wait used between step retries
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

type executionControl struct {
	paused    bool
	cancelled bool
	// runs counts ExecuteWorkflow calls in flight for the id
	runs int
}

// Engine executes workflow runs. Many runs may execute concurrently; each
// run is driven by the goroutine that calls ExecuteWorkflow.
type Engine struct {
	logger  *zap.Logger
	state   StateManager
	emitter *events.Emitter
	sleep   func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	executors []StepExecutor
	controls  map[string]*executionControl
}

// NewEngine creates a new workflow engine
func NewEngine(state StateManager, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:   logger.Named("engine"),
		state:    state,
		sleep:    sleepContext,
		controls: make(map[string]*executionControl),
	}
	e.emitter = events.NewEmitter(nil, e.logger)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterExecutor adds a step executor. Executors are consulted in
// registration order.
func (e *Engine) RegisterExecutor(executor StepExecutor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executors = append(e.executors, executor)
}

func (e *Engine) executorFor(stepType model.StepType) StepExecutor {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ex := range e.executors {
		if ex.CanExecute(stepType) {
			return ex
		}
	}
	return nil
}

// StartExecution creates a fresh execution context for a workflow and runs it
func (e *Engine) StartExecution(ctx context.Context, workflowID string, variables map[string]interface{}) (*model.WorkflowExecutionResult, error) {
	now := time.Now()
	execCtx := &model.WorkflowExecutionContext{
		WorkflowID:    workflowID,
		ExecutionID:   uuid.New().String(),
		CurrentStep:   0,
		Variables:     variables,
		Metadata:      make(map[string]interface{}),
		StartedAt:     now,
		LastUpdatedAt: now,
	}
	return e.ExecuteWorkflow(ctx, execCtx)
}

// ContinueExecution loads a persisted execution context and runs the
// remaining steps
func (e *Engine) ContinueExecution(ctx context.Context, executionID string) (*model.WorkflowExecutionResult, error) {
	execCtx, err := e.state.GetExecutionContext(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution context: %w", err)
	}
	return e.ExecuteWorkflow(ctx, execCtx)
}

// ExecuteWorkflow runs the steps of execCtx's workflow starting at
// execCtx.CurrentStep. Step failures end the run with a failed result and a
// nil error; only a malformed context returns an error.
func (e *Engine) ExecuteWorkflow(ctx context.Context, execCtx *model.WorkflowExecutionContext) (*model.WorkflowExecutionResult, error) {
	if execCtx == nil || execCtx.ExecutionID == "" || execCtx.CurrentStep < 0 {
		return nil, ErrInvalidContext
	}
	e.enter(execCtx.ExecutionID)
	defer e.leave(execCtx.ExecutionID)

	start := time.Now()
	result := &model.WorkflowExecutionResult{
		WorkflowID:  execCtx.WorkflowID,
		ExecutionID: execCtx.ExecutionID,
		StepResults: []*model.StepExecutionResult{},
	}
	logger := e.logger.With(
		zap.String("workflow_id", execCtx.WorkflowID),
		zap.String("execution_id", execCtx.ExecutionID))

	finish := func(status model.ExecutionStatus, err error) (*model.WorkflowExecutionResult, error) {
		result.Status = status
		result.TotalDuration = time.Since(start)
		if err != nil {
			result.Error = err.Error()
		}
		return result, nil
	}

	wf, err := e.state.GetWorkflow(ctx, execCtx.WorkflowID)
	if err != nil {
		logger.Error("Workflow definition not found", zap.Error(err))
		if errors.Is(err, model.ErrNotFound) {
			err = fmt.Errorf("workflow definition not found: %s", execCtx.WorkflowID)
		}
		e.release(execCtx.ExecutionID)
		return finish(model.ExecutionStatusFailed, err)
	}

	if e.isCancelled(execCtx.ExecutionID) {
		logger.Info("Execution cancelled before start")
		e.release(execCtx.ExecutionID)
		return finish(model.ExecutionStatusFailed, ErrExecutionCancelled)
	}

	if err := e.state.SaveExecutionContext(ctx, execCtx); err != nil {
		logger.Warn("Failed to persist execution context", zap.Error(err))
	}

	if e.isPaused(execCtx.ExecutionID) {
		logger.Info("Execution paused before start")
		return finish(model.ExecutionStatusPending, nil)
	}

	e.setWorkflowStatus(ctx, wf.ID, model.WorkflowStatusRunning)
	logger.Info("Workflow execution started",
		zap.Int("steps", len(wf.Steps)),
		zap.Int("current_step", execCtx.CurrentStep))
	e.emitter.Emit(events.WorkflowStarted, map[string]interface{}{
		"workflow_id":  wf.ID,
		"execution_id": execCtx.ExecutionID,
		"current_step": execCtx.CurrentStep,
	})

	for i := execCtx.CurrentStep; i < len(wf.Steps); i++ {
		if e.isCancelled(execCtx.ExecutionID) {
			return e.fail(ctx, wf.ID, execCtx, logger, finish, ErrExecutionCancelled)
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, wf.ID, execCtx, logger, finish, err)
		}
		if e.isPaused(execCtx.ExecutionID) {
			e.setWorkflowStatus(ctx, wf.ID, model.WorkflowStatusPaused)
			logger.Info("Workflow execution paused", zap.Int("current_step", i))
			e.emitter.Emit(events.WorkflowPaused, map[string]interface{}{
				"workflow_id":  wf.ID,
				"execution_id": execCtx.ExecutionID,
				"current_step": i,
			})
			return finish(model.ExecutionStatusPending, nil)
		}

		step := wf.Steps[i]
		stepResult := e.executeStep(ctx, &step, execCtx, logger)
		result.StepResults = append(result.StepResults, stepResult)

		if !stepResult.Success {
			return e.fail(ctx, wf.ID, execCtx, logger, finish, fmt.Errorf("step %s failed: %s", step.ID, stepResult.Error))
		}

		execCtx.CurrentStep = i + 1
		execCtx.LastUpdatedAt = time.Now()
		if err := e.state.UpdateExecutionContext(ctx, execCtx); err != nil {
			logger.Warn("Failed to persist execution context",
				zap.String("step_id", step.ID),
				zap.Error(err))
		}

		e.emitter.Emit(events.WorkflowStepCompleted, map[string]interface{}{
			"workflow_id":  wf.ID,
			"execution_id": execCtx.ExecutionID,
			"step_id":      step.ID,
			"retry_count":  stepResult.RetryCount,
		})
	}

	e.setWorkflowStatus(ctx, wf.ID, model.WorkflowStatusCompleted)
	e.release(execCtx.ExecutionID)
	logger.Info("Workflow execution completed",
		zap.Int("steps_executed", len(result.StepResults)),
		zap.Duration("duration", time.Since(start)))
	e.emitter.Emit(events.WorkflowCompleted, map[string]interface{}{
		"workflow_id":  wf.ID,
		"execution_id": execCtx.ExecutionID,
	})
	return finish(model.ExecutionStatusCompleted, nil)
}

func (e *Engine) fail(
	ctx context.Context,
	workflowID string,
	execCtx *model.WorkflowExecutionContext,
	logger *zap.Logger,
	finish func(model.ExecutionStatus, error) (*model.WorkflowExecutionResult, error),
	cause error,
) (*model.WorkflowExecutionResult, error) {
	status := model.WorkflowStatusFailed
	eventType := events.WorkflowFailed
	if errors.Is(cause, ErrExecutionCancelled) {
		status = model.WorkflowStatusCancelled
		eventType = events.WorkflowCancelled
	}

	// the run context may already be done; status bookkeeping still has to land
	e.setWorkflowStatus(context.WithoutCancel(ctx), workflowID, status)
	e.release(execCtx.ExecutionID)

	logger.Error("Workflow execution failed",
		zap.Int("current_step", execCtx.CurrentStep),
		zap.Error(cause))
	e.emitter.Emit(eventType, map[string]interface{}{
		"workflow_id":  workflowID,
		"execution_id": execCtx.ExecutionID,
		"current_step": execCtx.CurrentStep,
		"error":        cause.Error(),
	})
	return finish(model.ExecutionStatusFailed, cause)
}

// executeStep runs one step, retrying in place per its retry policy.
// RetryPolicy.MaxAttempts counts every attempt including the first.
func (e *Engine) executeStep(ctx context.Context, step *model.WorkflowStep, execCtx *model.WorkflowExecutionContext, logger *zap.Logger) *model.StepExecutionResult {
	start := time.Now()

	executor := e.executorFor(step.Type)
	if executor == nil {
		logger.Error("No executor for step", zap.String("step_id", step.ID), zap.String("type", string(step.Type)))
		return &model.StepExecutionResult{
			StepID:   step.ID,
			Success:  false,
			Error:    fmt.Sprintf("%s: %s", ErrNoExecutor, step.Type),
			Duration: time.Since(start),
		}
	}

	maxAttempts := 1
	if step.RetryPolicy != nil && step.RetryPolicy.MaxAttempts > 1 {
		maxAttempts = step.RetryPolicy.MaxAttempts
	}

	for attempt := 1; ; attempt++ {
		res, err := executor.Execute(ctx, step, execCtx)
		if err != nil {
			res = &model.StepExecutionResult{StepID: step.ID, Success: false, Error: err.Error()}
		} else if res == nil {
			res = &model.StepExecutionResult{StepID: step.ID, Success: false, Error: "executor returned no result"}
		}
		res.StepID = step.ID
		res.RetryCount = attempt - 1
		res.Duration = time.Since(start)

		if res.Success {
			logger.Debug("Step completed",
				zap.String("step_id", step.ID),
				zap.Int("attempt", attempt),
				zap.Duration("duration", res.Duration))
			return res
		}
		if attempt >= maxAttempts {
			logger.Warn("Step failed",
				zap.String("step_id", step.ID),
				zap.Int("attempts", attempt),
				zap.String("error", res.Error))
			return res
		}

		delay := CalculateRetryDelay(*step.RetryPolicy, attempt)
		logger.Info("Retrying step",
			zap.String("step_id", step.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error", res.Error))

		if err := e.sleep(ctx, delay); err != nil {
			res.Error = fmt.Sprintf("%s (retry aborted: %v)", res.Error, err)
			res.Duration = time.Since(start)
			return res
		}
	}
}

// PauseExecution stops a run before its next step. Pausing an id that has
// not started yet makes it start paused.
func (e *Engine) PauseExecution(ctx context.Context, executionID string) error {
	e.mu.Lock()
	e.controlLocked(executionID).paused = true
	e.mu.Unlock()

	e.logger.Info("Execution pause requested", zap.String("execution_id", executionID))
	return nil
}

// ResumeExecution clears the pause flag. The run continues on the next
// ExecuteWorkflow or ContinueExecution call.
func (e *Engine) ResumeExecution(ctx context.Context, executionID string) error {
	e.mu.Lock()
	if c, ok := e.controls[executionID]; ok {
		c.paused = false
		if c.runs == 0 {
			delete(e.controls, executionID)
		}
	}
	e.mu.Unlock()

	e.logger.Info("Execution resumed", zap.String("execution_id", executionID))
	return nil
}

// CancelExecution flags a live run as cancelled and deletes the persisted
// context. A step already in flight is not interrupted. An id with no run in
// flight has its control flags dropped.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) error {
	e.mu.Lock()
	if c, ok := e.controls[executionID]; ok && c.runs > 0 {
		c.cancelled = true
	} else {
		delete(e.controls, executionID)
	}
	e.mu.Unlock()

	if err := e.state.DeleteExecutionContext(ctx, executionID); err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("failed to delete execution context: %w", err)
	}

	e.logger.Info("Execution cancelled", zap.String("execution_id", executionID))
	return nil
}

// IsPaused reports whether the execution is flagged as paused
func (e *Engine) IsPaused(executionID string) bool {
	return e.isPaused(executionID)
}

func (e *Engine) controlLocked(executionID string) *executionControl {
	c, ok := e.controls[executionID]
	if !ok {
		c = &executionControl{}
		e.controls[executionID] = c
	}
	return c
}

func (e *Engine) isPaused(executionID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.controls[executionID]
	return ok && c.paused
}

func (e *Engine) isCancelled(executionID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.controls[executionID]
	return ok && c.cancelled
}

func (e *Engine) enter(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.controlLocked(executionID).runs++
}

// leave drops the control flags once no run holds them, unless a pause has
// to carry over to the next run
func (e *Engine) leave(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.controls[executionID]
	if !ok {
		return
	}
	c.runs--
	if c.runs <= 0 && !c.paused {
		delete(e.controls, executionID)
	}
}

// release clears the control flags of a finished run; leave drops the entry
func (e *Engine) release(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.controls[executionID]; ok {
		c.paused = false
		c.cancelled = false
	}
}

func (e *Engine) setWorkflowStatus(ctx context.Context, workflowID string, status model.WorkflowStatus) {
	if err := e.state.UpdateWorkflowStatus(ctx, workflowID, status); err != nil {
		e.logger.Warn("Failed to update workflow status",
			zap.String("workflow_id", workflowID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
