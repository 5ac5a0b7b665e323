// Package coordinator turns agent workflow steps into distributor tasks and
// waits for their outcome.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flowplane/internal/model"
)

// DefaultStepTimeout bounds the wait for an agent step without its own timeout
const DefaultStepTimeout = 5 * time.Minute

var (
	// ErrNotAgentStep is returned when a non-agent step is handed to the coordinator
	ErrNotAgentStep = fmt.Errorf("not an agent step: %w", model.ErrTypeMismatch)

	// ErrStepTimeout marks an agent step whose task did not finish in time
	ErrStepTimeout = fmt.Errorf("agent step %w", model.ErrTimeout)
)

// TaskDistributor is the part of the distributor the coordinator drives
type TaskDistributor interface {
	SubmitTask(sub *model.TaskSubmission) (*model.Task, error)
	GetTask(taskID string) (*model.Task, error)
	CancelTask(taskID string) error
	WaitForTask(ctx context.Context, taskID string) (*model.Task, error)
}

// AgentDirectory answers which registered agents advertise a capability
type AgentDirectory interface {
	GetAgentsByCapability(capability string) []*model.Agent
}

// Config defines configuration for the coordinator
type Config struct {
	DefaultStepTimeout time.Duration
	// CancelOnTimeout cancels the task when the coordinator stops waiting for it
	CancelOnTimeout bool
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithCapabilityTable replaces the built-in capability table
func WithCapabilityTable(t *CapabilityTable) Option {
	return func(c *Coordinator) { c.capabilities = t }
}

// CoordinationResult summarizes a CoordinateWorkflowExecution call
type CoordinationResult struct {
	WorkflowID   string        `json:"workflow_id"`
	TotalSteps   int           `json:"total_steps"`
	AgentSteps   int           `json:"agent_steps"`
	TasksCreated int           `json:"tasks_created"`
	TaskIDs      []string      `json:"task_ids"`
	Duration     time.Duration `json:"duration"`
}

// AgentStepResult is the outcome of one agent step. Err carries the typed
// cause of a failure, such as ErrStepTimeout.
type AgentStepResult struct {
	TaskID   string        `json:"task_id"`
	AgentID  string        `json:"agent_id,omitempty"`
	Success  bool          `json:"success"`
	Output   interface{}   `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// WorkflowTaskStatus counts a workflow's tracked tasks by status bucket
type WorkflowTaskStatus struct {
	WorkflowID string `json:"workflow_id"`
	Total      int    `json:"total"`
	Pending    int    `json:"pending"`
	Running    int    `json:"running"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Cancelled  int    `json:"cancelled"`
}

// Coordinator tracks which tasks were created for which workflow
type Coordinator struct {
	logger       *zap.Logger
	config       Config
	tasks        TaskDistributor
	agents       AgentDirectory
	capabilities *CapabilityTable

	mu            sync.Mutex
	workflowTasks map[string][]string
}

// NewCoordinator creates a new workflow-agent coordinator
func NewCoordinator(config Config, tasks TaskDistributor, agents AgentDirectory, logger *zap.Logger, opts ...Option) *Coordinator {
	if config.DefaultStepTimeout <= 0 {
		config.DefaultStepTimeout = DefaultStepTimeout
	}

	c := &Coordinator{
		logger:        logger.Named("coordinator"),
		config:        config,
		tasks:         tasks,
		agents:        agents,
		capabilities:  DefaultCapabilityTable(),
		workflowTasks: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CoordinateWorkflowExecution submits one task per agent step without
// waiting for any of them. The first submission failure aborts the call.
func (c *Coordinator) CoordinateWorkflowExecution(workflowID string, execCtx *model.WorkflowExecutionContext, steps []model.WorkflowStep) (*CoordinationResult, error) {
	start := time.Now()
	result := &CoordinationResult{
		WorkflowID: workflowID,
		TotalSteps: len(steps),
	}

	for i := range steps {
		step := &steps[i]
		if step.Type != model.StepTypeAgentExecution {
			continue
		}
		result.AgentSteps++

		task, err := c.tasks.SubmitTask(c.buildSubmission(workflowID, step, execCtx))
		if err != nil {
			c.logger.Error("Failed to create task for step",
				zap.String("workflow_id", workflowID),
				zap.String("step_id", step.ID),
				zap.Error(err))
			return nil, fmt.Errorf("failed to create task for step %s: %w", step.ID, err)
		}
		c.track(workflowID, task.ID)
		result.TasksCreated++
		result.TaskIDs = append(result.TaskIDs, task.ID)
	}

	result.Duration = time.Since(start)
	c.logger.Info("Workflow coordinated",
		zap.String("workflow_id", workflowID),
		zap.Int("total_steps", result.TotalSteps),
		zap.Int("agent_steps", result.AgentSteps),
		zap.Int("tasks_created", result.TasksCreated))
	return result, nil
}

// ExecuteAgentStep submits a task for step and waits until it is terminal or
// the step timeout elapses. Only a non-agent step returns an error; every
// other failure is reported in the result.
func (c *Coordinator) ExecuteAgentStep(ctx context.Context, workflowID string, step *model.WorkflowStep, execCtx *model.WorkflowExecutionContext) (*AgentStepResult, error) {
	if step.Type != model.StepTypeAgentExecution {
		return nil, fmt.Errorf("%w: step %s has type %s", ErrNotAgentStep, step.ID, step.Type)
	}

	start := time.Now()
	logger := c.logger.With(
		zap.String("workflow_id", workflowID),
		zap.String("step_id", step.ID))

	failed := func(taskID string, err error) (*AgentStepResult, error) {
		return &AgentStepResult{
			TaskID:   taskID,
			Success:  false,
			Error:    err.Error(),
			Err:      err,
			Duration: time.Since(start),
		}, nil
	}

	task, err := c.tasks.SubmitTask(c.buildSubmission(workflowID, step, execCtx))
	if err != nil {
		logger.Error("Failed to submit agent task", zap.Error(err))
		return failed("", err)
	}
	c.track(workflowID, task.ID)

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = c.config.DefaultStepTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	final, err := c.tasks.WaitForTask(waitCtx, task.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: task %s not finished after %s", ErrStepTimeout, task.ID, timeout)
			logger.Warn("Agent step timed out",
				zap.String("task_id", task.ID),
				zap.Duration("timeout", timeout))
			if c.config.CancelOnTimeout {
				if cerr := c.tasks.CancelTask(task.ID); cerr != nil {
					logger.Warn("Failed to cancel timed out task",
						zap.String("task_id", task.ID),
						zap.Error(cerr))
				}
			}
		}
		return failed(task.ID, err)
	}

	switch final.Status {
	case model.TaskStatusCompleted:
		logger.Info("Agent step completed",
			zap.String("task_id", final.ID),
			zap.String("agent_id", final.AssignedAgentID),
			zap.Duration("duration", time.Since(start)))
		return &AgentStepResult{
			TaskID:   final.ID,
			AgentID:  final.AssignedAgentID,
			Success:  true,
			Output:   final.Output(),
			Duration: time.Since(start),
		}, nil
	case model.TaskStatusCancelled:
		return failed(final.ID, fmt.Errorf("task %s was cancelled", final.ID))
	default:
		msg := final.ErrorMessage()
		if msg == "" {
			msg = "task failed"
		}
		return &AgentStepResult{
			TaskID:   final.ID,
			AgentID:  final.AssignedAgentID,
			Success:  false,
			Error:    msg,
			Err:      fmt.Errorf("%w: %s", model.ErrExecutionFailure, msg),
			Duration: time.Since(start),
		}, nil
	}
}

func (c *Coordinator) buildSubmission(workflowID string, step *model.WorkflowStep, execCtx *model.WorkflowExecutionContext) *model.TaskSubmission {
	caps := c.capabilities.Resolve(step)
	for _, capability := range caps {
		if c.agents != nil && len(c.agents.GetAgentsByCapability(capability)) == 0 {
			c.logger.Warn("No registered agent has required capability",
				zap.String("step_id", step.ID),
				zap.String("capability", capability))
		}
	}

	taskType := step.ConfigString(ConfigAgentType)
	if taskType == "" {
		taskType = "agent-execution"
	}

	payload := map[string]interface{}{
		"step_name": step.Name,
		"config":    step.Config,
	}
	metadata := map[string]interface{}{}
	if execCtx != nil {
		payload["variables"] = execCtx.Variables
		metadata["execution_id"] = execCtx.ExecutionID
	}

	return &model.TaskSubmission{
		WorkflowID:           workflowID,
		StepID:               step.ID,
		Type:                 taskType,
		RequiredCapabilities: caps,
		Priority:             c.capabilities.ResolvePriority(step),
		Payload:              payload,
		Timeout:              step.Timeout,
		MaxRetries:           configInt(step.Config, ConfigMaxRetries),
		Metadata:             metadata,
	}
}

// configInt reads an integer that may have been decoded from YAML or JSON
func configInt(config map[string]interface{}, key string) *int {
	var n int
	switch v := config[key].(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		n = int(v)
	default:
		return nil
	}
	return &n
}

func (c *Coordinator) track(workflowID, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workflowTasks[workflowID] = append(c.workflowTasks[workflowID], taskID)
}

func (c *Coordinator) tracked(workflowID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.workflowTasks[workflowID]...)
}

// CancelWorkflowTasks cancels every live task tracked for the workflow and
// stops tracking it. Individual cancel failures are logged and skipped.
func (c *Coordinator) CancelWorkflowTasks(workflowID string) int {
	cancelled := 0
	for _, taskID := range c.tracked(workflowID) {
		task, err := c.tasks.GetTask(taskID)
		if err == nil && task.IsTerminal() {
			continue
		}
		if err == nil {
			err = c.tasks.CancelTask(taskID)
		}
		if err != nil {
			c.logger.Warn("Failed to cancel workflow task",
				zap.String("workflow_id", workflowID),
				zap.String("task_id", taskID),
				zap.Error(err))
			continue
		}
		cancelled++
	}

	c.mu.Lock()
	delete(c.workflowTasks, workflowID)
	c.mu.Unlock()

	c.logger.Info("Workflow tasks cancelled",
		zap.String("workflow_id", workflowID),
		zap.Int("cancelled", cancelled))
	return cancelled
}

// GetWorkflowTaskStatus counts the workflow's tracked tasks by status.
// Assigned tasks count as running.
func (c *Coordinator) GetWorkflowTaskStatus(workflowID string) *WorkflowTaskStatus {
	status := &WorkflowTaskStatus{WorkflowID: workflowID}
	for _, taskID := range c.tracked(workflowID) {
		task, err := c.tasks.GetTask(taskID)
		if err != nil {
			continue
		}
		status.Total++
		switch task.Status {
		case model.TaskStatusPending:
			status.Pending++
		case model.TaskStatusAssigned, model.TaskStatusRunning:
			status.Running++
		case model.TaskStatusCompleted:
			status.Completed++
		case model.TaskStatusFailed:
			status.Failed++
		case model.TaskStatusCancelled:
			status.Cancelled++
		}
	}
	return status
}

// CleanupCompletedWorkflows drops tracking for workflows whose tasks are all
// terminal and returns how many were dropped
func (c *Coordinator) CleanupCompletedWorkflows() int {
	c.mu.Lock()
	snapshot := make(map[string][]string, len(c.workflowTasks))
	for id, tasks := range c.workflowTasks {
		snapshot[id] = append([]string(nil), tasks...)
	}
	c.mu.Unlock()

	var finished []string
	for workflowID, taskIDs := range snapshot {
		done := true
		for _, taskID := range taskIDs {
			task, err := c.tasks.GetTask(taskID)
			if err == nil && !task.IsTerminal() {
				done = false
				break
			}
		}
		if done {
			finished = append(finished, workflowID)
		}
	}

	removed := 0
	c.mu.Lock()
	for _, id := range finished {
		// a task may have been tracked since the snapshot
		if len(c.workflowTasks[id]) == len(snapshot[id]) {
			delete(c.workflowTasks, id)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("Cleaned up completed workflows", zap.Int("count", removed))
	}
	return removed
}

// TrackedWorkflows returns how many workflows currently have tracked tasks
func (c *Coordinator) TrackedWorkflows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workflowTasks)
}
