package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flowplane/internal/agent"
	"github.com/t77yq/flowplane/internal/engine"
	"github.com/t77yq/flowplane/internal/model"
	"github.com/t77yq/flowplane/internal/scheduler"
)

type testEnv struct {
	coord  *Coordinator
	dist   *scheduler.Distributor
	agents *agent.Manager
}

func newTestEnv(t *testing.T, config Config) *testEnv {
	logger := zaptest.NewLogger(t)
	agents := agent.NewManager(agent.Config{}, logger)
	dist, err := scheduler.NewDistributor(scheduler.Config{
		Strategy:          scheduler.StrategyLeastLoaded,
		DefaultMaxRetries: 0,
		EnableFailover:    true,
	}, agents, logger)
	require.NoError(t, err)

	return &testEnv{
		coord:  NewCoordinator(config, dist, agents, logger),
		dist:   dist,
		agents: agents,
	}
}

func (e *testEnv) register(t *testing.T, caps ...string) *model.Agent {
	a, err := e.agents.Register(&model.AgentRegistration{
		Name:               "agent",
		Capabilities:       caps,
		MaxConcurrentTasks: 2,
	})
	require.NoError(t, err)
	return a
}

// autoComplete plays the agent side: every assignment is started and then
// completed with the outcome returned by result
func (e *testEnv) autoComplete(t *testing.T, result func(task *model.Task) *model.TaskResult) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for _, a := range e.dist.GetAssignments() {
				task, err := e.dist.GetTask(a.TaskID)
				if err != nil {
					continue
				}
				if task.Status == model.TaskStatusAssigned {
					_ = e.dist.StartTask(task.ID)
				}
				res := result(task)
				res.TaskID = task.ID
				res.AgentID = a.AgentID
				_ = e.dist.CompleteTask(task.ID, res)
			}
		}
	}()
}

func agentStep(id, agentType string) *model.WorkflowStep {
	return &model.WorkflowStep{
		ID:     id,
		Name:   id,
		Type:   model.StepTypeAgentExecution,
		Config: map[string]interface{}{ConfigAgentType: agentType},
	}
}

func execContext() *model.WorkflowExecutionContext {
	return &model.WorkflowExecutionContext{WorkflowID: "wf-1", ExecutionID: "exec-1"}
}

func TestExecuteAgentStep(t *testing.T) {
	t.Run("RejectsNonAgentStep", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		step := &model.WorkflowStep{ID: "shell", Type: model.StepTypeShellCommand}

		res, err := env.coord.ExecuteAgentStep(context.Background(), "wf-1", step, execContext())
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrNotAgentStep)
		assert.ErrorIs(t, err, model.ErrTypeMismatch)
	})

	t.Run("Success", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		a := env.register(t, "security-scanning")
		env.autoComplete(t, func(task *model.Task) *model.TaskResult {
			return &model.TaskResult{Success: true, Output: "no findings"}
		})

		res, err := env.coord.ExecuteAgentStep(context.Background(), "wf-1", agentStep("scan", "security-guardian"), execContext())
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "no findings", res.Output)
		assert.Equal(t, a.ID, res.AgentID)
		assert.NotEmpty(t, res.TaskID)
		assert.NoError(t, res.Err)

		task, err := env.dist.GetTask(res.TaskID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskPriorityHigh, task.Priority)
		assert.Equal(t, []string{"security-scanning"}, task.RequiredCapabilities)
		assert.Equal(t, "security-guardian", task.Type)
		assert.Equal(t, "exec-1", task.Metadata["execution_id"])
	})

	t.Run("TaskFailure", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.register(t, "code-analysis")
		env.autoComplete(t, func(task *model.Task) *model.TaskResult {
			return &model.TaskResult{Success: false, Error: "lint crashed"}
		})

		res, err := env.coord.ExecuteAgentStep(context.Background(), "wf-1", agentStep("lint", ""), execContext())
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "lint crashed", res.Error)
		assert.ErrorIs(t, res.Err, model.ErrExecutionFailure)
	})

	t.Run("Timeout", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		step := agentStep("scan", "security-guardian")
		step.Timeout = 30 * time.Millisecond

		res, err := env.coord.ExecuteAgentStep(context.Background(), "wf-1", step, execContext())
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, ErrStepTimeout)
		assert.ErrorIs(t, res.Err, model.ErrTimeout)

		task, err := env.dist.GetTask(res.TaskID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, task.Status, "timeout does not cancel by default")
	})

	t.Run("TimeoutCancels", func(t *testing.T) {
		env := newTestEnv(t, Config{CancelOnTimeout: true})
		step := agentStep("scan", "security-guardian")
		step.Timeout = 30 * time.Millisecond

		res, err := env.coord.ExecuteAgentStep(context.Background(), "wf-1", step, execContext())
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err, ErrStepTimeout)

		task, err := env.dist.GetTask(res.TaskID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCancelled, task.Status)
	})

	t.Run("CancelledWhileWaiting", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		go func() {
			time.Sleep(20 * time.Millisecond)
			env.coord.CancelWorkflowTasks("wf-1")
		}()

		res, err := env.coord.ExecuteAgentStep(context.Background(), "wf-1", agentStep("docs", "documentation-updater"), execContext())
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "cancelled")
	})

	t.Run("SubmissionFailure", func(t *testing.T) {
		c := NewCoordinator(Config{}, failingDistributor{}, nil, zaptest.NewLogger(t))

		res, err := c.ExecuteAgentStep(context.Background(), "wf-1", agentStep("x", ""), execContext())
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Empty(t, res.TaskID)
		assert.Contains(t, res.Error, "queue closed")
	})
}

type failingDistributor struct{}

func (failingDistributor) SubmitTask(sub *model.TaskSubmission) (*model.Task, error) {
	return nil, errors.New("queue closed")
}

func (failingDistributor) GetTask(taskID string) (*model.Task, error) {
	return nil, scheduler.ErrTaskNotFound
}

func (failingDistributor) CancelTask(taskID string) error {
	return scheduler.ErrTaskNotFound
}

func (failingDistributor) WaitForTask(ctx context.Context, taskID string) (*model.Task, error) {
	return nil, scheduler.ErrTaskNotFound
}

func TestCoordinateWorkflowExecution(t *testing.T) {
	env := newTestEnv(t, Config{})
	steps := []model.WorkflowStep{
		*agentStep("scan", "security-guardian"),
		{ID: "build", Type: model.StepTypeShellCommand},
		*agentStep("docs", "documentation-updater"),
	}

	result, err := env.coord.CoordinateWorkflowExecution("wf-1", execContext(), steps)
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalSteps)
	assert.Equal(t, 2, result.AgentSteps)
	assert.Equal(t, 2, result.TasksCreated)
	assert.Len(t, result.TaskIDs, 2)

	status := env.coord.GetWorkflowTaskStatus("wf-1")
	assert.Equal(t, &WorkflowTaskStatus{WorkflowID: "wf-1", Total: 2, Pending: 2}, status)

	t.Run("SubmissionFailureAborts", func(t *testing.T) {
		c := NewCoordinator(Config{}, failingDistributor{}, nil, zaptest.NewLogger(t))
		_, err := c.CoordinateWorkflowExecution("wf-2", execContext(), steps)
		assert.Error(t, err)
	})
}

func TestCancelWorkflowTasks(t *testing.T) {
	env := newTestEnv(t, Config{})
	a := env.register(t, "security-scanning")
	steps := []model.WorkflowStep{
		*agentStep("scan", "security-guardian"),
		*agentStep("docs", "documentation-updater"),
	}
	result, err := env.coord.CoordinateWorkflowExecution("wf-1", execContext(), steps)
	require.NoError(t, err)

	agentNow, _ := env.agents.GetAgent(a.ID)
	require.Equal(t, 1, agentNow.CurrentLoad)

	assert.Equal(t, 2, env.coord.CancelWorkflowTasks("wf-1"))
	for _, id := range result.TaskIDs {
		task, err := env.dist.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCancelled, task.Status)
	}

	agentNow, _ = env.agents.GetAgent(a.ID)
	assert.Equal(t, 0, agentNow.CurrentLoad)

	assert.Equal(t, &WorkflowTaskStatus{WorkflowID: "wf-1"}, env.coord.GetWorkflowTaskStatus("wf-1"))
	assert.Equal(t, 0, env.coord.CancelWorkflowTasks("wf-1"))
}

func TestCleanupCompletedWorkflows(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.register(t, "code-analysis")

	_, err := env.coord.CoordinateWorkflowExecution("done", execContext(), []model.WorkflowStep{*agentStep("a", "")})
	require.NoError(t, err)
	_, err = env.coord.CoordinateWorkflowExecution("busy", execContext(), []model.WorkflowStep{*agentStep("b", "test-generator")})
	require.NoError(t, err)
	require.Equal(t, 2, env.coord.TrackedWorkflows())

	for _, a := range env.dist.GetAssignments() {
		require.NoError(t, env.dist.CompleteTask(a.TaskID, &model.TaskResult{Success: true}))
	}

	assert.Equal(t, 1, env.coord.CleanupCompletedWorkflows())
	assert.Equal(t, 1, env.coord.TrackedWorkflows())
	assert.Equal(t, 1, env.coord.GetWorkflowTaskStatus("busy").Pending)
	assert.Equal(t, 0, env.coord.CleanupCompletedWorkflows())
}

func TestAgentStepExecutorWithEngine(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.register(t, "documentation")
	env.autoComplete(t, func(task *model.Task) *model.TaskResult {
		return &model.TaskResult{Success: true, Output: "docs updated"}
	})

	state := engine.NewMemoryStateManager()
	require.NoError(t, state.SaveWorkflow(context.Background(), &model.Workflow{
		ID:    "wf-1",
		Steps: []model.WorkflowStep{*agentStep("docs", "documentation-updater")},
	}))

	var executor engine.StepExecutor = NewAgentStepExecutor(env.coord)
	assert.True(t, executor.CanExecute(model.StepTypeAgentExecution))
	assert.False(t, executor.CanExecute(model.StepTypeHTTPRequest))

	e := engine.NewEngine(state, zaptest.NewLogger(t))
	e.RegisterExecutor(executor)

	result, err := e.ExecuteWorkflow(context.Background(), execContext())
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, result.Status)
	require.Len(t, result.StepResults, 1)

	out, ok := result.StepResults[0].Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "docs updated", out["result"])
}
