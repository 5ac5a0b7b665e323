package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flowplane/internal/events"
	"github.com/t77yq/flowplane/internal/model"
)

const stepTypeTest model.StepType = "TEST"

// scriptedExecutor fails each step id the configured number of times
type scriptedExecutor struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	onCall   func(step *model.WorkflowStep)
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{failures: map[string]int{}, calls: map[string]int{}}
}

func (s *scriptedExecutor) CanExecute(stepType model.StepType) bool {
	return stepType == stepTypeTest
}

func (s *scriptedExecutor) Execute(ctx context.Context, step *model.WorkflowStep, execCtx *model.WorkflowExecutionContext) (*model.StepExecutionResult, error) {
	if s.onCall != nil {
		s.onCall(step)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[step.ID]++
	if s.failures[step.ID] > 0 {
		s.failures[step.ID]--
		return nil, errors.New("transient error")
	}
	return &model.StepExecutionResult{StepID: step.ID, Success: true, Output: "done " + step.ID}, nil
}

func (s *scriptedExecutor) callsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func newTestEngine(t *testing.T, steps ...model.WorkflowStep) (*Engine, *MemoryStateManager, *scriptedExecutor, *recordedSleep, *events.Recorder) {
	state := NewMemoryStateManager()
	require.NoError(t, state.SaveWorkflow(context.Background(), &model.Workflow{
		ID:     "wf-1",
		Name:   "test",
		Steps:  steps,
		Status: model.WorkflowStatusDraft,
	}))

	sleeper := &recordedSleep{}
	rec := events.NewRecorder()
	e := NewEngine(state, zaptest.NewLogger(t), WithSleep(sleeper.sleep), WithPublisher(rec))
	exec := newScriptedExecutor()
	e.RegisterExecutor(exec)
	return e, state, exec, sleeper, rec
}

func step(id string) model.WorkflowStep {
	return model.WorkflowStep{ID: id, Name: id, Type: stepTypeTest}
}

func newContext(executionID string, current int) *model.WorkflowExecutionContext {
	return &model.WorkflowExecutionContext{
		WorkflowID:  "wf-1",
		ExecutionID: executionID,
		CurrentStep: current,
		StartedAt:   time.Now(),
	}
}

func TestExecuteWorkflow(t *testing.T) {
	e, state, _, _, rec := newTestEngine(t, step("a"), step("b"), step("c"))

	result, err := e.ExecuteWorkflow(context.Background(), newContext("exec-1", 0))
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusCompleted, result.Status)
	require.Len(t, result.StepResults, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, result.StepResults[i].StepID)
		assert.True(t, result.StepResults[i].Success)
		assert.Equal(t, 0, result.StepResults[i].RetryCount)
	}
	assert.Empty(t, result.Error)

	saved, err := state.GetExecutionContext(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 3, saved.CurrentStep)

	wf, err := state.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCompleted, wf.Status)

	assert.Len(t, rec.OfType(events.WorkflowStarted), 1)
	assert.Len(t, rec.OfType(events.WorkflowStepCompleted), 3)
	assert.Len(t, rec.OfType(events.WorkflowCompleted), 1)
}

func TestResumeFromCurrentStep(t *testing.T) {
	e, _, exec, _, _ := newTestEngine(t, step("first"), step("second"))

	result, err := e.ExecuteWorkflow(context.Background(), newContext("exec-1", 1))
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusCompleted, result.Status)
	require.Len(t, result.StepResults, 1)
	assert.Equal(t, "second", result.StepResults[0].StepID)
	assert.Equal(t, 0, exec.callsFor("first"))
}

func TestDefinitionNotFound(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t, step("a"))

	execCtx := newContext("exec-1", 0)
	execCtx.WorkflowID = "missing"
	result, err := e.ExecuteWorkflow(context.Background(), execCtx)
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusFailed, result.Status)
	assert.Contains(t, result.Error, "definition not found")
	assert.Empty(t, result.StepResults)
}

func TestInvalidContext(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t, step("a"))

	_, err := e.ExecuteWorkflow(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidContext)

	_, err = e.ExecuteWorkflow(context.Background(), newContext("", 0))
	assert.ErrorIs(t, err, ErrInvalidContext)

	_, err = e.ExecuteWorkflow(context.Background(), newContext("exec-1", -1))
	assert.ErrorIs(t, err, ErrInvalidContext)
	assert.Zero(t, e.tracked())
}

func TestStepRetries(t *testing.T) {
	t.Run("RecoversWithinPolicy", func(t *testing.T) {
		s := step("flaky")
		s.RetryPolicy = &model.RetryPolicy{
			MaxAttempts:     4,
			BackoffStrategy: model.BackoffExponential,
			InitialDelay:    time.Second,
			MaxDelay:        10 * time.Second,
		}
		e, _, exec, sleeper, _ := newTestEngine(t, s)
		exec.failures["flaky"] = 3

		result, err := e.ExecuteWorkflow(context.Background(), newContext("exec-1", 0))
		require.NoError(t, err)

		assert.Equal(t, model.ExecutionStatusCompleted, result.Status)
		require.Len(t, result.StepResults, 1)
		assert.Equal(t, 3, result.StepResults[0].RetryCount)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.delays)
	})

	t.Run("ExhaustsPolicy", func(t *testing.T) {
		s := step("broken")
		s.RetryPolicy = &model.RetryPolicy{
			MaxAttempts:     2,
			BackoffStrategy: model.BackoffLinear,
			InitialDelay:    100 * time.Millisecond,
		}
		e, state, exec, sleeper, rec := newTestEngine(t, s, step("never"))
		exec.failures["broken"] = 5

		result, err := e.ExecuteWorkflow(context.Background(), newContext("exec-1", 0))
		require.NoError(t, err)

		assert.Equal(t, model.ExecutionStatusFailed, result.Status)
		require.Len(t, result.StepResults, 1)
		assert.False(t, result.StepResults[0].Success)
		assert.Equal(t, 1, result.StepResults[0].RetryCount)
		assert.Contains(t, result.Error, "transient error")
		assert.Equal(t, 2, exec.callsFor("broken"))
		assert.Equal(t, 0, exec.callsFor("never"))
		assert.Equal(t, []time.Duration{100 * time.Millisecond}, sleeper.delays)

		wf, _ := state.GetWorkflow(context.Background(), "wf-1")
		assert.Equal(t, model.WorkflowStatusFailed, wf.Status)
		assert.Len(t, rec.OfType(events.WorkflowFailed), 1)
	})

	t.Run("NoPolicyFailsImmediately", func(t *testing.T) {
		e, _, exec, sleeper, _ := newTestEngine(t, step("once"))
		exec.failures["once"] = 1

		result, err := e.ExecuteWorkflow(context.Background(), newContext("exec-1", 0))
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusFailed, result.Status)
		assert.Equal(t, 1, exec.callsFor("once"))
		assert.Empty(t, sleeper.delays)
	})
}

func TestNoExecutorForStep(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t, model.WorkflowStep{ID: "x", Type: model.StepTypeHTTPRequest})

	result, err := e.ExecuteWorkflow(context.Background(), newContext("exec-1", 0))
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, result.Status)
	assert.Contains(t, result.Error, ErrNoExecutor.Error())
}

func TestPauseResumeCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("PausedBeforeStart", func(t *testing.T) {
		e, _, exec, _, _ := newTestEngine(t, step("a"), step("b"))
		require.NoError(t, e.PauseExecution(ctx, "exec-1"))
		assert.True(t, e.IsPaused("exec-1"))

		result, err := e.ExecuteWorkflow(ctx, newContext("exec-1", 0))
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusPending, result.Status)
		assert.Empty(t, result.StepResults)
		assert.Equal(t, 0, exec.callsFor("a"))

		require.NoError(t, e.ResumeExecution(ctx, "exec-1"))
		result, err = e.ContinueExecution(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusCompleted, result.Status)
		assert.Len(t, result.StepResults, 2)
	})

	t.Run("PausedMidRun", func(t *testing.T) {
		e, state, exec, _, rec := newTestEngine(t, step("a"), step("b"), step("c"))
		exec.onCall = func(s *model.WorkflowStep) {
			if s.ID == "a" {
				_ = e.PauseExecution(ctx, "exec-1")
			}
		}

		result, err := e.ExecuteWorkflow(ctx, newContext("exec-1", 0))
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusPending, result.Status)
		require.Len(t, result.StepResults, 1)
		assert.Len(t, rec.OfType(events.WorkflowPaused), 1)

		saved, err := state.GetExecutionContext(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, 1, saved.CurrentStep)

		exec.onCall = nil
		require.NoError(t, e.ResumeExecution(ctx, "exec-1"))
		result, err = e.ContinueExecution(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusCompleted, result.Status)
		require.Len(t, result.StepResults, 2)
		assert.Equal(t, "b", result.StepResults[0].StepID)
		assert.Equal(t, 1, exec.callsFor("a"))
	})

	t.Run("CancelledMidRun", func(t *testing.T) {
		e, state, exec, _, rec := newTestEngine(t, step("a"), step("b"))
		exec.onCall = func(s *model.WorkflowStep) {
			if s.ID == "a" {
				_ = e.CancelExecution(ctx, "exec-1")
			}
		}

		result, err := e.ExecuteWorkflow(ctx, newContext("exec-1", 0))
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusFailed, result.Status)
		assert.Equal(t, ErrExecutionCancelled.Error(), result.Error)
		assert.Equal(t, 0, exec.callsFor("b"))
		assert.Len(t, rec.OfType(events.WorkflowCancelled), 1)

		_, err = state.GetExecutionContext(ctx, "exec-1")
		assert.ErrorIs(t, err, ErrExecutionNotFound)

		wf, _ := state.GetWorkflow(ctx, "wf-1")
		assert.Equal(t, model.WorkflowStatusCancelled, wf.Status)
	})

	t.Run("CancelUnknownIsNotAnError", func(t *testing.T) {
		e, _, _, _, _ := newTestEngine(t, step("a"))
		assert.NoError(t, e.CancelExecution(ctx, "nobody"))
		assert.Zero(t, e.tracked())
	})
}

func TestControlFlagsAreDropped(t *testing.T) {
	ctx := context.Background()

	t.Run("FinishedRuns", func(t *testing.T) {
		e, _, exec, _, _ := newTestEngine(t, step("a"), step("b"))
		_, err := e.ExecuteWorkflow(ctx, newContext("exec-1", 0))
		require.NoError(t, err)
		assert.Zero(t, e.tracked())

		exec.onCall = func(s *model.WorkflowStep) {
			if s.ID == "b" {
				_ = e.PauseExecution(ctx, "exec-2")
			}
		}
		result, err := e.ExecuteWorkflow(ctx, newContext("exec-2", 1))
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusCompleted, result.Status)
		assert.Zero(t, e.tracked())

		exec.onCall = func(s *model.WorkflowStep) {
			_ = e.CancelExecution(ctx, "exec-3")
		}
		result, err = e.ExecuteWorkflow(ctx, newContext("exec-3", 0))
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusFailed, result.Status)
		assert.Zero(t, e.tracked())
	})

	t.Run("CancelWhilePaused", func(t *testing.T) {
		e, state, _, _, _ := newTestEngine(t, step("a"))
		require.NoError(t, e.PauseExecution(ctx, "exec-1"))
		result, err := e.ExecuteWorkflow(ctx, newContext("exec-1", 0))
		require.NoError(t, err)
		require.Equal(t, model.ExecutionStatusPending, result.Status)
		assert.Equal(t, 1, e.tracked(), "pause carries over to the next run")

		require.NoError(t, e.CancelExecution(ctx, "exec-1"))
		assert.Zero(t, e.tracked())
		assert.False(t, e.IsPaused("exec-1"))

		_, err = state.GetExecutionContext(ctx, "exec-1")
		assert.ErrorIs(t, err, ErrExecutionNotFound)
		_, err = e.ContinueExecution(ctx, "exec-1")
		assert.Error(t, err)
	})

	t.Run("ResumeWithoutRun", func(t *testing.T) {
		e, _, _, _, _ := newTestEngine(t, step("a"))
		require.NoError(t, e.PauseExecution(ctx, "exec-1"))
		require.NoError(t, e.ResumeExecution(ctx, "exec-1"))
		assert.Zero(t, e.tracked())
	})
}

// tracked returns how many executions hold control flags
func (e *Engine) tracked() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.controls)
}

func TestStartExecution(t *testing.T) {
	e, state, _, _, _ := newTestEngine(t, step("a"))

	result, err := e.StartExecution(context.Background(), "wf-1", map[string]interface{}{"branch": "main"})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, result.Status)
	assert.NotEmpty(t, result.ExecutionID)

	saved, err := state.GetExecutionContext(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "main", saved.Variables["branch"])
}

func TestContextCancellation(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t, step("a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := e.ExecuteWorkflow(ctx, newContext("exec-1", 0))
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, result.Status)
	assert.Contains(t, result.Error, context.Canceled.Error())
}

// failingState rejects execution context updates
type failingState struct {
	*MemoryStateManager
}

func (f failingState) UpdateExecutionContext(ctx context.Context, execCtx *model.WorkflowExecutionContext) error {
	return errors.New("database is locked")
}

func TestPersistFailureDoesNotStopRun(t *testing.T) {
	mem := NewMemoryStateManager()
	require.NoError(t, mem.SaveWorkflow(context.Background(), &model.Workflow{ID: "wf-1", Steps: []model.WorkflowStep{step("a"), step("b")}}))

	e := NewEngine(failingState{mem}, zaptest.NewLogger(t))
	e.RegisterExecutor(newScriptedExecutor())

	result, err := e.ExecuteWorkflow(context.Background(), newContext("exec-1", 0))
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, result.Status)
	assert.Len(t, result.StepResults, 2)
}

func TestStepExecutorFunc(t *testing.T) {
	f := StepExecutorFunc{
		Type: model.StepTypeNotification,
		Fn: func(ctx context.Context, step *model.WorkflowStep, execCtx *model.WorkflowExecutionContext) (*model.StepExecutionResult, error) {
			return &model.StepExecutionResult{Success: true}, nil
		},
	}
	assert.True(t, f.CanExecute(model.StepTypeNotification))
	assert.False(t, f.CanExecute(model.StepTypeShellCommand))
}
