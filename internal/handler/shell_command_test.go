package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flowplane/internal/model"
)

func TestShellCommandExecutor(t *testing.T) {
	e := NewShellCommandExecutor(zaptest.NewLogger(t))
	execCtx := &model.WorkflowExecutionContext{WorkflowID: "wf-1", ExecutionID: "exec-1"}

	assert.True(t, e.CanExecute(model.StepTypeShellCommand))
	assert.False(t, e.CanExecute(model.StepTypeHTTPRequest))

	t.Run("Success", func(t *testing.T) {
		step := &model.WorkflowStep{
			ID:   "echo",
			Type: model.StepTypeShellCommand,
			Config: map[string]interface{}{
				"command": "echo",
				"args":    []interface{}{"hello", "world"},
			},
		}

		result, err := e.Execute(context.Background(), step, execCtx)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "echo", result.StepID)

		output := result.Output.(map[string]interface{})
		assert.Equal(t, "hello world\n", output["output"])
		assert.Equal(t, 0, output["exit_code"])
	})

	t.Run("Environment", func(t *testing.T) {
		step := &model.WorkflowStep{
			ID:   "env",
			Type: model.StepTypeShellCommand,
			Config: map[string]interface{}{
				"command": "sh",
				"args":    []string{"-c", "echo $GREETING"},
				"env":     map[string]interface{}{"GREETING": "hi"},
			},
		}

		result, err := e.Execute(context.Background(), step, execCtx)
		require.NoError(t, err)
		require.True(t, result.Success, result.Error)
		assert.Equal(t, "hi\n", result.Output.(map[string]interface{})["output"])
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		step := &model.WorkflowStep{
			ID:   "fail",
			Type: model.StepTypeShellCommand,
			Config: map[string]interface{}{
				"command": "sh",
				"args":    []string{"-c", "echo broken >&2; exit 3"},
			},
		}

		result, err := e.Execute(context.Background(), step, execCtx)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "code 3")
		assert.Contains(t, result.Error, "broken")
		assert.Equal(t, 3, result.Output.(map[string]interface{})["exit_code"])
	})

	t.Run("Timeout", func(t *testing.T) {
		step := &model.WorkflowStep{
			ID:      "slow",
			Type:    model.StepTypeShellCommand,
			Timeout: 50 * time.Millisecond,
			Config: map[string]interface{}{
				"command": "sleep",
				"args":    []string{"5"},
			},
		}

		result, err := e.Execute(context.Background(), step, execCtx)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "timed out")
		assert.Less(t, result.Duration, 5*time.Second)
	})

	t.Run("MissingCommand", func(t *testing.T) {
		step := &model.WorkflowStep{ID: "empty", Type: model.StepTypeShellCommand}

		result, err := e.Execute(context.Background(), step, execCtx)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "no command")
	})

	t.Run("UnknownBinary", func(t *testing.T) {
		step := &model.WorkflowStep{
			ID:     "missing",
			Type:   model.StepTypeShellCommand,
			Config: map[string]interface{}{"command": "flowplane-no-such-binary"},
		}

		result, err := e.Execute(context.Background(), step, execCtx)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "command failed")
	})
}
