package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flowplane/internal/model"
)

// Step config keys read by ShellCommandExecutor
const (
	ShellConfigCommand    = "command"
	ShellConfigArgs       = "args"
	ShellConfigEnv        = "env"
	ShellConfigWorkingDir = "workingDir"
)

// ShellCommandExecutor runs SHELL_COMMAND steps as local processes
type ShellCommandExecutor struct {
	logger *zap.Logger
}

// NewShellCommandExecutor creates a new shell command executor
func NewShellCommandExecutor(logger *zap.Logger) *ShellCommandExecutor {
	return &ShellCommandExecutor{
		logger: logger.Named("shell-executor"),
	}
}

// CanExecute implements engine.StepExecutor
func (e *ShellCommandExecutor) CanExecute(stepType model.StepType) bool {
	return stepType == model.StepTypeShellCommand
}

// Execute runs the command and captures its combined output. A non-zero exit
// code or timeout fails the step.
func (e *ShellCommandExecutor) Execute(ctx context.Context, step *model.WorkflowStep, execCtx *model.WorkflowExecutionContext) (*model.StepExecutionResult, error) {
	start := time.Now()

	command := step.ConfigString(ShellConfigCommand)
	if command == "" {
		return failed(step, start, nil, "shell step %s has no command", step.ID), nil
	}
	args := step.ConfigStrings(ShellConfigArgs)

	cmdCtx, cancel := stepContext(ctx, step)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, command, args...)
	if dir := step.ConfigString(ShellConfigWorkingDir); dir != "" {
		cmd.Dir = dir
	}
	if env := configStringMap(step, ShellConfigEnv); len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		cmd.Env = os.Environ()
		for _, k := range keys {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, env[k]))
		}
	}

	e.logger.Info("Executing shell command",
		zap.String("step_id", step.ID),
		zap.String("command", command),
		zap.Strings("args", args))

	out, err := cmd.CombinedOutput()
	output := map[string]interface{}{
		"output":    string(out),
		"exit_code": cmd.ProcessState.ExitCode(),
	}
	if err == nil {
		return succeeded(step, start, output), nil
	}

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return failed(step, start, output, "command execution timed out after %s", step.Timeout), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = exitErr.Error()
		}
		return failed(step, start, output, "command exited with code %d: %s", exitErr.ExitCode(), msg), nil
	}

	e.logger.Warn("Shell command could not run",
		zap.String("step_id", step.ID),
		zap.Error(err))
	return failed(step, start, nil, "command failed: %v", err), nil
}
