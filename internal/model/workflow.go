package model

import (
	"time"
)

// StepType identifies which executor handles a workflow step
type StepType string

const (
	StepTypeAgentExecution StepType = "AGENT_EXECUTION"
	StepTypeShellCommand   StepType = "SHELL_COMMAND"
	StepTypeHTTPRequest    StepType = "HTTP_REQUEST"
	StepTypeNotification   StepType = "NOTIFICATION"
)

// BackoffStrategy selects how retry delays grow between attempts
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy controls in-place retries of a failed step
type RetryPolicy struct {
	MaxAttempts     int             `json:"max_attempts" yaml:"maxAttempts"`
	BackoffStrategy BackoffStrategy `json:"backoff_strategy" yaml:"backoffStrategy"`
	InitialDelay    time.Duration   `json:"initial_delay" yaml:"initialDelay"`
	MaxDelay        time.Duration   `json:"max_delay" yaml:"maxDelay"`
}

// WorkflowStep is one unit of workflow work.
// Dependencies are recorded for consumers; execution order is the slice order.
type WorkflowStep struct {
	ID           string                 `json:"id" yaml:"id"`
	Name         string                 `json:"name" yaml:"name"`
	Type         StepType               `json:"type" yaml:"type"`
	Config       map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Timeout      time.Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RetryPolicy  *RetryPolicy           `json:"retry_policy,omitempty" yaml:"retryPolicy,omitempty"`
}

// ConfigString returns a string config value or "" when absent
func (s *WorkflowStep) ConfigString(key string) string {
	if s.Config == nil {
		return ""
	}
	v, _ := s.Config[key].(string)
	return v
}

// ConfigBool returns a boolean config value or false when absent
func (s *WorkflowStep) ConfigBool(key string) bool {
	if s.Config == nil {
		return false
	}
	v, _ := s.Config[key].(bool)
	return v
}

// ConfigStrings returns a string list config value. Both []string and
// []interface{} (as produced by YAML and JSON decoders) are accepted.
func (s *WorkflowStep) ConfigStrings(key string) []string {
	if s.Config == nil {
		return nil
	}
	switch v := s.Config[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// WorkflowStatus represents the lifecycle status of a workflow definition
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Workflow is an ordered sequence of steps executed as one logical run
type Workflow struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []WorkflowStep         `json:"steps" yaml:"steps"`
	Status      WorkflowStatus         `json:"status" yaml:"status,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time              `json:"updated_at" yaml:"-"`
}

// WorkflowExecutionContext is the resumable state of one workflow run
type WorkflowExecutionContext struct {
	WorkflowID    string                 `json:"workflow_id"`
	ExecutionID   string                 `json:"execution_id"`
	CurrentStep   int                    `json:"current_step"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	LastUpdatedAt time.Time              `json:"last_updated_at"`
}

// StepExecutionResult is the outcome of one step
type StepExecutionResult struct {
	StepID     string        `json:"step_id"`
	Success    bool          `json:"success"`
	Output     interface{}   `json:"output,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	RetryCount int           `json:"retry_count"`
}

// ExecutionStatus is the outcome of one workflow run
type ExecutionStatus string

const (
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusPending   ExecutionStatus = "pending"
)

// WorkflowExecutionResult aggregates the step results of one run
type WorkflowExecutionResult struct {
	WorkflowID    string                 `json:"workflow_id"`
	ExecutionID   string                 `json:"execution_id"`
	Status        ExecutionStatus        `json:"status"`
	StepResults   []*StepExecutionResult `json:"step_results"`
	TotalDuration time.Duration          `json:"total_duration"`
	Error         string                 `json:"error,omitempty"`
}
