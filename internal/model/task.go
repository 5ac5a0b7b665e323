package model

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is completed, failed or cancelled
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskPriority represents the priority level of a task
type TaskPriority int

const (
	TaskPriorityLow      TaskPriority = 1
	TaskPriorityNormal   TaskPriority = 2
	TaskPriorityHigh     TaskPriority = 3
	TaskPriorityCritical TaskPriority = 4
)

func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityLow:
		return "low"
	case TaskPriorityNormal:
		return "normal"
	case TaskPriorityHigh:
		return "high"
	case TaskPriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParseTaskPriority maps a priority name to its level. Unknown names map to normal.
func ParseTaskPriority(s string) TaskPriority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return TaskPriorityCritical
	case "high":
		return TaskPriorityHigh
	case "low":
		return TaskPriorityLow
	}
	return TaskPriorityNormal
}

// Metadata keys the distributor uses to hand results back to waiters
const (
	MetadataOutput = "output"
	MetadataError  = "error"
)

// Task represents one unit of agent work derived from a workflow step
type Task struct {
	ID                   string                 `json:"id"`
	WorkflowID           string                 `json:"workflow_id"`
	StepID               string                 `json:"step_id"`
	Type                 string                 `json:"type"`
	RequiredCapabilities []string               `json:"required_capabilities"`
	Priority             TaskPriority           `json:"priority"`
	Status               TaskStatus             `json:"status"`
	AssignedAgentID      string                 `json:"assigned_agent_id,omitempty"`
	Payload              map[string]interface{} `json:"payload,omitempty"`
	Timeout              time.Duration          `json:"timeout"`
	RetryCount           int                    `json:"retry_count"`
	MaxRetries           int                    `json:"max_retries"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`

	// Timing fields
	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the task can no longer change state. A retried
// failure goes straight back to pending, so an observed failed task is final.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Output returns the result output stored by the distributor, if any
func (t *Task) Output() interface{} {
	if t.Metadata == nil {
		return nil
	}
	return t.Metadata[MetadataOutput]
}

// ErrorMessage returns the failure message stored by the distributor, if any
func (t *Task) ErrorMessage() string {
	if t.Metadata == nil {
		return ""
	}
	msg, _ := t.Metadata[MetadataError].(string)
	return msg
}

// Clone returns a deep copy safe to hand out of a locked section
func (t *Task) Clone() *Task {
	c := *t
	c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	c.Payload = cloneMap(t.Payload)
	c.Metadata = cloneMap(t.Metadata)
	c.AssignedAt = cloneTime(t.AssignedAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

// TaskSubmission is the payload used to create a task. Nil MaxRetries and zero
// Timeout fall back to the distributor defaults.
type TaskSubmission struct {
	WorkflowID           string                 `json:"workflow_id"`
	StepID               string                 `json:"step_id"`
	Type                 string                 `json:"type"`
	RequiredCapabilities []string               `json:"required_capabilities"`
	Priority             TaskPriority           `json:"priority"`
	Payload              map[string]interface{} `json:"payload,omitempty"`
	Timeout              time.Duration          `json:"timeout,omitempty"`
	MaxRetries           *int                   `json:"max_retries,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}

// TaskResult represents the outcome an agent reports for a task
type TaskResult struct {
	TaskID        string        `json:"task_id"`
	AgentID       string        `json:"agent_id"`
	Success       bool          `json:"success"`
	Output        interface{}   `json:"output,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// TaskAssignment binds a task to the agent currently responsible for it
type TaskAssignment struct {
	TaskID     string    `json:"task_id"`
	AgentID    string    `json:"agent_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// TaskStatistics is an aggregate snapshot of the distributor
type TaskStatistics struct {
	Total             int `json:"total"`
	Pending           int `json:"pending"`
	Assigned          int `json:"assigned"`
	Running           int `json:"running"`
	Completed         int `json:"completed"`
	Failed            int `json:"failed"`
	Cancelled         int `json:"cancelled"`
	QueueLength       int `json:"queue_length"`
	ActiveAssignments int `json:"active_assignments"`
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
