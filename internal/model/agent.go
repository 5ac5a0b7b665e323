package model

import (
	"time"
)

// AgentStatus represents the current status of an agent
type AgentStatus string

const (
	AgentStatusAvailable   AgentStatus = "available"
	AgentStatusBusy        AgentStatus = "busy"
	AgentStatusOffline     AgentStatus = "offline"
	AgentStatusMaintenance AgentStatus = "maintenance"
)

// IsValid reports whether s is one of the known agent statuses
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusAvailable, AgentStatusBusy, AgentStatusOffline, AgentStatusMaintenance:
		return true
	}
	return false
}

// Agent represents a registered worker that executes tasks
type Agent struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name"`
	Type               string                 `json:"type"`
	Capabilities       []string               `json:"capabilities"`
	Status             AgentStatus            `json:"status"`
	CurrentLoad        int                    `json:"current_load"`
	MaxConcurrentTasks int                    `json:"max_concurrent_tasks"`
	Priority           int                    `json:"priority"`
	LastHeartbeat      time.Time              `json:"last_heartbeat"`
	RegisteredAt       time.Time              `json:"registered_at"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// HasCapability reports whether the agent advertises the given capability
func (a *Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether every required capability is present
func (a *Agent) HasCapabilities(required []string) bool {
	for _, c := range required {
		if !a.HasCapability(c) {
			return false
		}
	}
	return true
}

// HasCapacity reports whether the agent can take another task
func (a *Agent) HasCapacity() bool {
	return a.CurrentLoad < a.MaxConcurrentTasks
}

// LoadRatio returns current load as a fraction of capacity
func (a *Agent) LoadRatio() float64 {
	if a.MaxConcurrentTasks <= 0 {
		return 1
	}
	return float64(a.CurrentLoad) / float64(a.MaxConcurrentTasks)
}

// Clone returns a deep copy safe to hand out of a locked section
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// AgentRegistration is the payload an agent submits to join the fleet
type AgentRegistration struct {
	Name               string                 `json:"name" yaml:"name"`
	Type               string                 `json:"type" yaml:"type"`
	Capabilities       []string               `json:"capabilities" yaml:"capabilities"`
	MaxConcurrentTasks int                    `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	Priority           int                    `json:"priority" yaml:"priority"`
	Metadata           map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// AgentMetrics tracks per-agent execution counters
type AgentMetrics struct {
	AgentID              string        `json:"agent_id"`
	TasksCompleted       int           `json:"tasks_completed"`
	TasksFailed          int           `json:"tasks_failed"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	SuccessRate          float64       `json:"success_rate"`
	LastTaskCompletedAt  *time.Time    `json:"last_task_completed_at,omitempty"`
}

// AgentStatistics counts agents by status
type AgentStatistics struct {
	Total       int `json:"total"`
	Available   int `json:"available"`
	Busy        int `json:"busy"`
	Offline     int `json:"offline"`
	Maintenance int `json:"maintenance"`
}
