package coordinator

import (
	"sync"

	"github.com/t77yq/flowplane/internal/model"
)

// Step config keys read by the coordinator
const (
	ConfigAgentType    = "agentType"
	ConfigCapabilities = "capabilities"
	ConfigPriority     = "priority"
	ConfigMaxRetries   = "maxRetries"
)

// FallbackCapability is required when a step names no known agent type and
// lists no capabilities
const FallbackCapability = "code-analysis"

// CapabilityRule describes what an agent type needs. Extras maps a boolean
// step config flag to an additional capability required when the flag is set.
type CapabilityRule struct {
	Capabilities    []string
	Extras          map[string]string
	DefaultPriority model.TaskPriority
}

// CapabilityTable resolves a step's declared agent type to the capabilities
// and default priority of the task created for it
type CapabilityTable struct {
	mu    sync.RWMutex
	rules map[string]CapabilityRule
}

// NewCapabilityTable creates an empty table
func NewCapabilityTable() *CapabilityTable {
	return &CapabilityTable{rules: make(map[string]CapabilityRule)}
}

// DefaultCapabilityTable returns a table with the built-in agent types
func DefaultCapabilityTable() *CapabilityTable {
	t := NewCapabilityTable()
	t.Register("security-guardian", CapabilityRule{
		Capabilities:    []string{"security-scanning"},
		Extras:          map[string]string{"includeCodeReview": "code-review"},
		DefaultPriority: model.TaskPriorityHigh,
	})
	t.Register("performance-optimizer", CapabilityRule{
		Capabilities:    []string{"performance-optimization"},
		Extras:          map[string]string{"includeMonitoring": "monitoring"},
		DefaultPriority: model.TaskPriorityNormal,
	})
	t.Register("style-enforcer", CapabilityRule{
		Capabilities:    []string{"code-formatting"},
		DefaultPriority: model.TaskPriorityLow,
	})
	t.Register("test-generator", CapabilityRule{
		Capabilities:    []string{"test-generation"},
		DefaultPriority: model.TaskPriorityHigh,
	})
	t.Register("documentation-updater", CapabilityRule{
		Capabilities:    []string{"documentation"},
		DefaultPriority: model.TaskPriorityLow,
	})
	return t
}

// Register adds or replaces the rule for an agent type
func (t *CapabilityTable) Register(agentType string, rule CapabilityRule) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rule.DefaultPriority == 0 {
		rule.DefaultPriority = model.TaskPriorityNormal
	}
	t.rules[agentType] = rule
}

// Lookup returns the rule registered for an agent type
func (t *CapabilityTable) Lookup(agentType string) (CapabilityRule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rule, ok := t.rules[agentType]
	return rule, ok
}

// Resolve returns the capabilities a step's task requires
func (t *CapabilityTable) Resolve(step *model.WorkflowStep) []string {
	if rule, ok := t.Lookup(step.ConfigString(ConfigAgentType)); ok {
		caps := append([]string(nil), rule.Capabilities...)
		for flag, extra := range rule.Extras {
			if step.ConfigBool(flag) {
				caps = append(caps, extra)
			}
		}
		return caps
	}

	if explicit := step.ConfigStrings(ConfigCapabilities); len(explicit) > 0 {
		return explicit
	}
	return []string{FallbackCapability}
}

// ResolvePriority returns the explicit priority in the step config, or the
// default of the step's agent type
func (t *CapabilityTable) ResolvePriority(step *model.WorkflowStep) model.TaskPriority {
	if p := step.ConfigString(ConfigPriority); p != "" {
		return model.ParseTaskPriority(p)
	}
	if rule, ok := t.Lookup(step.ConfigString(ConfigAgentType)); ok {
		return rule.DefaultPriority
	}
	return model.TaskPriorityNormal
}
