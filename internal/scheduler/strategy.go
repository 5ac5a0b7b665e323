package scheduler

import (
	"fmt"
	"sort"

	"github.com/t77yq/flowplane/internal/model"
)

// StrategyType names a selection strategy in configuration
type StrategyType string

const (
	StrategyRoundRobin      StrategyType = "round_robin"
	StrategyLeastLoaded     StrategyType = "least_loaded"
	StrategyPriorityBased   StrategyType = "priority_based"
	StrategyCapabilityMatch StrategyType = "capability_match"
)

// SelectionStrategy picks one agent out of the agents suitable for a task.
// The candidates are never empty and are listed in registration order.
type SelectionStrategy interface {
	Select(candidates []*model.Agent, task *model.Task) *model.Agent
}

// NewStrategy creates a fresh strategy instance. Each call returns
// independent state.
func NewStrategy(name StrategyType) (SelectionStrategy, error) {
	switch name {
	case StrategyRoundRobin:
		return &RoundRobinStrategy{}, nil
	case StrategyLeastLoaded, "":
		return &LeastLoadedStrategy{}, nil
	case StrategyPriorityBased:
		return &PriorityBasedStrategy{}, nil
	case StrategyCapabilityMatch:
		return &CapabilityMatchStrategy{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// RoundRobinStrategy cycles through the candidates with its own counter.
// Callers serialize Select; the distributor holds its lock across it.
type RoundRobinStrategy struct {
	current int
}

// Select implements SelectionStrategy
func (s *RoundRobinStrategy) Select(candidates []*model.Agent, task *model.Task) *model.Agent {
	agent := candidates[s.current%len(candidates)]
	s.current++
	return agent
}

// LeastLoadedStrategy picks the agent with the lowest load ratio. Ties go to
// the earliest candidate.
type LeastLoadedStrategy struct{}

// Select implements SelectionStrategy
func (s *LeastLoadedStrategy) Select(candidates []*model.Agent, task *model.Task) *model.Agent {
	return leastLoaded(candidates)
}

// PriorityBasedStrategy prefers high agent priority, then low current load
type PriorityBasedStrategy struct{}

// Select implements SelectionStrategy
func (s *PriorityBasedStrategy) Select(candidates []*model.Agent, task *model.Task) *model.Agent {
	sorted := append([]*model.Agent(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].CurrentLoad < sorted[j].CurrentLoad
	})
	return sorted[0]
}

// CapabilityMatchStrategy prefers agents whose capability set equals the
// task's required set and falls back to least loaded over all candidates
type CapabilityMatchStrategy struct{}

// Select implements SelectionStrategy
func (s *CapabilityMatchStrategy) Select(candidates []*model.Agent, task *model.Task) *model.Agent {
	var exact []*model.Agent
	for _, a := range candidates {
		if sameSet(a.Capabilities, task.RequiredCapabilities) {
			exact = append(exact, a)
		}
	}
	if len(exact) > 0 {
		return leastLoaded(exact)
	}
	return leastLoaded(candidates)
}

func leastLoaded(candidates []*model.Agent) *model.Agent {
	selected := candidates[0]
	for _, a := range candidates[1:] {
		if a.LoadRatio() < selected.LoadRatio() {
			selected = a
		}
	}
	return selected
}

func sameSet(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	want := make(map[string]bool, len(b))
	for _, v := range b {
		if !set[v] {
			return false
		}
		want[v] = true
	}
	return len(set) == len(want)
}
