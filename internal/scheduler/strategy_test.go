package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/flowplane/internal/model"
)

func TestStrategies(t *testing.T) {
	x := &model.Agent{ID: "x", CurrentLoad: 2, MaxConcurrentTasks: 3, Priority: 50, Capabilities: []string{"a", "b"}}
	y := &model.Agent{ID: "y", CurrentLoad: 0, MaxConcurrentTasks: 2, Priority: 50, Capabilities: []string{"a", "b", "c"}}
	z := &model.Agent{ID: "z", CurrentLoad: 1, MaxConcurrentTasks: 4, Priority: 150, Capabilities: []string{"a"}}

	tests := []struct {
		name       string
		strategy   StrategyType
		candidates []*model.Agent
		required   []string
		want       string
	}{
		{"LeastLoaded", StrategyLeastLoaded, []*model.Agent{x, y}, nil, "y"},
		{"LeastLoadedTieFirst", StrategyLeastLoaded, []*model.Agent{y, {ID: "w", MaxConcurrentTasks: 9}}, nil, "y"},
		{"PriorityBased", StrategyPriorityBased, []*model.Agent{x, y, z}, nil, "z"},
		{"PriorityTieLowerLoad", StrategyPriorityBased, []*model.Agent{x, y}, nil, "y"},
		{"CapabilityExact", StrategyCapabilityMatch, []*model.Agent{y, x}, []string{"b", "a"}, "x"},
		{"CapabilityFallback", StrategyCapabilityMatch, []*model.Agent{x, y}, []string{"b"}, "y"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStrategy(tt.strategy)
			require.NoError(t, err)
			got := s.Select(tt.candidates, &model.Task{RequiredCapabilities: tt.required})
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestRoundRobinStrategy(t *testing.T) {
	s, err := NewStrategy(StrategyRoundRobin)
	require.NoError(t, err)

	agents := []*model.Agent{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	var got []string
	for i := 0; i < 5; i++ {
		got = append(got, s.Select(agents, &model.Task{}).ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b"}, got)

	other, err := NewStrategy(StrategyRoundRobin)
	require.NoError(t, err)
	assert.Equal(t, "a", other.Select(agents, &model.Task{}).ID)
}

func TestUnknownStrategy(t *testing.T) {
	_, err := NewStrategy("random")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
