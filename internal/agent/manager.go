// Package agent implements the fleet registry: capabilities, load, status,
// heartbeats and per-agent performance metrics.
package agent

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/flowplane/internal/events"
	"github.com/t77yq/flowplane/internal/model"
	"github.com/t77yq/flowplane/internal/store"
)

// DefaultHeartbeatTimeout is used when Config.HeartbeatTimeout is zero
const DefaultHeartbeatTimeout = 30 * time.Second

// Config defines configuration for the agent manager
type Config struct {
	HeartbeatTimeout time.Duration
}

// Option customizes a Manager
type Option func(*Manager)

// WithStore replaces the in-memory agent table
func WithStore(s store.Store[model.Agent]) Option {
	return func(m *Manager) { m.agents = s }
}

// WithPublisher sends agent events to p
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.emitter = events.NewEmitter(p, m.logger) }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the agent table. Every read-modify-write of an agent, including
// load changes and the status derived from them, happens under mu.
type Manager struct {
	logger  *zap.Logger
	config  Config
	mu      sync.RWMutex
	agents  store.Store[model.Agent]
	metrics map[string]*model.AgentMetrics
	emitter *events.Emitter
	now     func() time.Time
}

// NewManager creates a new agent manager
func NewManager(config Config, logger *zap.Logger, opts ...Option) *Manager {
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	m := &Manager{
		logger:  logger.Named("agent-manager"),
		config:  config,
		agents:  store.NewMemoryStore(func(a *model.Agent) string { return a.ID }),
		metrics: make(map[string]*model.AgentMetrics),
		now:     time.Now,
	}
	m.emitter = events.NewEmitter(nil, m.logger)

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a new agent to the fleet
func (m *Manager) Register(reg *model.AgentRegistration) (*model.Agent, error) {
	if err := validateRegistration(reg); err != nil {
		return nil, err
	}

	now := m.now()
	agent := &model.Agent{
		ID:                 uuid.New().String(),
		Name:               reg.Name,
		Type:               reg.Type,
		Capabilities:       dedupe(reg.Capabilities),
		Status:             model.AgentStatusAvailable,
		CurrentLoad:        0,
		MaxConcurrentTasks: reg.MaxConcurrentTasks,
		Priority:           reg.Priority,
		LastHeartbeat:      now,
		RegisteredAt:       now,
		Metadata:           reg.Metadata,
	}

	m.mu.Lock()
	m.agents.Put(agent)
	m.metrics[agent.ID] = &model.AgentMetrics{AgentID: agent.ID}
	snapshot := agent.Clone()
	m.mu.Unlock()

	m.logger.Info("Agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.String("type", agent.Type),
		zap.Strings("capabilities", agent.Capabilities),
		zap.Int("max_concurrent_tasks", agent.MaxConcurrentTasks))

	m.emitter.Emit(events.AgentRegistered, map[string]interface{}{
		"agent_id":     snapshot.ID,
		"name":         snapshot.Name,
		"type":         snapshot.Type,
		"capabilities": snapshot.Capabilities,
	})

	return snapshot, nil
}

// Unregister removes an agent and its metrics
func (m *Manager) Unregister(agentID string) error {
	m.mu.Lock()
	if !m.agents.Delete(agentID) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	delete(m.metrics, agentID)
	m.mu.Unlock()

	m.logger.Info("Agent unregistered", zap.String("agent_id", agentID))
	m.emitter.Emit(events.AgentUnregistered, map[string]interface{}{"agent_id": agentID})
	return nil
}

// UpdateStatus sets the agent status and refreshes its heartbeat
func (m *Manager) UpdateStatus(agentID string, status model.AgentStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	m.mu.Lock()
	agent, ok := m.agents.Get(agentID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	old := agent.Status
	agent.Status = status
	if status == model.AgentStatusAvailable && !agent.HasCapacity() {
		agent.Status = model.AgentStatusBusy
	}
	agent.LastHeartbeat = m.now()
	current := agent.Status
	m.mu.Unlock()

	m.statusChanged(agentID, old, current)
	return nil
}

// UpdateLoad sets the agent load, clamped into [0, MaxConcurrentTasks], and
// derives busy/available from it
func (m *Manager) UpdateLoad(agentID string, load int) error {
	m.mu.Lock()
	agent, ok := m.agents.Get(agentID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	old := agent.Status
	setLoad(agent, load)
	current := agent.Status
	m.mu.Unlock()

	m.statusChanged(agentID, old, current)
	return nil
}

// ReserveSlot atomically checks that the agent is available with spare
// capacity and increments its load
func (m *Manager) ReserveSlot(agentID string) (*model.Agent, error) {
	m.mu.Lock()
	agent, ok := m.agents.Get(agentID)
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if agent.Status == model.AgentStatusOffline || agent.Status == model.AgentStatusMaintenance {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrAgentUnavailable, agentID, agent.Status)
	}
	if !agent.HasCapacity() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentAtCapacity, agentID)
	}
	old := agent.Status
	setLoad(agent, agent.CurrentLoad+1)
	snapshot := agent.Clone()
	m.mu.Unlock()

	m.statusChanged(agentID, old, snapshot.Status)
	return snapshot, nil
}

// ReleaseSlot atomically decrements the agent load
func (m *Manager) ReleaseSlot(agentID string) error {
	m.mu.Lock()
	agent, ok := m.agents.Get(agentID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	old := agent.Status
	setLoad(agent, agent.CurrentLoad-1)
	current := agent.Status
	m.mu.Unlock()

	m.statusChanged(agentID, old, current)
	return nil
}

// Heartbeat records a liveness signal. An offline agent with spare capacity
// comes back as available.
func (m *Manager) Heartbeat(agentID string) error {
	m.mu.Lock()
	agent, ok := m.agents.Get(agentID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	agent.LastHeartbeat = m.now()
	old := agent.Status
	if agent.Status == model.AgentStatusOffline && agent.HasCapacity() {
		agent.Status = model.AgentStatusAvailable
	}
	current := agent.Status
	m.mu.Unlock()

	m.statusChanged(agentID, old, current)
	return nil
}

// GetAgent returns a copy of one agent
func (m *Manager) GetAgent(agentID string) (*model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return agent.Clone(), nil
}

// GetAllAgents returns copies of every agent in registration order
func (m *Manager) GetAllAgents() []*model.Agent {
	return m.filter(func(*model.Agent) bool { return true })
}

// GetAvailableAgents returns agents whose status is available
func (m *Manager) GetAvailableAgents() []*model.Agent {
	return m.filter(func(a *model.Agent) bool {
		return a.Status == model.AgentStatusAvailable
	})
}

// GetAgentsByCapability returns agents advertising capability regardless of status
func (m *Manager) GetAgentsByCapability(capability string) []*model.Agent {
	return m.filter(func(a *model.Agent) bool {
		return a.HasCapability(capability)
	})
}

// GetAvailableAgentsByCapability returns available agents advertising capability
func (m *Manager) GetAvailableAgentsByCapability(capability string) []*model.Agent {
	return m.filter(func(a *model.Agent) bool {
		return a.Status == model.AgentStatusAvailable && a.HasCapability(capability)
	})
}

func (m *Manager) filter(keep func(*model.Agent) bool) []*model.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Agent
	for _, a := range m.agents.List() {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	return out
}

// UpdateMetrics folds one task outcome into the agent's metrics
func (m *Manager) UpdateMetrics(agentID string, succeeded bool, executionTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics, ok := m.metrics[agentID]
	if !ok {
		m.logger.Warn("Metrics not found for agent", zap.String("agent_id", agentID))
		return
	}

	if succeeded {
		metrics.TasksCompleted++
	} else {
		metrics.TasksFailed++
	}

	n := metrics.TasksCompleted + metrics.TasksFailed
	metrics.AverageExecutionTime = (metrics.AverageExecutionTime*time.Duration(n-1) + executionTime) / time.Duration(n)
	metrics.SuccessRate = float64(metrics.TasksCompleted) / float64(n)
	now := m.now()
	metrics.LastTaskCompletedAt = &now
}

// GetMetrics returns a copy of the agent's metrics
func (m *Manager) GetMetrics(agentID string) (*model.AgentMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics, ok := m.metrics[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	c := *metrics
	return &c, nil
}

// PerformHealthCheck marks agents offline whose last heartbeat is older than
// the heartbeat timeout and returns their ids. Agents already offline are
// left alone.
func (m *Manager) PerformHealthCheck() []string {
	m.mu.Lock()
	now := m.now()
	var stale []string
	var lastSeen []time.Time
	for _, agent := range m.agents.List() {
		if agent.Status == model.AgentStatusOffline {
			continue
		}
		if now.Sub(agent.LastHeartbeat) > m.config.HeartbeatTimeout {
			agent.Status = model.AgentStatusOffline
			stale = append(stale, agent.ID)
			lastSeen = append(lastSeen, agent.LastHeartbeat)
		}
	}
	m.mu.Unlock()

	for i, id := range stale {
		m.logger.Warn("Agent marked as offline",
			zap.String("agent_id", id),
			zap.Time("last_heartbeat", lastSeen[i]))
		m.emitter.Emit(events.AgentOffline, map[string]interface{}{
			"agent_id":       id,
			"last_heartbeat": lastSeen[i],
		})
	}
	return stale
}

// GetStatistics counts agents by status
func (m *Manager) GetStatistics() model.AgentStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats model.AgentStatistics
	for _, a := range m.agents.List() {
		stats.Total++
		switch a.Status {
		case model.AgentStatusAvailable:
			stats.Available++
		case model.AgentStatusBusy:
			stats.Busy++
		case model.AgentStatusOffline:
			stats.Offline++
		case model.AgentStatusMaintenance:
			stats.Maintenance++
		}
	}
	return stats
}

func (m *Manager) statusChanged(agentID string, old, current model.AgentStatus) {
	if old == current {
		return
	}
	m.logger.Debug("Agent status changed",
		zap.String("agent_id", agentID),
		zap.String("from", string(old)),
		zap.String("to", string(current)))
	m.emitter.Emit(events.AgentStatusChanged, map[string]interface{}{
		"agent_id": agentID,
		"from":     string(old),
		"to":       string(current),
	})
}

// setLoad clamps load into [0, max] and derives busy/available. Offline and
// maintenance are operator decisions and are never overridden here.
func setLoad(agent *model.Agent, load int) {
	if load < 0 {
		load = 0
	}
	if load > agent.MaxConcurrentTasks {
		load = agent.MaxConcurrentTasks
	}
	agent.CurrentLoad = load

	switch {
	case agent.Status == model.AgentStatusOffline, agent.Status == model.AgentStatusMaintenance:
	case load == agent.MaxConcurrentTasks:
		agent.Status = model.AgentStatusBusy
	case agent.Status == model.AgentStatusBusy:
		agent.Status = model.AgentStatusAvailable
	}
}

func validateRegistration(reg *model.AgentRegistration) error {
	if reg == nil {
		return fmt.Errorf("%w: registration is nil", ErrInvalidRegistration)
	}
	if strings.TrimSpace(reg.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}
	if reg.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("%w: max concurrent tasks must be positive, got %d", ErrInvalidRegistration, reg.MaxConcurrentTasks)
	}
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
