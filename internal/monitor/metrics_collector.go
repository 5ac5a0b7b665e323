// Package monitor samples fleet health and raises alerts from it.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/flowplane/internal/events"
	"github.com/t77yq/flowplane/internal/model"
)

// AgentStatsSource reports agent statistics
type AgentStatsSource interface {
	GetStatistics() model.AgentStatistics
}

// TaskStatsSource reports task statistics
type TaskStatsSource interface {
	GetStatistics() model.TaskStatistics
}

// HostUsage is the host's CPU and memory utilisation in percent
type HostUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// HostSampler measures host utilisation
type HostSampler interface {
	Sample(ctx context.Context) (*HostUsage, error)
}

// SystemSampler reads host utilisation through gopsutil
type SystemSampler struct {
	// Window is how long CPU usage is measured over
	Window time.Duration
}

// Sample implements HostSampler
func (s SystemSampler) Sample(ctx context.Context) (*HostUsage, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, s.Window, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(cpuPercent) == 0 {
		return nil, fmt.Errorf("failed to get CPU usage: no samples")
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory usage: %w", err)
	}

	return &HostUsage{
		CPUPercent:    cpuPercent[0],
		MemoryPercent: memInfo.UsedPercent,
	}, nil
}

// FleetSnapshot is one sample of the control plane and its host
type FleetSnapshot struct {
	Timestamp time.Time             `json:"timestamp"`
	Agents    model.AgentStatistics `json:"agents"`
	Tasks     model.TaskStatistics  `json:"tasks"`
	Host      *HostUsage            `json:"host,omitempty"`
}

// CollectorOption configures a MetricsCollector
type CollectorOption func(*MetricsCollector)

// WithHostSampler replaces the gopsutil sampler. A nil sampler disables
// host sampling.
func WithHostSampler(s HostSampler) CollectorOption {
	return func(c *MetricsCollector) {
		c.host = s
	}
}

// WithCollectorPublisher publishes each snapshot as a metrics event
func WithCollectorPublisher(p events.Publisher) CollectorOption {
	return func(c *MetricsCollector) {
		c.emitter = events.NewEmitter(p, c.logger)
	}
}

// MetricsCollector builds fleet snapshots on demand
type MetricsCollector struct {
	logger  *zap.Logger
	agents  AgentStatsSource
	tasks   TaskStatsSource
	host    HostSampler
	emitter *events.Emitter

	mu     sync.RWMutex
	latest *FleetSnapshot
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(agents AgentStatsSource, tasks TaskStatsSource, logger *zap.Logger, opts ...CollectorOption) *MetricsCollector {
	c := &MetricsCollector{
		logger: logger.Named("metrics-collector"),
		agents: agents,
		tasks:  tasks,
		host:   SystemSampler{Window: 200 * time.Millisecond},
	}
	c.emitter = events.NewEmitter(nil, c.logger)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect takes a snapshot and publishes it. A host sampling failure is
// logged and leaves Host empty.
func (c *MetricsCollector) Collect(ctx context.Context) *FleetSnapshot {
	snapshot := &FleetSnapshot{
		Timestamp: time.Now(),
		Agents:    c.agents.GetStatistics(),
		Tasks:     c.tasks.GetStatistics(),
	}

	if c.host != nil {
		usage, err := c.host.Sample(ctx)
		if err != nil {
			c.logger.Warn("Failed to sample host usage", zap.Error(err))
		} else {
			snapshot.Host = usage
		}
	}

	c.mu.Lock()
	c.latest = snapshot
	c.mu.Unlock()

	data := map[string]interface{}{
		"agents": snapshot.Agents,
		"tasks":  snapshot.Tasks,
	}
	if snapshot.Host != nil {
		data["host"] = snapshot.Host
	}
	c.emitter.Emit(events.FleetMetrics, data)

	fields := []zap.Field{
		zap.Int("agents", snapshot.Agents.Total),
		zap.Int("agents_available", snapshot.Agents.Available),
		zap.Int("queue_length", snapshot.Tasks.QueueLength),
		zap.Int("running_tasks", snapshot.Tasks.Running),
	}
	if snapshot.Host != nil {
		fields = append(fields,
			zap.Float64("cpu_usage", snapshot.Host.CPUPercent),
			zap.Float64("memory_usage", snapshot.Host.MemoryPercent))
	}
	c.logger.Debug("Metrics collected", fields...)

	return snapshot
}

// Latest returns the most recent snapshot, or nil before the first Collect
func (c *MetricsCollector) Latest() *FleetSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return nil
	}
	s := *c.latest
	return &s
}
