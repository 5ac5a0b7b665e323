package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flowplane/internal/monitor"
)

// Job names
const (
	JobHealthCheck     = "health-check"
	JobQueueDrain      = "queue-drain"
	JobWorkflowCleanup = "workflow-cleanup"
	JobHistoryCleanup  = "history-cleanup"
	JobMetrics         = "metrics"
)

// DefaultHistoryRetention is how long finished tasks are kept
const DefaultHistoryRetention = 30 * 24 * time.Hour

// Config holds one cron spec per job. An empty spec disables the job's
// schedule.
type Config struct {
	HealthCheck      string        `mapstructure:"health_check"`
	QueueDrain       string        `mapstructure:"queue_drain"`
	WorkflowCleanup  string        `mapstructure:"workflow_cleanup"`
	HistoryCleanup   string        `mapstructure:"history_cleanup"`
	Metrics          string        `mapstructure:"metrics"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// HealthChecker marks agents with stale heartbeats offline
type HealthChecker interface {
	PerformHealthCheck() []string
}

// TaskQueue is the distributor surface the jobs use
type TaskQueue interface {
	ProcessTaskQueue() int
	PruneTasks(cutoff time.Time) int
	ReleaseAgent(agentID string) int
}

// WorkflowTracker forgets workflows whose tasks are all terminal
type WorkflowTracker interface {
	CleanupCompletedWorkflows() int
}

// HistoryStore deletes task history older than a cutoff
type HistoryStore interface {
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

// Dependencies are the components the jobs operate on. History, Metrics and
// Alerts may be nil.
type Dependencies struct {
	Agents    HealthChecker
	Tasks     TaskQueue
	Workflows WorkflowTracker
	History   HistoryStore
	Metrics   *monitor.MetricsCollector
	Alerts    *monitor.AlertManager
	Now       func() time.Time
}

// RegisterJobs adds the standard housekeeping jobs to s
func RegisterJobs(s *Scheduler, cfg Config, deps Dependencies) error {
	logger := s.logger
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	retention := cfg.HistoryRetention
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}

	jobs := []struct {
		name string
		spec string
		run  JobFunc
	}{
		{JobHealthCheck, cfg.HealthCheck, func(ctx context.Context) {
			offline := deps.Agents.PerformHealthCheck()
			if len(offline) == 0 {
				return
			}
			logger.Warn("Agents marked offline", zap.Strings("agent_ids", offline))
			for _, id := range offline {
				if n := deps.Tasks.ReleaseAgent(id); n > 0 {
					logger.Info("Tasks released from offline agent",
						zap.String("agent_id", id),
						zap.Int("tasks", n))
				}
			}
		}},
		{JobQueueDrain, cfg.QueueDrain, func(ctx context.Context) {
			if n := deps.Tasks.ProcessTaskQueue(); n > 0 {
				logger.Debug("Queued tasks assigned", zap.Int("assigned", n))
			}
		}},
		{JobWorkflowCleanup, cfg.WorkflowCleanup, func(ctx context.Context) {
			if n := deps.Workflows.CleanupCompletedWorkflows(); n > 0 {
				logger.Info("Completed workflows released", zap.Int("workflows", n))
			}
		}},
		{JobHistoryCleanup, cfg.HistoryCleanup, func(ctx context.Context) {
			cutoff := now().Add(-retention)
			if deps.History != nil {
				if _, err := deps.History.Cleanup(ctx, cutoff); err != nil {
					logger.Error("Failed to clean up task history", zap.Error(err))
				}
			}
			if n := deps.Tasks.PruneTasks(cutoff); n > 0 {
				logger.Info("Finished tasks pruned", zap.Int("tasks", n), zap.Time("before", cutoff))
			}
		}},
		{JobMetrics, cfg.Metrics, func(ctx context.Context) {
			if deps.Metrics == nil {
				return
			}
			snapshot := deps.Metrics.Collect(ctx)
			if deps.Alerts != nil {
				deps.Alerts.Evaluate(snapshot)
			}
		}},
	}

	for _, j := range jobs {
		if err := s.AddJob(j.name, j.spec, j.run); err != nil {
			return err
		}
	}
	return nil
}
