// Package app assembles the control plane from configuration and runs its
// background parts: the simulated agent fleet and the maintenance jobs.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/flowplane/internal/agent"
	"github.com/t77yq/flowplane/internal/config"
	"github.com/t77yq/flowplane/internal/coordinator"
	"github.com/t77yq/flowplane/internal/engine"
	"github.com/t77yq/flowplane/internal/events"
	"github.com/t77yq/flowplane/internal/handler"
	"github.com/t77yq/flowplane/internal/maintenance"
	"github.com/t77yq/flowplane/internal/model"
	"github.com/t77yq/flowplane/internal/monitor"
	"github.com/t77yq/flowplane/internal/scheduler"
	"github.com/t77yq/flowplane/internal/storage"
	"github.com/t77yq/flowplane/internal/worker"
	"github.com/t77yq/flowplane/internal/workflow"
)

// App holds the wired components. History is nil when storage is in memory.
type App struct {
	logger *zap.Logger
	cfg    *config.Config

	db *sql.DB
	nc *nats.Conn

	Publisher   events.Publisher
	State       engine.StateManager
	History     *storage.SQLiteTaskHistory
	Agents      *agent.Manager
	Tasks       *scheduler.Distributor
	Coordinator *coordinator.Coordinator
	Engine      *engine.Engine
	Metrics     *monitor.MetricsCollector
	Alerts      *monitor.AlertManager
	Maintenance *maintenance.Scheduler
	Workers     []*worker.Worker
}

// Option customizes New
type Option func(*options)

type options struct {
	publisher events.Publisher
	sampler   monitor.HostSampler
	noSampler bool
}

// WithPublisher uses p instead of the publisher the configuration selects
func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithHostSampler replaces the gopsutil sampler; nil disables host metrics
func WithHostSampler(s monitor.HostSampler) Option {
	return func(o *options) {
		o.sampler = s
		o.noSampler = s == nil
	}
}

// New wires every component. The simulated agents are registered before it
// returns so tasks submitted right away find them.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{logger: logger.Named("app"), cfg: cfg}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	if err := a.setupPublisher(o); err != nil {
		return nil, err
	}
	if err := a.setupStorage(); err != nil {
		return nil, err
	}

	a.Agents = agent.NewManager(agent.Config{
		HeartbeatTimeout: cfg.Agents.HeartbeatTimeout,
	}, logger, agent.WithPublisher(a.Publisher))

	distOpts := []scheduler.Option{scheduler.WithPublisher(a.Publisher)}
	if a.History != nil {
		distOpts = append(distOpts, scheduler.WithHistory(a.History))
	}
	var err error
	a.Tasks, err = scheduler.NewDistributor(scheduler.Config{
		Strategy:          scheduler.StrategyType(cfg.Distributor.Strategy),
		DefaultMaxRetries: cfg.Distributor.DefaultMaxRetries,
		DefaultTimeout:    cfg.Distributor.DefaultTimeout,
		EnableFailover:    cfg.Distributor.EnableFailover,
	}, a.Agents, logger, distOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create task distributor: %w", err)
	}

	a.Coordinator = coordinator.NewCoordinator(coordinator.Config{
		DefaultStepTimeout: cfg.Coordinator.DefaultStepTimeout,
		CancelOnTimeout:    cfg.Coordinator.CancelOnTimeout,
	}, a.Tasks, a.Agents, logger)

	a.Engine = engine.NewEngine(a.State, logger, engine.WithPublisher(a.Publisher))
	a.Engine.RegisterExecutor(coordinator.NewAgentStepExecutor(a.Coordinator))
	a.Engine.RegisterExecutor(handler.NewShellCommandExecutor(logger))
	a.Engine.RegisterExecutor(handler.NewHTTPRequestExecutor(logger, nil))
	a.Engine.RegisterExecutor(handler.NewNotificationExecutor(a.Publisher, logger))

	collectorOpts := []monitor.CollectorOption{monitor.WithCollectorPublisher(a.Publisher)}
	if o.sampler != nil || o.noSampler {
		collectorOpts = append(collectorOpts, monitor.WithHostSampler(o.sampler))
	}
	a.Metrics = monitor.NewMetricsCollector(a.Agents, a.Tasks, logger, collectorOpts...)
	a.Alerts = monitor.NewAlertManager(logger, monitor.WithAlertPublisher(a.Publisher))
	for _, r := range cfg.Alerts {
		rule := &model.AlertRule{
			Name:      r.Name,
			Type:      model.AlertType(r.Type),
			Threshold: r.Threshold,
			Severity:  model.AlertSeverity(r.Severity),
		}
		if err := a.Alerts.AddRule(rule); err != nil {
			return nil, fmt.Errorf("alert rule %q: %w", r.Name, err)
		}
	}

	a.Maintenance = maintenance.NewScheduler(logger)
	deps := maintenance.Dependencies{
		Agents:    a.Agents,
		Tasks:     a.Tasks,
		Workflows: a.Coordinator,
		Metrics:   a.Metrics,
		Alerts:    a.Alerts,
	}
	if a.History != nil {
		deps.History = a.History
	}
	if err := maintenance.RegisterJobs(a.Maintenance, cfg.Maintenance, deps); err != nil {
		return nil, fmt.Errorf("failed to register maintenance jobs: %w", err)
	}

	if err := a.setupFleet(); err != nil {
		return nil, err
	}
	ready = true
	return a, nil
}

func (a *App) setupPublisher(o options) error {
	switch {
	case o.publisher != nil:
		a.Publisher = o.publisher
	case a.cfg.NATS.Enabled:
		nc, err := connectNATS(a.cfg.App.Name, a.cfg.NATS, a.logger)
		if err != nil {
			return err
		}
		a.nc = nc
		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		p, err := events.NewNATSPublisher(js, a.logger)
		if err != nil {
			return err
		}
		a.Publisher = p
	default:
		a.Publisher = events.NopPublisher{}
	}
	return nil
}

func (a *App) setupStorage() error {
	if a.cfg.Storage.Path == "" {
		a.State = engine.NewMemoryStateManager()
		a.logger.Info("Using in-memory state")
		return nil
	}

	db, err := storage.Open(a.cfg.Storage.Path)
	if err != nil {
		return err
	}
	a.db = db

	state, err := storage.NewSQLiteStateRepository(db, a.logger)
	if err != nil {
		return err
	}
	history, err := storage.NewSQLiteTaskHistory(db, a.logger)
	if err != nil {
		return err
	}
	a.State = state
	a.History = history
	a.logger.Info("Using SQLite state", zap.String("path", a.cfg.Storage.Path))
	return nil
}

func (a *App) setupFleet() error {
	fleet := a.cfg.Fleet
	for _, ac := range fleet.Agents {
		w, err := worker.NewWorker(worker.Config{
			Name:               ac.Name,
			Type:               ac.Type,
			Capabilities:       ac.Capabilities,
			MaxConcurrentTasks: ac.MaxConcurrentTasks,
			Priority:           ac.Priority,
			HeartbeatInterval:  fleet.HeartbeatInterval,
			PollInterval:       fleet.PollInterval,
		}, a.Agents, a.Tasks, worker.Simulated(ac.Name, fleet.TaskDelay), a.logger)
		if err != nil {
			return err
		}
		if _, err := w.Register(); err != nil {
			return err
		}
		a.Workers = append(a.Workers, w)
	}
	return nil
}

// Run runs the workers and the maintenance jobs until ctx is done or one of
// them fails
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range a.Workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}
	g.Go(func() error { return a.Maintenance.Run(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// LoadWorkflows parses every definition in dir and saves it. A workflow that
// is already stored keeps its status so interrupted runs can be found.
func (a *App) LoadWorkflows(ctx context.Context, dir string) ([]*model.Workflow, error) {
	defs, err := workflow.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, wf := range defs {
		if err := a.SaveWorkflow(ctx, wf); err != nil {
			return nil, err
		}
	}
	a.logger.Info("Workflows loaded", zap.String("dir", dir), zap.Int("workflows", len(defs)))
	return defs, nil
}

// SaveWorkflow stores wf, keeping the status of an existing definition
func (a *App) SaveWorkflow(ctx context.Context, wf *model.Workflow) error {
	existing, err := a.State.GetWorkflow(ctx, wf.ID)
	switch {
	case err == nil:
		wf.Status = existing.Status
		wf.CreatedAt = existing.CreatedAt
	case !errors.Is(err, model.ErrNotFound):
		return fmt.Errorf("failed to look up workflow %s: %w", wf.ID, err)
	}
	if err := a.State.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", wf.ID, err)
	}
	return nil
}

type executionLister interface {
	ListExecutionContexts(ctx context.Context, workflowID string) ([]string, error)
}

// ResumeInterrupted continues the executions of running workflows that
// stopped before their last step, typically because the process exited
func (a *App) ResumeInterrupted(ctx context.Context, workflowIDs []string) ([]*model.WorkflowExecutionResult, error) {
	lister, ok := a.State.(executionLister)
	if !ok {
		return nil, nil
	}

	var results []*model.WorkflowExecutionResult
	for _, id := range workflowIDs {
		wf, err := a.State.GetWorkflow(ctx, id)
		if err != nil {
			return results, err
		}
		if wf.Status != model.WorkflowStatusRunning {
			continue
		}

		executions, err := lister.ListExecutionContexts(ctx, id)
		if err != nil {
			return results, err
		}
		for _, execID := range executions {
			execCtx, err := a.State.GetExecutionContext(ctx, execID)
			if err != nil {
				return results, err
			}
			if execCtx.CurrentStep >= len(wf.Steps) {
				continue
			}

			a.logger.Info("Resuming interrupted execution",
				zap.String("workflow_id", id),
				zap.String("execution_id", execID),
				zap.Int("current_step", execCtx.CurrentStep))
			res, err := a.Engine.ExecuteWorkflow(ctx, execCtx)
			if err != nil {
				return results, err
			}
			results = append(results, res)
		}
	}
	return results, nil
}

// Close releases the database and the broker connection
func (a *App) Close() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.logger.Warn("Failed to drain NATS connection", zap.Error(err))
		}
		a.nc = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
		a.db = nil
	}
}
