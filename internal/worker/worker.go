// Package worker runs an in-process agent: it registers with the agent
// manager, keeps its heartbeat fresh and executes the tasks the distributor
// assigns to it.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flowplane/internal/model"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultPollInterval      = 100 * time.Millisecond
)

// TaskHandler executes one task and returns its output
type TaskHandler interface {
	Handle(ctx context.Context, task *model.Task) (interface{}, error)
}

// TaskHandlerFunc adapts a function to a TaskHandler
type TaskHandlerFunc func(ctx context.Context, task *model.Task) (interface{}, error)

// Handle implements TaskHandler
func (f TaskHandlerFunc) Handle(ctx context.Context, task *model.Task) (interface{}, error) {
	return f(ctx, task)
}

// Registry is the part of the agent manager a worker talks to
type Registry interface {
	Register(reg *model.AgentRegistration) (*model.Agent, error)
	Unregister(agentID string) error
	Heartbeat(agentID string) error
	UpdateStatus(agentID string, status model.AgentStatus) error
}

// TaskSource is the part of the task distributor a worker talks to
type TaskSource interface {
	GetTasksByAgent(agentID string) []*model.Task
	StartTask(taskID string) error
	CompleteTask(taskID string, result *model.TaskResult) error
	ReleaseAgent(agentID string) int
}

// Config describes the agent a worker registers as
type Config struct {
	Name               string
	Type               string
	Capabilities       []string
	MaxConcurrentTasks int
	Priority           int
	HeartbeatInterval  time.Duration
	PollInterval       time.Duration
}

// Worker executes tasks for one registered agent
type Worker struct {
	logger  *zap.Logger
	config  Config
	agents  Registry
	tasks   TaskSource
	handler TaskHandler

	mu      sync.Mutex
	agentID string
	running map[string]context.CancelFunc

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewWorker creates a new worker. The agent is registered on Register or on
// the first Run.
func NewWorker(config Config, agents Registry, tasks TaskSource, handler TaskHandler, logger *zap.Logger) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.MaxConcurrentTasks <= 0 {
		return nil, fmt.Errorf("worker %s: max concurrent tasks must be positive", config.Name)
	}
	if handler == nil {
		return nil, fmt.Errorf("worker %s: handler is required", config.Name)
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}

	return &Worker{
		logger:  logger.Named("worker").With(zap.String("worker", config.Name)),
		config:  config,
		agents:  agents,
		tasks:   tasks,
		handler: handler,
		running: make(map[string]context.CancelFunc),
		sem:     make(chan struct{}, config.MaxConcurrentTasks),
	}, nil
}

// Register registers the agent if it is not registered yet
func (w *Worker) Register() (*model.Agent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.agentID != "" {
		return nil, fmt.Errorf("worker %s already registered as %s", w.config.Name, w.agentID)
	}
	agent, err := w.agents.Register(&model.AgentRegistration{
		Name:               w.config.Name,
		Type:               w.config.Type,
		Capabilities:       w.config.Capabilities,
		MaxConcurrentTasks: w.config.MaxConcurrentTasks,
		Priority:           w.config.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register worker %s: %w", w.config.Name, err)
	}
	w.agentID = agent.ID

	w.logger.Info("Worker registered",
		zap.String("agent_id", agent.ID),
		zap.Strings("capabilities", agent.Capabilities))
	return agent, nil
}

// AgentID returns the id of the registered agent, or "" before registration
func (w *Worker) AgentID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.agentID
}

// Run heartbeats and executes assigned tasks until ctx is done. The agent is
// put into maintenance, running tasks are cancelled and awaited, then the
// agent is unregistered and anything still assigned to it is released.
func (w *Worker) Run(ctx context.Context) error {
	agentID := w.AgentID()
	if agentID == "" {
		agent, err := w.Register()
		if err != nil {
			return err
		}
		agentID = agent.ID
	}

	heartbeat := time.NewTicker(w.config.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(w.config.PollInterval)
	defer poll.Stop()

	w.logger.Info("Worker started", zap.String("agent_id", agentID))
	w.poll(ctx, agentID)

	for {
		select {
		case <-ctx.Done():
			w.stop(agentID)
			return nil
		case <-heartbeat.C:
			if err := w.agents.Heartbeat(agentID); err != nil {
				w.logger.Warn("Heartbeat failed",
					zap.String("agent_id", agentID),
					zap.Error(err))
			}
		case <-poll.C:
			w.poll(ctx, agentID)
		}
	}
}

// poll starts every assigned task that is not already running here
func (w *Worker) poll(ctx context.Context, agentID string) {
	for _, task := range w.tasks.GetTasksByAgent(agentID) {
		if task.Status != model.TaskStatusAssigned {
			continue
		}

		w.mu.Lock()
		_, busy := w.running[task.ID]
		w.mu.Unlock()
		if busy {
			continue
		}

		select {
		case w.sem <- struct{}{}:
		default:
			w.logger.Debug("No free execution slot",
				zap.String("task_id", task.ID))
			return
		}

		if err := w.tasks.StartTask(task.ID); err != nil {
			<-w.sem
			w.logger.Warn("Failed to start task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}

		var (
			taskCtx context.Context
			cancel  context.CancelFunc
		)
		if task.Timeout > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		} else {
			taskCtx, cancel = context.WithCancel(ctx)
		}
		w.mu.Lock()
		w.running[task.ID] = cancel
		w.mu.Unlock()

		w.wg.Add(1)
		go w.execute(taskCtx, agentID, task)
	}
}

func (w *Worker) execute(ctx context.Context, agentID string, task *model.Task) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		if cancel, ok := w.running[task.ID]; ok {
			cancel()
			delete(w.running, task.ID)
		}
		w.mu.Unlock()
		<-w.sem
	}()

	w.logger.Info("Executing task",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type))

	start := time.Now()
	output, err := w.handler.Handle(ctx, task)
	result := &model.TaskResult{
		TaskID:        task.ID,
		AgentID:       agentID,
		Success:       err == nil,
		Output:        output,
		ExecutionTime: time.Since(start),
		CompletedAt:   time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
		w.logger.Warn("Task handler failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	if err := w.tasks.CompleteTask(task.ID, result); err != nil {
		w.logger.Warn("Failed to report task result",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// Running returns the number of tasks executing on this worker
func (w *Worker) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

func (w *Worker) stop(agentID string) {
	w.logger.Info("Stopping worker", zap.String("agent_id", agentID))

	// Retried tasks must not land back on this agent while it drains.
	if err := w.agents.UpdateStatus(agentID, model.AgentStatusMaintenance); err != nil {
		w.logger.Warn("Failed to take agent out of rotation",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}

	w.mu.Lock()
	for _, cancel := range w.running {
		cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()

	if err := w.agents.Unregister(agentID); err != nil {
		w.logger.Warn("Failed to unregister agent",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
	if n := w.tasks.ReleaseAgent(agentID); n > 0 {
		w.logger.Info("Released tasks left on agent",
			zap.String("agent_id", agentID),
			zap.Int("count", n))
	}

	w.mu.Lock()
	w.agentID = ""
	w.mu.Unlock()
}
