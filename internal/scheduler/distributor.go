// Package scheduler implements the task distributor: a priority queue of
// pending agent tasks, pluggable agent selection, the task lifecycle and
// retry on failure.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/flowplane/internal/events"
	"github.com/t77yq/flowplane/internal/model"
	"github.com/t77yq/flowplane/internal/store"
)

const (
	DefaultMaxRetries = 3
	DefaultTimeout    = 5 * time.Minute

	historyTimeout = 5 * time.Second
)

// Config defines configuration for the task distributor
type Config struct {
	Strategy          StrategyType
	DefaultMaxRetries int
	DefaultTimeout    time.Duration
	EnableFailover    bool
}

// AgentPool is the view of the agent fleet the distributor needs. ReserveSlot
// and ReleaseSlot must check capacity and adjust load atomically.
type AgentPool interface {
	GetAvailableAgents() []*model.Agent
	ReserveSlot(agentID string) (*model.Agent, error)
	ReleaseSlot(agentID string) error
	UpdateMetrics(agentID string, succeeded bool, executionTime time.Duration)
}

// HistoryRecorder stores tasks once they reach a terminal status
type HistoryRecorder interface {
	RecordTask(ctx context.Context, task *model.Task) error
}

// Option customizes a Distributor
type Option func(*Distributor)

// WithTaskStore replaces the in-memory task table
func WithTaskStore(s store.Store[model.Task]) Option {
	return func(d *Distributor) { d.tasks = s }
}

// WithStrategy overrides the strategy named in Config
func WithStrategy(s SelectionStrategy) Option {
	return func(d *Distributor) { d.strategy = s }
}

// WithHistory records terminal tasks to h
func WithHistory(h HistoryRecorder) Option {
	return func(d *Distributor) { d.history = h }
}

// WithPublisher sends task events to p
func WithPublisher(p events.Publisher) Option {
	return func(d *Distributor) { d.emitter = events.NewEmitter(p, d.logger) }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(d *Distributor) { d.now = now }
}

// Distributor owns the task table, the pending queue and the assignment
// table. All three change together under mu; the lock is never held while
// waiting on a task.
type Distributor struct {
	logger   *zap.Logger
	config   Config
	agents   AgentPool
	strategy SelectionStrategy
	history  HistoryRecorder
	emitter  *events.Emitter
	now      func() time.Time

	mu          sync.Mutex
	tasks       store.Store[model.Task]
	queue       *TaskQueue
	assignments map[string]*model.TaskAssignment
	done        map[string]chan struct{}
}

// NewDistributor creates a new task distributor
func NewDistributor(config Config, agents AgentPool, logger *zap.Logger, opts ...Option) (*Distributor, error) {
	if config.DefaultMaxRetries < 0 {
		return nil, fmt.Errorf("default max retries must not be negative, got %d", config.DefaultMaxRetries)
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultTimeout
	}

	d := &Distributor{
		logger:      logger.Named("task-distributor"),
		config:      config,
		agents:      agents,
		tasks:       store.NewMemoryStore(func(t *model.Task) string { return t.ID }),
		queue:       NewTaskQueue(),
		assignments: make(map[string]*model.TaskAssignment),
		done:        make(map[string]chan struct{}),
		now:         time.Now,
	}
	d.emitter = events.NewEmitter(nil, d.logger)

	for _, opt := range opts {
		opt(d)
	}

	if d.strategy == nil {
		strategy, err := NewStrategy(config.Strategy)
		if err != nil {
			return nil, err
		}
		d.strategy = strategy
	}

	return d, nil
}

// outbox collects side effects produced under the lock so they can be
// delivered after it is released
type outbox struct {
	notes    []note
	finished []*model.Task
}

type note struct {
	typ  events.Type
	data map[string]interface{}
}

func (o *outbox) emit(t events.Type, data map[string]interface{}) {
	o.notes = append(o.notes, note{typ: t, data: data})
}

func (d *Distributor) flush(o *outbox) {
	for _, n := range o.notes {
		d.emitter.Emit(n.typ, n.data)
	}
	if d.history == nil {
		return
	}
	for _, task := range o.finished {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		if err := d.history.RecordTask(ctx, task); err != nil {
			d.logger.Warn("Failed to record task history",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
		cancel()
	}
}

// SubmitTask creates a pending task, queues it and tries to drain the queue
func (d *Distributor) SubmitTask(sub *model.TaskSubmission) (*model.Task, error) {
	if sub == nil {
		return nil, fmt.Errorf("%w: submission is nil", ErrInvalidSubmission)
	}

	priority := sub.Priority
	if priority == 0 {
		priority = model.TaskPriorityNormal
	}
	if priority < model.TaskPriorityLow || priority > model.TaskPriorityCritical {
		return nil, fmt.Errorf("%w: priority %d out of range", ErrInvalidSubmission, priority)
	}

	maxRetries := d.config.DefaultMaxRetries
	if sub.MaxRetries != nil {
		if *sub.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max retries must not be negative", ErrInvalidSubmission)
		}
		maxRetries = *sub.MaxRetries
	}
	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = d.config.DefaultTimeout
	}

	task := &model.Task{
		ID:                   uuid.New().String(),
		WorkflowID:           sub.WorkflowID,
		StepID:               sub.StepID,
		Type:                 sub.Type,
		RequiredCapabilities: append([]string(nil), sub.RequiredCapabilities...),
		Priority:             priority,
		Status:               model.TaskStatusPending,
		Payload:              sub.Payload,
		Timeout:              timeout,
		MaxRetries:           maxRetries,
		Metadata:             sub.Metadata,
		CreatedAt:            d.now(),
	}

	var out outbox
	d.mu.Lock()
	d.tasks.Put(task)
	d.queue.Push(task)
	d.done[task.ID] = make(chan struct{})
	out.emit(events.TaskSubmitted, map[string]interface{}{
		"task_id":     task.ID,
		"workflow_id": task.WorkflowID,
		"step_id":     task.StepID,
		"priority":    task.Priority.String(),
	})
	d.logger.Info("Task submitted",
		zap.String("task_id", task.ID),
		zap.String("workflow_id", task.WorkflowID),
		zap.String("step_id", task.StepID),
		zap.String("priority", task.Priority.String()),
		zap.Strings("required_capabilities", task.RequiredCapabilities))
	d.drainLocked(&out)
	snapshot := task.Clone()
	d.mu.Unlock()

	d.flush(&out)
	return snapshot, nil
}

// ProcessTaskQueue attempts to assign every pending task in queue order and
// returns how many were assigned
func (d *Distributor) ProcessTaskQueue() int {
	var out outbox
	d.mu.Lock()
	n := d.drainLocked(&out)
	d.mu.Unlock()

	d.flush(&out)
	return n
}

// AssignTask tries to bind a pending task to a suitable agent. It returns
// ErrNoSuitableAgent and leaves the task pending when nobody can take it.
func (d *Distributor) AssignTask(taskID string) (*model.TaskAssignment, error) {
	var out outbox
	d.mu.Lock()
	task, ok := d.tasks.Get(taskID)
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != model.TaskStatusPending {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot assign task %s in status %s", ErrInvalidTransition, taskID, task.Status)
	}
	assignment := d.assignLocked(task, &out)
	var result *model.TaskAssignment
	if assignment != nil {
		c := *assignment
		result = &c
	}
	d.mu.Unlock()

	d.flush(&out)
	if result == nil {
		return nil, fmt.Errorf("%w: task %s", ErrNoSuitableAgent, taskID)
	}
	return result, nil
}

func (d *Distributor) drainLocked(out *outbox) int {
	assigned := 0
	for _, task := range d.queue.Snapshot() {
		if d.assignLocked(task, out) != nil {
			assigned++
		}
	}
	if assigned > 0 {
		d.logger.Debug("Task queue processed",
			zap.Int("assigned", assigned),
			zap.Int("queue_length", d.queue.Len()))
	}
	return assigned
}

// assignLocked selects an agent for a pending task and reserves a slot on it.
// A reservation can lose a race with a concurrent status change on the agent,
// in which case the agent is dropped and selection runs again.
func (d *Distributor) assignLocked(task *model.Task, out *outbox) *model.TaskAssignment {
	candidates := d.suitableAgents(task)
	for len(candidates) > 0 {
		choice := d.strategy.Select(candidates, task)

		agent, err := d.agents.ReserveSlot(choice.ID)
		if err != nil {
			d.logger.Debug("Agent slot reservation failed",
				zap.String("task_id", task.ID),
				zap.String("agent_id", choice.ID),
				zap.Error(err))
			candidates = without(candidates, choice.ID)
			continue
		}

		now := d.now()
		task.Status = model.TaskStatusAssigned
		task.AssignedAgentID = agent.ID
		task.AssignedAt = &now
		d.queue.Remove(task.ID)

		assignment := &model.TaskAssignment{
			TaskID:     task.ID,
			AgentID:    agent.ID,
			AssignedAt: now,
		}
		d.assignments[task.ID] = assignment

		d.logger.Info("Task assigned",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agent.ID),
			zap.String("agent_name", agent.Name),
			zap.Int("agent_load", agent.CurrentLoad))
		out.emit(events.TaskAssigned, map[string]interface{}{
			"task_id":     task.ID,
			"workflow_id": task.WorkflowID,
			"agent_id":    agent.ID,
		})
		return assignment
	}
	return nil
}

func (d *Distributor) suitableAgents(task *model.Task) []*model.Agent {
	var suitable []*model.Agent
	for _, a := range d.agents.GetAvailableAgents() {
		if a.Status == model.AgentStatusAvailable && a.HasCapacity() && a.HasCapabilities(task.RequiredCapabilities) {
			suitable = append(suitable, a)
		}
	}
	return suitable
}

func without(agents []*model.Agent, id string) []*model.Agent {
	out := make([]*model.Agent, 0, len(agents))
	for _, a := range agents {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}

// StartTask moves an assigned task to running
func (d *Distributor) StartTask(taskID string) error {
	var out outbox
	d.mu.Lock()
	task, ok := d.tasks.Get(taskID)
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != model.TaskStatusAssigned {
		d.mu.Unlock()
		return fmt.Errorf("%w: cannot start task %s in status %s", ErrInvalidTransition, taskID, task.Status)
	}
	now := d.now()
	task.Status = model.TaskStatusRunning
	task.StartedAt = &now
	out.emit(events.TaskStarted, map[string]interface{}{
		"task_id":  task.ID,
		"agent_id": task.AssignedAgentID,
	})
	d.mu.Unlock()

	d.logger.Debug("Task started", zap.String("task_id", taskID))
	d.flush(&out)
	return nil
}

// CompleteTask records the agent's result, frees the agent slot and, for a
// failure with failover enabled, requeues the task while retries remain.
// Domain failures never come back as errors; only unknown tasks or tasks
// without a live assignment do.
func (d *Distributor) CompleteTask(taskID string, result *model.TaskResult) error {
	if result == nil {
		return fmt.Errorf("%w: result is nil", ErrInvalidSubmission)
	}

	var out outbox
	d.mu.Lock()
	task, ok := d.tasks.Get(taskID)
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	assignment, ok := d.assignments[taskID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: task %s in status %s", ErrAssignmentNotFound, taskID, task.Status)
	}

	d.completeLocked(task, assignment, result, &out)
	d.drainLocked(&out)
	d.mu.Unlock()

	d.flush(&out)
	return nil
}

// completeLocked applies a result to a task holding assignment: it frees the
// slot, updates agent metrics and finishes or requeues the task
func (d *Distributor) completeLocked(task *model.Task, assignment *model.TaskAssignment, result *model.TaskResult, out *outbox) {
	taskID := task.ID
	now := d.now()
	task.CompletedAt = &now
	if task.Metadata == nil {
		task.Metadata = make(map[string]interface{})
	}
	if result.Success {
		task.Status = model.TaskStatusCompleted
		task.Metadata[model.MetadataOutput] = result.Output
		delete(task.Metadata, model.MetadataError)
	} else {
		task.Status = model.TaskStatusFailed
		task.Metadata[model.MetadataError] = result.Error
	}

	delete(d.assignments, taskID)
	if err := d.agents.ReleaseSlot(assignment.AgentID); errors.Is(err, model.ErrNotFound) {
		d.logger.Debug("Agent gone before its slot was released",
			zap.String("task_id", taskID),
			zap.String("agent_id", assignment.AgentID))
	} else if err != nil {
		d.logger.Warn("Failed to release agent slot",
			zap.String("task_id", taskID),
			zap.String("agent_id", assignment.AgentID),
			zap.Error(err))
	}
	d.agents.UpdateMetrics(assignment.AgentID, result.Success, result.ExecutionTime)

	switch {
	case result.Success:
		d.logger.Info("Task completed",
			zap.String("task_id", taskID),
			zap.String("agent_id", assignment.AgentID),
			zap.Duration("execution_time", result.ExecutionTime))
		d.finishLocked(task, out)
		out.emit(events.TaskCompleted, map[string]interface{}{
			"task_id":     taskID,
			"workflow_id": task.WorkflowID,
			"agent_id":    assignment.AgentID,
		})
	case d.config.EnableFailover && task.RetryCount < task.MaxRetries:
		task.RetryCount++
		task.Status = model.TaskStatusPending
		task.AssignedAgentID = ""
		task.AssignedAt = nil
		task.StartedAt = nil
		task.CompletedAt = nil
		d.queue.Push(task)

		d.logger.Info("Task scheduled for retry",
			zap.String("task_id", taskID),
			zap.String("failed_agent_id", assignment.AgentID),
			zap.Int("retry_count", task.RetryCount),
			zap.Int("max_retries", task.MaxRetries),
			zap.String("error", result.Error))
		out.emit(events.TaskRetried, map[string]interface{}{
			"task_id":     taskID,
			"workflow_id": task.WorkflowID,
			"retry_count": task.RetryCount,
			"error":       result.Error,
		})
	default:
		d.logger.Error("Task failed permanently",
			zap.String("task_id", taskID),
			zap.String("agent_id", assignment.AgentID),
			zap.Int("retry_count", task.RetryCount),
			zap.String("error", result.Error))
		d.finishLocked(task, out)
		out.emit(events.TaskFailed, map[string]interface{}{
			"task_id":     taskID,
			"workflow_id": task.WorkflowID,
			"agent_id":    assignment.AgentID,
			"error":       result.Error,
		})
	}

}

// ReleaseAgent fails every task assigned to an agent that is gone or offline,
// so retries can move them to another agent. It returns the number of tasks
// released.
func (d *Distributor) ReleaseAgent(agentID string) int {
	var out outbox
	d.mu.Lock()
	var held []*model.TaskAssignment
	for _, a := range d.assignments {
		if a.AgentID == agentID {
			held = append(held, a)
		}
	}
	sort.Slice(held, func(i, j int) bool { return held[i].AssignedAt.Before(held[j].AssignedAt) })

	for _, assignment := range held {
		task, ok := d.tasks.Get(assignment.TaskID)
		if !ok {
			delete(d.assignments, assignment.TaskID)
			continue
		}
		d.logger.Warn("Releasing task from lost agent",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agentID),
			zap.String("status", string(task.Status)))
		d.completeLocked(task, assignment, &model.TaskResult{
			TaskID:      task.ID,
			AgentID:     agentID,
			Success:     false,
			Error:       fmt.Sprintf("agent %s is no longer available", agentID),
			CompletedAt: d.now(),
		}, &out)
	}
	if len(held) > 0 {
		d.drainLocked(&out)
	}
	d.mu.Unlock()

	d.flush(&out)
	return len(held)
}

// CancelTask cancels a non-terminal task, releasing its agent slot if it
// holds one
func (d *Distributor) CancelTask(taskID string) error {
	var out outbox
	d.mu.Lock()
	task, ok := d.tasks.Get(taskID)
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.IsTerminal() {
		d.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel task %s in status %s", ErrInvalidTransition, taskID, task.Status)
	}

	released := false
	if assignment, ok := d.assignments[taskID]; ok {
		delete(d.assignments, taskID)
		if err := d.agents.ReleaseSlot(assignment.AgentID); err != nil {
			d.logger.Warn("Failed to release agent slot",
				zap.String("task_id", taskID),
				zap.String("agent_id", assignment.AgentID),
				zap.Error(err))
		}
		released = true
	}
	d.queue.Remove(taskID)

	now := d.now()
	task.Status = model.TaskStatusCancelled
	task.CompletedAt = &now
	d.finishLocked(task, &out)
	out.emit(events.TaskCancelled, map[string]interface{}{
		"task_id":     taskID,
		"workflow_id": task.WorkflowID,
	})
	d.logger.Info("Task cancelled", zap.String("task_id", taskID))

	if released {
		d.drainLocked(&out)
	}
	d.mu.Unlock()

	d.flush(&out)
	return nil
}

// finishLocked wakes waiters and queues the task for history
func (d *Distributor) finishLocked(task *model.Task, out *outbox) {
	if ch, ok := d.done[task.ID]; ok {
		close(ch)
		delete(d.done, task.ID)
	}
	out.finished = append(out.finished, task.Clone())
}

// WaitForTask blocks until the task reaches a terminal status or ctx is done.
// On ctx expiry the task is left untouched and ctx.Err() is returned.
func (d *Distributor) WaitForTask(ctx context.Context, taskID string) (*model.Task, error) {
	d.mu.Lock()
	task, ok := d.tasks.Get(taskID)
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.IsTerminal() {
		snapshot := task.Clone()
		d.mu.Unlock()
		return snapshot, nil
	}
	ch := d.done[taskID]
	d.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return d.GetTask(taskID)
}

// GetTask returns a copy of one task
func (d *Distributor) GetTask(taskID string) (*model.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.Clone(), nil
}

// GetTasksByStatus returns tasks with the given status in submission order
func (d *Distributor) GetTasksByStatus(status model.TaskStatus) []*model.Task {
	return d.filter(func(t *model.Task) bool { return t.Status == status })
}

// GetTasksByWorkflow returns the tasks created for a workflow
func (d *Distributor) GetTasksByWorkflow(workflowID string) []*model.Task {
	return d.filter(func(t *model.Task) bool { return t.WorkflowID == workflowID })
}

// GetTasksByAgent returns the tasks currently assigned to or running on an agent
func (d *Distributor) GetTasksByAgent(agentID string) []*model.Task {
	return d.filter(func(t *model.Task) bool {
		a, ok := d.assignments[t.ID]
		return ok && a.AgentID == agentID
	})
}

func (d *Distributor) filter(keep func(*model.Task) bool) []*model.Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*model.Task
	for _, t := range d.tasks.List() {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// GetQueueLength returns the number of queued pending tasks
func (d *Distributor) GetQueueLength() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// GetAssignment returns the live assignment of a task
func (d *Distributor) GetAssignment(taskID string) (*model.TaskAssignment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.assignments[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrAssignmentNotFound, taskID)
	}
	c := *a
	return &c, nil
}

// GetAssignments returns every live assignment, oldest first
func (d *Distributor) GetAssignments() []*model.TaskAssignment {
	d.mu.Lock()
	out := make([]*model.TaskAssignment, 0, len(d.assignments))
	for _, a := range d.assignments {
		c := *a
		out = append(out, &c)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// GetStatistics returns counts per status plus queue and assignment sizes
func (d *Distributor) GetStatistics() model.TaskStatistics {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := model.TaskStatistics{
		QueueLength:       d.queue.Len(),
		ActiveAssignments: len(d.assignments),
	}
	for _, t := range d.tasks.List() {
		stats.Total++
		switch t.Status {
		case model.TaskStatusPending:
			stats.Pending++
		case model.TaskStatusAssigned:
			stats.Assigned++
		case model.TaskStatusRunning:
			stats.Running++
		case model.TaskStatusCompleted:
			stats.Completed++
		case model.TaskStatusFailed:
			stats.Failed++
		case model.TaskStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// PruneTasks drops terminal tasks that finished before cutoff from the task
// table and returns how many were removed
func (d *Distributor) PruneTasks(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for _, t := range d.tasks.List() {
		if t.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			d.tasks.Delete(t.ID)
			removed++
		}
	}
	if removed > 0 {
		d.logger.Info("Pruned finished tasks", zap.Int("removed", removed))
	}
	return removed
}
