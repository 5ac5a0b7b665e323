package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/t77yq/flowplane/internal/model"
	"github.com/t77yq/flowplane/internal/store"
)

// StateManager persists workflow definitions and execution contexts
type StateManager interface {
	SaveWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, workflowID string) (*model.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, workflowID string, status model.WorkflowStatus) error

	SaveExecutionContext(ctx context.Context, execCtx *model.WorkflowExecutionContext) error
	GetExecutionContext(ctx context.Context, executionID string) (*model.WorkflowExecutionContext, error)
	UpdateExecutionContext(ctx context.Context, execCtx *model.WorkflowExecutionContext) error
	DeleteExecutionContext(ctx context.Context, executionID string) error
}

// MemoryStateManager keeps state in process memory
type MemoryStateManager struct {
	mu         sync.RWMutex
	workflows  store.Store[model.Workflow]
	executions store.Store[model.WorkflowExecutionContext]
}

// NewMemoryStateManager creates an empty state manager
func NewMemoryStateManager() *MemoryStateManager {
	return &MemoryStateManager{
		workflows:  store.NewMemoryStore(func(w *model.Workflow) string { return w.ID }),
		executions: store.NewMemoryStore(func(c *model.WorkflowExecutionContext) string { return c.ExecutionID }),
	}
}

func (m *MemoryStateManager) SaveWorkflow(ctx context.Context, wf *model.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := cloneWorkflow(wf)
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.workflows.Put(c)
	return nil
}

func (m *MemoryStateManager) GetWorkflow(ctx context.Context, workflowID string) (*model.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wf, ok := m.workflows.Get(workflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return cloneWorkflow(wf), nil
}

func (m *MemoryStateManager) UpdateWorkflowStatus(ctx context.Context, workflowID string, status model.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows.Get(workflowID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	wf.Status = status
	wf.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStateManager) SaveExecutionContext(ctx context.Context, execCtx *model.WorkflowExecutionContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.executions.Put(cloneExecutionContext(execCtx))
	return nil
}

func (m *MemoryStateManager) GetExecutionContext(ctx context.Context, executionID string) (*model.WorkflowExecutionContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.executions.Get(executionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return cloneExecutionContext(c), nil
}

func (m *MemoryStateManager) UpdateExecutionContext(ctx context.Context, execCtx *model.WorkflowExecutionContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions.Get(execCtx.ExecutionID); !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, execCtx.ExecutionID)
	}
	m.executions.Put(cloneExecutionContext(execCtx))
	return nil
}

func (m *MemoryStateManager) DeleteExecutionContext(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.executions.Delete(executionID) {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return nil
}

func cloneWorkflow(wf *model.Workflow) *model.Workflow {
	c := *wf
	c.Steps = append([]model.WorkflowStep(nil), wf.Steps...)
	return &c
}

func cloneExecutionContext(execCtx *model.WorkflowExecutionContext) *model.WorkflowExecutionContext {
	c := *execCtx
	if execCtx.Variables != nil {
		c.Variables = make(map[string]interface{}, len(execCtx.Variables))
		for k, v := range execCtx.Variables {
			c.Variables[k] = v
		}
	}
	if execCtx.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(execCtx.Metadata))
		for k, v := range execCtx.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
