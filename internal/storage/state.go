package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flowplane/internal/engine"
	"github.com/t77yq/flowplane/internal/model"
)

var _ engine.StateManager = (*SQLiteStateRepository)(nil)

// SQLiteStateRepository stores workflow definitions and execution contexts
type SQLiteStateRepository struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

// NewSQLiteStateRepository creates the state tables if needed
func NewSQLiteStateRepository(db *sql.DB, logger *zap.Logger) (*SQLiteStateRepository, error) {
	r := &SQLiteStateRepository{
		logger: logger.Named("state-repository"),
		db:     db,
		now:    time.Now,
	}
	if err := r.initialize(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLiteStateRepository) initialize() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			definition TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS execution_contexts (
			execution_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			current_step INTEGER NOT NULL,
			variables TEXT,
			metadata TEXT,
			started_at INTEGER NOT NULL,
			last_updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_execution_contexts_workflow_id ON execution_contexts(workflow_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize state tables: %w", err)
	}
	return nil
}

// SaveWorkflow inserts or replaces a workflow definition
func (r *SQLiteStateRepository) SaveWorkflow(ctx context.Context, wf *model.Workflow) error {
	now := r.now()
	created := wf.CreatedAt
	if created.IsZero() {
		created = now
	}

	c := *wf
	c.CreatedAt = created
	c.UpdatedAt = now
	definition, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", wf.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, status, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			definition = excluded.definition,
			updated_at = excluded.updated_at`,
		wf.ID, wf.Name, string(wf.Status), string(definition), created.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// GetWorkflow loads a workflow definition
func (r *SQLiteStateRepository) GetWorkflow(ctx context.Context, workflowID string) (*model.Workflow, error) {
	var (
		definition string
		status     string
		created    int64
		updated    int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT definition, status, created_at, updated_at FROM workflows WHERE id = ?`, workflowID).
		Scan(&definition, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	var wf model.Workflow
	if err := json.Unmarshal([]byte(definition), &wf); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", workflowID, err)
	}
	// the status column is authoritative; UpdateWorkflowStatus does not rewrite the definition
	wf.Status = model.WorkflowStatus(status)
	wf.CreatedAt = time.Unix(0, created)
	wf.UpdatedAt = time.Unix(0, updated)
	return &wf, nil
}

// UpdateWorkflowStatus sets the status of a stored workflow
func (r *SQLiteStateRepository) UpdateWorkflowStatus(ctx context.Context, workflowID string, status model.WorkflowStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), r.now().UnixNano(), workflowID)
	if err != nil {
		return fmt.Errorf("failed to update workflow %s: %w", workflowID, err)
	}
	return expectRow(res, fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, workflowID))
}

// SaveExecutionContext inserts or replaces an execution context
func (r *SQLiteStateRepository) SaveExecutionContext(ctx context.Context, execCtx *model.WorkflowExecutionContext) error {
	variables, metadata, err := encodeContextMaps(execCtx)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO execution_contexts
			(execution_id, workflow_id, current_step, variables, metadata, started_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			current_step = excluded.current_step,
			variables = excluded.variables,
			metadata = excluded.metadata,
			started_at = excluded.started_at,
			last_updated_at = excluded.last_updated_at`,
		execCtx.ExecutionID, execCtx.WorkflowID, execCtx.CurrentStep, variables, metadata,
		execCtx.StartedAt.UnixNano(), execCtx.LastUpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save execution context %s: %w", execCtx.ExecutionID, err)
	}
	return nil
}

// GetExecutionContext loads an execution context
func (r *SQLiteStateRepository) GetExecutionContext(ctx context.Context, executionID string) (*model.WorkflowExecutionContext, error) {
	var (
		c                  model.WorkflowExecutionContext
		variables          sql.NullString
		metadata           sql.NullString
		started, updatedAt int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT execution_id, workflow_id, current_step, variables, metadata, started_at, last_updated_at
		FROM execution_contexts WHERE execution_id = ?`, executionID).
		Scan(&c.ExecutionID, &c.WorkflowID, &c.CurrentStep, &variables, &metadata, &started, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution context %s: %w", executionID, err)
	}

	if c.Variables, err = decodeMap(variables); err != nil {
		return nil, fmt.Errorf("failed to decode variables of %s: %w", executionID, err)
	}
	if c.Metadata, err = decodeMap(metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of %s: %w", executionID, err)
	}
	c.StartedAt = time.Unix(0, started)
	c.LastUpdatedAt = time.Unix(0, updatedAt)
	return &c, nil
}

// UpdateExecutionContext overwrites an existing execution context
func (r *SQLiteStateRepository) UpdateExecutionContext(ctx context.Context, execCtx *model.WorkflowExecutionContext) error {
	variables, metadata, err := encodeContextMaps(execCtx)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE execution_contexts SET
			workflow_id = ?, current_step = ?, variables = ?, metadata = ?, last_updated_at = ?
		WHERE execution_id = ?`,
		execCtx.WorkflowID, execCtx.CurrentStep, variables, metadata,
		execCtx.LastUpdatedAt.UnixNano(), execCtx.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to update execution context %s: %w", execCtx.ExecutionID, err)
	}
	return expectRow(res, fmt.Errorf("%w: %s", engine.ErrExecutionNotFound, execCtx.ExecutionID))
}

// DeleteExecutionContext removes an execution context
func (r *SQLiteStateRepository) DeleteExecutionContext(ctx context.Context, executionID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM execution_contexts WHERE execution_id = ?`, executionID)
	if err != nil {
		return fmt.Errorf("failed to delete execution context %s: %w", executionID, err)
	}
	return expectRow(res, fmt.Errorf("%w: %s", engine.ErrExecutionNotFound, executionID))
}

// ListExecutionContexts returns the persisted contexts of one workflow,
// oldest first. These are the runs that can still be resumed.
func (r *SQLiteStateRepository) ListExecutionContexts(ctx context.Context, workflowID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT execution_id FROM execution_contexts WHERE workflow_id = ? ORDER BY started_at`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution contexts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan execution context: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return ids, nil
}

func encodeContextMaps(execCtx *model.WorkflowExecutionContext) (sql.NullString, sql.NullString, error) {
	variables, err := encodeMap(execCtx.Variables)
	if err != nil {
		return variables, sql.NullString{}, fmt.Errorf("failed to encode variables of %s: %w", execCtx.ExecutionID, err)
	}
	metadata, err := encodeMap(execCtx.Metadata)
	if err != nil {
		return variables, metadata, fmt.Errorf("failed to encode metadata of %s: %w", execCtx.ExecutionID, err)
	}
	return variables, metadata, nil
}

func encodeMap(m map[string]interface{}) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMap(s sql.NullString) (map[string]interface{}, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
