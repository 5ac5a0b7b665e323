package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flowplane/internal/model"
)

// ErrHistoryNotFound is returned when no record exists for a task
var ErrHistoryNotFound = fmt.Errorf("task history %w", model.ErrNotFound)

// TaskHistory is the final record of a task that reached a terminal state
type TaskHistory struct {
	TaskID      string           `json:"task_id"`
	WorkflowID  string           `json:"workflow_id"`
	StepID      string           `json:"step_id"`
	Type        string           `json:"type"`
	Status      model.TaskStatus `json:"status"`
	AgentID     string           `json:"agent_id,omitempty"`
	RetryCount  int              `json:"retry_count"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Duration    time.Duration    `json:"duration,omitempty"`
}

// HistoryFilter narrows List and Count. Empty fields match everything.
type HistoryFilter struct {
	WorkflowID string
	AgentID    string
	Status     model.TaskStatus
}

func (f HistoryFilter) where() (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// SQLiteTaskHistory records terminal tasks. It satisfies the distributor's
// HistoryRecorder.
type SQLiteTaskHistory struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

// NewSQLiteTaskHistory creates the history table if needed
func NewSQLiteTaskHistory(db *sql.DB, logger *zap.Logger) (*SQLiteTaskHistory, error) {
	s := &SQLiteTaskHistory{
		logger: logger.Named("task-history"),
		db:     db,
		now:    time.Now,
	}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTaskHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			task_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			agent_id TEXT,
			retry_count INTEGER NOT NULL,
			payload TEXT,
			result TEXT,
			error TEXT,
			created_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL,
			duration INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_workflow_id ON task_history(workflow_id);
		CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
		CREATE INDEX IF NOT EXISTS idx_task_history_completed_at ON task_history(completed_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// RecordTask stores the final state of a task. Recording the same task twice
// keeps the latest state.
func (s *SQLiteTaskHistory) RecordTask(ctx context.Context, task *model.Task) error {
	payload, err := marshalNullable(task.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload of task %s: %w", task.ID, err)
	}
	result, err := marshalNullable(task.Output())
	if err != nil {
		return fmt.Errorf("failed to marshal result of task %s: %w", task.ID, err)
	}

	completed := s.now()
	if task.CompletedAt != nil {
		completed = *task.CompletedAt
	}
	var duration sql.NullInt64
	if task.StartedAt != nil {
		duration = sql.NullInt64{Int64: int64(completed.Sub(*task.StartedAt)), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO task_history (
			task_id, workflow_id, step_id, type, status, agent_id, retry_count,
			payload, result, error, created_at, completed_at, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.WorkflowID,
		task.StepID,
		task.Type,
		string(task.Status),
		sql.NullString{String: task.AssignedAgentID, Valid: task.AssignedAgentID != ""},
		task.RetryCount,
		payload,
		result,
		sql.NullString{String: task.ErrorMessage(), Valid: task.ErrorMessage() != ""},
		task.CreatedAt.UnixNano(),
		completed.UnixNano(),
		duration,
	)
	if err != nil {
		return fmt.Errorf("failed to store task history: %w", err)
	}
	return nil
}

const historyColumns = `task_id, workflow_id, step_id, type, status, agent_id, retry_count,
	payload, result, error, created_at, completed_at, duration`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanHistory(row scanner) (*TaskHistory, error) {
	var (
		h                        TaskHistory
		status                   string
		agentID, payload, result sql.NullString
		errorStr                 sql.NullString
		created, completed       int64
		duration                 sql.NullInt64
	)
	err := row.Scan(&h.TaskID, &h.WorkflowID, &h.StepID, &h.Type, &status, &agentID, &h.RetryCount,
		&payload, &result, &errorStr, &created, &completed, &duration)
	if err != nil {
		return nil, err
	}

	h.Status = model.TaskStatus(status)
	h.AgentID = agentID.String
	h.Error = errorStr.String
	if payload.Valid && payload.String != "" {
		h.Payload = json.RawMessage(payload.String)
	}
	if result.Valid && result.String != "" {
		h.Result = json.RawMessage(result.String)
	}
	h.CreatedAt = time.Unix(0, created)
	h.CompletedAt = time.Unix(0, completed)
	h.Duration = time.Duration(nullableNanos(duration))
	return &h, nil
}

// Get returns the record of one task
func (s *SQLiteTaskHistory) Get(ctx context.Context, taskID string) (*TaskHistory, error) {
	h, err := scanHistory(s.db.QueryRowContext(ctx,
		"SELECT "+historyColumns+" FROM task_history WHERE task_id = ?", taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrHistoryNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task history: %w", err)
	}
	return h, nil
}

// List returns matching records, most recently completed first
func (s *SQLiteTaskHistory) List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*TaskHistory, error) {
	where, args := filter.where()
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+historyColumns+" FROM task_history"+where+" ORDER BY completed_at DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	var histories []*TaskHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task history: %w", err)
		}
		histories = append(histories, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return histories, nil
}

// Count returns the number of matching records
func (s *SQLiteTaskHistory) Count(ctx context.Context, filter HistoryFilter) (int, error) {
	where, args := filter.where()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count task history: %w", err)
	}
	return count, nil
}

// Cleanup deletes records of tasks completed before the cutoff
func (s *SQLiteTaskHistory) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM task_history WHERE completed_at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete task history: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old task history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return affected, nil
}

func marshalNullable(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
