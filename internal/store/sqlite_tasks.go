package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
)

// CreateTask inserts a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, name, prompt_template, sdk_options, allowed_tools,
			variables, schedule_cron, schedule_enabled, generate_report, report_format,
			tags, next_fire_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Name, t.PromptTemplate,
		marshalJSON(t.SDKOptions, "{}"), marshalJSON(t.AllowedTools, "[]"),
		marshalJSON(t.Variables, "{}"), t.ScheduleCron, t.ScheduleEnabled,
		t.GenerateReport, t.ReportFormat, marshalJSON(t.Tags, "[]"),
		t.NextFireAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return mapSQLError(err, "create task")
	}
	return nil
}

// GetTask returns a task by id. Soft-deleted tasks are not returned.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ? AND deleted_at IS NULL`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, mapSQLError(err, "get task")
	}
	return t, nil
}

const taskSelect = `
	SELECT id, user_id, name, prompt_template, sdk_options, allowed_tools, variables,
	       schedule_cron, schedule_enabled, generate_report, report_format, tags,
	       next_fire_at, exec_count, success_count, failure_count,
	       created_at, updated_at, deleted_at
	FROM tasks`

// UpdateTask updates a task's definition fields.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET name = ?, prompt_template = ?, sdk_options = ?, allowed_tools = ?,
			variables = ?, schedule_cron = ?, schedule_enabled = ?, generate_report = ?,
			report_format = ?, tags = ?, next_fire_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		t.Name, t.PromptTemplate, marshalJSON(t.SDKOptions, "{}"),
		marshalJSON(t.AllowedTools, "[]"), marshalJSON(t.Variables, "{}"),
		t.ScheduleCron, t.ScheduleEnabled, t.GenerateReport, t.ReportFormat,
		marshalJSON(t.Tags, "[]"), t.NextFireAt, t.UpdatedAt, t.ID)
	if err != nil {
		return mapSQLError(err, "update task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("task", t.ID)
	}
	return nil
}

// SoftDeleteTask marks a task deleted without cascading to its executions.
func (s *SQLiteStore) SoftDeleteTask(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET deleted_at = ?, schedule_enabled = 0, next_fire_at = NULL, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return mapSQLError(err, "delete task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

// ListTasks returns a user's tasks (all users when userID is empty).
func (s *SQLiteStore) ListTasks(ctx context.Context, userID string) ([]*Task, error) {
	query := taskSelect + ` WHERE deleted_at IS NULL`
	args := []interface{}{}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC"
	return s.queryTasks(ctx, query, args...)
}

// DueTasks returns scheduled tasks whose fire time has passed.
func (s *SQLiteStore) DueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	return s.queryTasks(ctx, taskSelect+`
		WHERE deleted_at IS NULL AND schedule_enabled = 1
		  AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY next_fire_at`, now.UTC())
}

// ScheduledTasks returns all schedule-enabled tasks (used at startup).
func (s *SQLiteStore) ScheduledTasks(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx, taskSelect+`
		WHERE deleted_at IS NULL AND schedule_enabled = 1 ORDER BY created_at`)
}

// SetTaskNextFire updates the precomputed next fire time.
func (s *SQLiteStore) SetTaskNextFire(ctx context.Context, id string, at *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET next_fire_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		at, time.Now().UTC(), id)
	if err != nil {
		return mapSQLError(err, "set task next fire")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

// IncrementTaskStats applies atomic increments to a task's statistics.
func (s *SQLiteStore) IncrementTaskStats(ctx context.Context, id string, execs, successes, failures int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			exec_count = exec_count + ?,
			success_count = success_count + ?,
			failure_count = failure_count + ?,
			updated_at = ?
		WHERE id = ?`,
		execs, successes, failures, time.Now().UTC(), id)
	if err != nil {
		return mapSQLError(err, "increment task stats")
	}
	return nil
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err, "query tasks")
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapSQLError(err, "scan task")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var sdkJSON, toolsJSON, varsJSON, tagsJSON string
	var nextFireAt, deletedAt sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.PromptTemplate, &sdkJSON,
		&toolsJSON, &varsJSON, &t.ScheduleCron, &t.ScheduleEnabled,
		&t.GenerateReport, &t.ReportFormat, &tagsJSON, &nextFireAt,
		&t.ExecCount, &t.SuccessCount, &t.FailureCount,
		&t.CreatedAt, &t.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(sdkJSON, &t.SDKOptions)
	unmarshalJSON(toolsJSON, &t.AllowedTools)
	unmarshalJSON(varsJSON, &t.Variables)
	unmarshalJSON(tagsJSON, &t.Tags)
	if nextFireAt.Valid {
		t.NextFireAt = &nextFireAt.Time
	}
	if deletedAt.Valid {
		t.DeletedAt = &deletedAt.Time
	}
	return &t, nil
}

// CreateTaskExecution inserts a new execution row.
func (s *SQLiteStore) CreateTaskExecution(ctx context.Context, e *TaskExecution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = ExecutionStatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_executions (id, task_id, session_id, trigger_kind, variables,
			status, result, error, retry_count, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.SessionID, e.Trigger, marshalJSON(e.Variables, "{}"),
		e.Status, e.Result, e.Error, e.RetryCount, e.CreatedAt, e.StartedAt, e.CompletedAt)
	if err != nil {
		return mapSQLError(err, "create task execution")
	}
	return nil
}

// UpdateTaskExecution updates an execution's progress fields.
func (s *SQLiteStore) UpdateTaskExecution(ctx context.Context, e *TaskExecution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET session_id = ?, status = ?, result = ?, error = ?,
			retry_count = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		e.SessionID, e.Status, e.Result, e.Error, e.RetryCount,
		e.StartedAt, e.CompletedAt, e.ID)
	if err != nil {
		return mapSQLError(err, "update task execution")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("task_execution", e.ID)
	}
	return nil
}

// GetTaskExecution returns an execution by id.
func (s *SQLiteStore) GetTaskExecution(ctx context.Context, id string) (*TaskExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, session_id, trigger_kind, variables, status, result,
		       error, retry_count, created_at, started_at, completed_at
		FROM task_executions WHERE id = ?`, id)
	e, err := scanTaskExecution(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task_execution", id)
	}
	if err != nil {
		return nil, mapSQLError(err, "get task execution")
	}
	return e, nil
}

// ExecutionsByTask returns a task's executions, newest first.
func (s *SQLiteStore) ExecutionsByTask(ctx context.Context, taskID string, limit int) ([]*TaskExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, session_id, trigger_kind, variables, status, result,
		       error, retry_count, created_at, started_at, completed_at
		FROM task_executions WHERE task_id = ? ORDER BY created_at DESC LIMIT ?`,
		taskID, limit)
	if err != nil {
		return nil, mapSQLError(err, "query task executions")
	}
	defer rows.Close()

	var out []*TaskExecution
	for rows.Next() {
		e, err := scanTaskExecution(rows)
		if err != nil {
			return nil, mapSQLError(err, "scan task execution")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanTaskExecution(row rowScanner) (*TaskExecution, error) {
	var e TaskExecution
	var varsJSON string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&e.ID, &e.TaskID, &e.SessionID, &e.Trigger, &varsJSON,
		&e.Status, &e.Result, &e.Error, &e.RetryCount,
		&e.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(varsJSON, &e.Variables)
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return &e, nil
}
