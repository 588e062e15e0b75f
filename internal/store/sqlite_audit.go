package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
)

// UpsertToolExecution inserts the row for a tool_use_id, or updates the
// mutable fields if it already exists. Exactly one row per
// (session_id, tool_use_id) is maintained by the unique constraint.
func (s *SQLiteStore) UpsertToolExecution(ctx context.Context, t *ToolExecution) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = ToolStatusPending
	}
	if t.PermissionDecision == "" {
		t.PermissionDecision = PermissionNotChecked
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapSQLError(err, "upsert tool execution")
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tool_executions WHERE session_id = ? AND tool_use_id = ?`,
		t.SessionID, t.ToolUseID).Scan(&existing)
	if err != nil {
		return mapSQLError(err, "upsert tool execution")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tool_executions (id, session_id, tool_use_id, tool_name, input, output,
			status, error_message, duration_ms, permission_decision, permission_reason,
			started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, tool_use_id) DO UPDATE SET
			status = excluded.status,
			permission_decision = excluded.permission_decision,
			permission_reason = excluded.permission_reason`,
		t.ID, t.SessionID, t.ToolUseID, t.ToolName, marshalJSON(t.Input, "{}"),
		t.Output, t.Status, t.ErrorMessage, t.DurationMS,
		t.PermissionDecision, t.PermissionReason, t.StartedAt, t.CompletedAt)
	if err != nil {
		return mapSQLError(err, "upsert tool execution")
	}

	// The counter is bumped here, on first write only, so it stays equal to
	// the number of tool_executions rows whichever path creates the row
	// first (tracking hook, tool_use gate, or control request).
	if existing == 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET total_tool_calls = total_tool_calls + 1, updated_at = ?
			WHERE id = ?`, time.Now().UTC(), t.SessionID)
		if err != nil {
			return mapSQLError(err, "count tool call")
		}
	}
	if err := tx.Commit(); err != nil {
		return mapSQLError(err, "upsert tool execution")
	}
	return nil
}

// CompleteToolExecution moves a tool execution to a terminal status and
// computes duration_ms from started_at.
func (s *SQLiteStore) CompleteToolExecution(ctx context.Context, sessionID, toolUseID string, status ToolStatus, output, errMsg string, completedAt time.Time) error {
	if !status.IsTerminal() {
		return apperrors.Validation("tool completion requires a terminal status")
	}
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_executions SET
			status = ?,
			output = ?,
			error_message = ?,
			completed_at = ?,
			duration_ms = MAX(0, CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER))
		WHERE session_id = ? AND tool_use_id = ?`,
		status, output, errMsg, completedAt, completedAt, sessionID, toolUseID)
	if err != nil {
		return mapSQLError(err, "complete tool execution")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("tool_execution", toolUseID)
	}
	return nil
}

// ToolExecutionsBySession returns tool executions in start order.
func (s *SQLiteStore) ToolExecutionsBySession(ctx context.Context, sessionID string) ([]*ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, tool_use_id, tool_name, input, output, status,
		       error_message, duration_ms, permission_decision, permission_reason,
		       started_at, completed_at
		FROM tool_executions WHERE session_id = ? ORDER BY started_at, tool_use_id`, sessionID)
	if err != nil {
		return nil, mapSQLError(err, "query tool executions")
	}
	defer rows.Close()

	var out []*ToolExecution
	for rows.Next() {
		t, err := scanToolExecution(rows)
		if err != nil {
			return nil, mapSQLError(err, "scan tool execution")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetToolExecution returns the row for one tool invocation.
func (s *SQLiteStore) GetToolExecution(ctx context.Context, sessionID, toolUseID string) (*ToolExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, tool_use_id, tool_name, input, output, status,
		       error_message, duration_ms, permission_decision, permission_reason,
		       started_at, completed_at
		FROM tool_executions WHERE session_id = ? AND tool_use_id = ?`, sessionID, toolUseID)
	t, err := scanToolExecution(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("tool_execution", toolUseID)
	}
	if err != nil {
		return nil, mapSQLError(err, "get tool execution")
	}
	return t, nil
}

func scanToolExecution(row rowScanner) (*ToolExecution, error) {
	var t ToolExecution
	var inputJSON string
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.SessionID, &t.ToolUseID, &t.ToolName, &inputJSON,
		&t.Output, &t.Status, &t.ErrorMessage, &t.DurationMS,
		&t.PermissionDecision, &t.PermissionReason, &t.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(inputJSON, &t.Input)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

// InsertHookExecution writes one hook audit row.
func (s *SQLiteStore) InsertHookExecution(ctx context.Context, h *HookExecution) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.ExecutedAt.IsZero() {
		h.ExecutedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hook_executions (id, session_id, hook_name, hook_kind, tool_use_id,
			input_snapshot, output_snapshot, continue_execution, error, duration_ms, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.SessionID, h.HookName, h.HookKind, h.ToolUseID,
		marshalJSON(h.InputSnapshot, "{}"), marshalJSON(h.OutputSnapshot, "{}"),
		h.ContinueExecution, h.Error, h.DurationMS, h.ExecutedAt)
	if err != nil {
		return mapSQLError(err, "insert hook execution")
	}
	return nil
}

// HooksBySession returns hook audit rows, optionally filtered by kind.
func (s *SQLiteStore) HooksBySession(ctx context.Context, sessionID string, kind HookKind) ([]*HookExecution, error) {
	query := `
		SELECT id, session_id, hook_name, hook_kind, tool_use_id, input_snapshot,
		       output_snapshot, continue_execution, error, duration_ms, executed_at
		FROM hook_executions WHERE session_id = ?`
	args := []interface{}{sessionID}
	if kind != "" {
		query += " AND hook_kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY executed_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err, "query hook executions")
	}
	defer rows.Close()

	var out []*HookExecution
	for rows.Next() {
		var h HookExecution
		var inputJSON, outputJSON string
		if err := rows.Scan(&h.ID, &h.SessionID, &h.HookName, &h.HookKind,
			&h.ToolUseID, &inputJSON, &outputJSON, &h.ContinueExecution,
			&h.Error, &h.DurationMS, &h.ExecutedAt); err != nil {
			return nil, mapSQLError(err, "scan hook execution")
		}
		unmarshalJSON(inputJSON, &h.InputSnapshot)
		unmarshalJSON(outputJSON, &h.OutputSnapshot)
		out = append(out, &h)
	}
	return out, rows.Err()
}

// InsertPermissionDecision writes one permission audit row.
func (s *SQLiteStore) InsertPermissionDecision(ctx context.Context, d *PermissionDecision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_decisions (id, session_id, tool_name, input_snapshot,
			decision, policy_name, reason, interrupted, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SessionID, d.ToolName, marshalJSON(d.InputSnapshot, "{}"),
		d.Decision, d.PolicyName, d.Reason, d.Interrupted, d.DecidedAt)
	if err != nil {
		return mapSQLError(err, "insert permission decision")
	}
	return nil
}

// PermissionsBySession returns permission audit rows, optionally filtered by
// decision.
func (s *SQLiteStore) PermissionsBySession(ctx context.Context, sessionID string, decision PermissionOutcome) ([]*PermissionDecision, error) {
	query := `
		SELECT id, session_id, tool_name, input_snapshot, decision, policy_name,
		       reason, interrupted, decided_at
		FROM permission_decisions WHERE session_id = ?`
	args := []interface{}{sessionID}
	if decision != "" {
		query += " AND decision = ?"
		args = append(args, decision)
	}
	query += " ORDER BY decided_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err, "query permission decisions")
	}
	defer rows.Close()

	var out []*PermissionDecision
	for rows.Next() {
		var d PermissionDecision
		var inputJSON string
		if err := rows.Scan(&d.ID, &d.SessionID, &d.ToolName, &inputJSON,
			&d.Decision, &d.PolicyName, &d.Reason, &d.Interrupted, &d.DecidedAt); err != nil {
			return nil, mapSQLError(err, "scan permission decision")
		}
		unmarshalJSON(inputJSON, &d.InputSnapshot)
		out = append(out, &d)
	}
	return out, rows.Err()
}
