package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
)

// CreateSession inserts a new session row. ID and timestamps are assigned
// when absent.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = SessionStatusCreated
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, mode, status, workdir_path, parent_session_id, fork_at_message, archive_id, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Mode, sess.Status, sess.WorkdirPath,
		sess.ParentSessionID, sess.ForkAtMessage, sess.ArchiveID, marshalJSON(sess.Config, "{}"),
		sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return mapSQLError(err, "create session")
	}
	return nil
}

// GetSession returns the session with the given id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, mode, status, workdir_path, parent_session_id, fork_at_message, archive_id, config,
		       total_messages, total_tool_calls, total_hook_executions, total_permission_checks,
		       total_errors, total_retries, cost_usd, tokens_in, tokens_out,
		       tokens_cache_write, tokens_cache_read, duration_ms,
		       created_at, started_at, completed_at, updated_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, mapSQLError(err, "get session")
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var configJSON string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Mode, &sess.Status, &sess.WorkdirPath,
		&sess.ParentSessionID, &sess.ForkAtMessage, &sess.ArchiveID, &configJSON,
		&sess.Metrics.TotalMessages, &sess.Metrics.TotalToolCalls,
		&sess.Metrics.TotalHookExecutions, &sess.Metrics.TotalPermissionCheck,
		&sess.Metrics.TotalErrors, &sess.Metrics.TotalRetries,
		&sess.Metrics.CostUSD, &sess.Metrics.TokensIn, &sess.Metrics.TokensOut,
		&sess.Metrics.TokensCacheWrite, &sess.Metrics.TokensCacheRead,
		&sess.Metrics.DurationMS,
		&sess.CreatedAt, &startedAt, &completedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(configJSON, &sess.Config)
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	return &sess, nil
}

// UpdateSessionStatus performs a guarded status transition: the update only
// applies while the row is still in the expected `from` status, and an audit
// transition row is written in the same transaction. started_at is set on
// the first transition to ACTIVE; completed_at on any terminal transition.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, from, to SessionStatus, reason string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapSQLError(err, "begin transition")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?,
			updated_at = ?,
			started_at = CASE WHEN ? = 'active' AND started_at IS NULL THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? IN ('completed', 'failed', 'terminated') AND completed_at IS NULL THEN ? ELSE completed_at END
		WHERE id = ? AND status = ?`,
		to, now, to, now, to, now, id, from)
	if err != nil {
		return mapSQLError(err, "update session status")
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Either the session is gone or someone else transitioned it first.
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return apperrors.NotFound("session", id)
			}
			return mapSQLError(err, "read session status")
		}
		return apperrors.InvalidState(fmt.Sprintf("session %s is %s, expected %s", id, current, from))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_transitions (id, session_id, from_status, to_status, reason, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), id, from, to, reason, now)
	if err != nil {
		return mapSQLError(err, "record transition")
	}

	if err := tx.Commit(); err != nil {
		return mapSQLError(err, "commit transition")
	}
	return nil
}

// SetSessionArchive records the archive id on an archived session.
func (s *SQLiteStore) SetSessionArchive(ctx context.Context, id, archiveID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET archive_id = ?, updated_at = ? WHERE id = ?`,
		archiveID, time.Now().UTC(), id)
	if err != nil {
		return mapSQLError(err, "set session archive")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// IncrementSessionMetrics applies the delta via atomic SQL increments.
func (s *SQLiteStore) IncrementSessionMetrics(ctx context.Context, id string, d MetricsDelta) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			total_messages = total_messages + ?,
			total_tool_calls = total_tool_calls + ?,
			total_hook_executions = total_hook_executions + ?,
			total_permission_checks = total_permission_checks + ?,
			total_errors = total_errors + ?,
			total_retries = total_retries + ?,
			cost_usd = cost_usd + ?,
			tokens_in = tokens_in + ?,
			tokens_out = tokens_out + ?,
			tokens_cache_write = tokens_cache_write + ?,
			tokens_cache_read = tokens_cache_read + ?,
			duration_ms = duration_ms + ?,
			updated_at = ?
		WHERE id = ?`,
		d.Messages, d.ToolCalls, d.HookExecutions, d.PermissionChecks,
		d.Errors, d.Retries, d.CostUSD, d.TokensIn, d.TokensOut,
		d.TokensCacheWrite, d.TokensCacheRead, d.DurationMS,
		time.Now().UTC(), id)
	if err != nil {
		return mapSQLError(err, "increment session metrics")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// ListSessions returns sessions matching the filter, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, f SessionFilter) ([]*Session, error) {
	query := `
		SELECT id, user_id, mode, status, workdir_path, parent_session_id, fork_at_message, archive_id, config,
		       total_messages, total_tool_calls, total_hook_executions, total_permission_checks,
		       total_errors, total_retries, cost_usd, tokens_in, tokens_out,
		       tokens_cache_write, tokens_cache_read, duration_ms,
		       created_at, started_at, completed_at, updated_at
		FROM sessions WHERE 1=1`
	args := []interface{}{}
	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Mode != "" {
		query += " AND mode = ?"
		args = append(args, f.Mode)
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}
	return s.querySessions(ctx, query, args...)
}

// ForksOf returns the direct forks of a parent session.
func (s *SQLiteStore) ForksOf(ctx context.Context, parentID string) ([]*Session, error) {
	return s.querySessions(ctx, `
		SELECT id, user_id, mode, status, workdir_path, parent_session_id, fork_at_message, archive_id, config,
		       total_messages, total_tool_calls, total_hook_executions, total_permission_checks,
		       total_errors, total_retries, cost_usd, tokens_in, tokens_out,
		       tokens_cache_write, tokens_cache_read, duration_ms,
		       created_at, started_at, completed_at, updated_at
		FROM sessions WHERE parent_session_id = ? ORDER BY created_at`, parentID)
}

// CountActiveSessions counts a user's non-terminal sessions for quota
// enforcement.
func (s *SQLiteStore) CountActiveSessions(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE user_id = ? AND status NOT IN ('completed', 'failed', 'terminated', 'archived')`,
		userID).Scan(&n)
	if err != nil {
		return 0, mapSQLError(err, "count active sessions")
	}
	return n, nil
}

// ListSessionsByStatus returns sessions in any of the given statuses.
func (s *SQLiteStore) ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]*Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]interface{}, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, st)
	}
	return s.querySessions(ctx, `
		SELECT id, user_id, mode, status, workdir_path, parent_session_id, fork_at_message, archive_id, config,
		       total_messages, total_tool_calls, total_hook_executions, total_permission_checks,
		       total_errors, total_retries, cost_usd, tokens_in, tokens_out,
		       tokens_cache_write, tokens_cache_read, duration_ms,
		       created_at, started_at, completed_at, updated_at
		FROM sessions WHERE status IN (`+placeholders+`)`, args...)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err, "query sessions")
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, mapSQLError(err, "scan session")
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// StateTransitions returns the ordered transition audit log for a session.
func (s *SQLiteStore) StateTransitions(ctx context.Context, sessionID string) ([]*StateTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, from_status, to_status, reason, at
		FROM session_transitions WHERE session_id = ? ORDER BY at`, sessionID)
	if err != nil {
		return nil, mapSQLError(err, "query transitions")
	}
	defer rows.Close()

	var out []*StateTransition
	for rows.Next() {
		var t StateTransition
		if err := rows.Scan(&t.ID, &t.SessionID, &t.From, &t.To, &t.Reason, &t.At); err != nil {
			return nil, mapSQLError(err, "scan transition")
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
