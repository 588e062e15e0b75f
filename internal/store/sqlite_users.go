package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
)

// CreateUser inserts a new user.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Role == "" {
		u.Role = RoleUser
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, role, max_concurrent_sessions,
			monthly_budget_usd, system_task, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.Role,
		u.Quotas.MaxConcurrentSessions, u.Quotas.MonthlyBudgetUSD,
		u.SystemTask, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return mapSQLError(err, "create user")
	}
	return nil
}

const userSelect = `
	SELECT id, email, password_hash, role, max_concurrent_sessions,
	       monthly_budget_usd, system_task, created_at, updated_at, deleted_at
	FROM users`

// GetUser returns a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, userSelect+` WHERE id = ? AND deleted_at IS NULL`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("user", id)
	}
	if err != nil {
		return nil, mapSQLError(err, "get user")
	}
	return u, nil
}

// GetUserByEmail returns a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, userSelect+` WHERE email = ? AND deleted_at IS NULL`, email)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("user", email)
	}
	if err != nil {
		return nil, mapSQLError(err, "get user by email")
	}
	return u, nil
}

// UpdateUser updates a user's mutable fields.
func (s *SQLiteStore) UpdateUser(ctx context.Context, u *User) error {
	u.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET email = ?, password_hash = ?, role = ?,
			max_concurrent_sessions = ?, monthly_budget_usd = ?, system_task = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		u.Email, u.PasswordHash, u.Role, u.Quotas.MaxConcurrentSessions,
		u.Quotas.MonthlyBudgetUSD, u.SystemTask, u.UpdatedAt, u.ID)
	if err != nil {
		return mapSQLError(err, "update user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("user", u.ID)
	}
	return nil
}

// SoftDeleteUser marks a user deleted.
func (s *SQLiteStore) SoftDeleteUser(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return mapSQLError(err, "delete user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("user", id)
	}
	return nil
}

// MonthToDateCost sums a user's session cost for the calendar month of now.
// Sessions are attributed to the month they were created in.
func (s *SQLiteStore) MonthToDateCost(ctx context.Context, userID string, now time.Time) (float64, error) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var cost float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM sessions
		WHERE user_id = ? AND created_at >= ?`, userID, monthStart).Scan(&cost)
	if err != nil {
		return 0, mapSQLError(err, "month-to-date cost")
	}
	return cost, nil
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var deletedAt sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role,
		&u.Quotas.MaxConcurrentSessions, &u.Quotas.MonthlyBudgetUSD,
		&u.SystemTask, &u.CreatedAt, &u.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		u.DeletedAt = &deletedAt.Time
	}
	return &u, nil
}

// InsertMetricsSnapshot writes one periodic counters snapshot.
func (s *SQLiteStore) InsertMetricsSnapshot(ctx context.Context, snap *MetricsSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_metrics_snapshots (id, session_id, metrics, taken_at)
		VALUES (?, ?, ?, ?)`,
		snap.ID, snap.SessionID, marshalJSON(snap.Metrics, "{}"), snap.TakenAt)
	if err != nil {
		return mapSQLError(err, "insert metrics snapshot")
	}
	return nil
}

// SnapshotsBySession returns a session's snapshots, oldest first.
func (s *SQLiteStore) SnapshotsBySession(ctx context.Context, sessionID string, limit int) ([]*MetricsSnapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, metrics, taken_at
		FROM session_metrics_snapshots
		WHERE session_id = ? ORDER BY taken_at LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, mapSQLError(err, "query snapshots")
	}
	defer rows.Close()

	var out []*MetricsSnapshot
	for rows.Next() {
		var snap MetricsSnapshot
		var metricsJSON string
		if err := rows.Scan(&snap.ID, &snap.SessionID, &metricsJSON, &snap.TakenAt); err != nil {
			return nil, mapSQLError(err, "scan snapshot")
		}
		unmarshalJSON(metricsJSON, &snap.Metrics)
		out = append(out, &snap)
	}
	return out, rows.Err()
}
