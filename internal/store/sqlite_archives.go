package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
)

// CreateArchive inserts a new archive row (one per session).
func (s *SQLiteStore) CreateArchive(ctx context.Context, a *Archive) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = ArchiveStatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archives (id, session_id, path, size_bytes, compression, manifest,
			status, error, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.Path, a.SizeBytes, a.Compression,
		marshalJSON(a.Manifest, "[]"), a.Status, a.Error, a.CreatedAt, a.ArchivedAt)
	if err != nil {
		return mapSQLError(err, "create archive")
	}
	return nil
}

// UpdateArchive updates the mutable fields of an archive row.
func (s *SQLiteStore) UpdateArchive(ctx context.Context, a *Archive) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE archives SET path = ?, size_bytes = ?, compression = ?, manifest = ?,
			status = ?, error = ?, archived_at = ?
		WHERE id = ?`,
		a.Path, a.SizeBytes, a.Compression, marshalJSON(a.Manifest, "[]"),
		a.Status, a.Error, a.ArchivedAt, a.ID)
	if err != nil {
		return mapSQLError(err, "update archive")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("archive", a.ID)
	}
	return nil
}

// GetArchive returns the archive with the given id.
func (s *SQLiteStore) GetArchive(ctx context.Context, id string) (*Archive, error) {
	return s.getArchiveWhere(ctx, "id = ?", id)
}

// GetArchiveBySession returns a session's archive.
func (s *SQLiteStore) GetArchiveBySession(ctx context.Context, sessionID string) (*Archive, error) {
	return s.getArchiveWhere(ctx, "session_id = ?", sessionID)
}

func (s *SQLiteStore) getArchiveWhere(ctx context.Context, where string, arg string) (*Archive, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, path, size_bytes, compression, manifest, status,
		       error, created_at, archived_at
		FROM archives WHERE `+where, arg)
	a, err := scanArchive(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("archive", arg)
	}
	if err != nil {
		return nil, mapSQLError(err, "get archive")
	}
	return a, nil
}

// PendingArchives returns archives awaiting processing, oldest first.
func (s *SQLiteStore) PendingArchives(ctx context.Context, limit int) ([]*Archive, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, path, size_bytes, compression, manifest, status,
		       error, created_at, archived_at
		FROM archives WHERE status = 'pending' ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, mapSQLError(err, "query pending archives")
	}
	defer rows.Close()

	var out []*Archive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, mapSQLError(err, "scan archive")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArchive(row rowScanner) (*Archive, error) {
	var a Archive
	var manifestJSON string
	var archivedAt sql.NullTime
	err := row.Scan(&a.ID, &a.SessionID, &a.Path, &a.SizeBytes, &a.Compression,
		&manifestJSON, &a.Status, &a.Error, &a.CreatedAt, &archivedAt)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(manifestJSON, &a.Manifest)
	if archivedAt.Valid {
		a.ArchivedAt = &archivedAt.Time
	}
	return &a, nil
}
