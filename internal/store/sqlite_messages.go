package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
)

// AppendMessage inserts a message, allocating the next sequence number for
// the session inside a transaction. The UNIQUE(session_id, sequence)
// constraint backstops concurrent writers: a violation surfaces as Conflict
// and the caller's retry re-allocates.
//
// If m.Sequence is non-zero it is used as-is (fork prefix copies preserve
// the parent's numbering).
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapSQLError(err, "begin append message")
	}
	defer tx.Rollback()

	if m.Sequence == 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = ?`,
			m.SessionID).Scan(&m.Sequence); err != nil {
			return mapSQLError(err, "allocate sequence")
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sequence, direction, blocks, model,
			tokens_in, tokens_out, cost_usd, is_partial, parent_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Sequence, m.Direction, marshalJSON(m.Blocks, "[]"),
		m.Model, m.TokensIn, m.TokensOut, m.CostUSD, m.IsPartial,
		m.ParentMessageID, m.CreatedAt)
	if err != nil {
		return mapSQLError(err, "insert message")
	}

	if err := tx.Commit(); err != nil {
		return mapSQLError(err, "commit message")
	}
	return nil
}

// LinkPartialMessages sets parent_message_id on partial rows once the
// completing non-partial message has been persisted.
func (s *SQLiteStore) LinkPartialMessages(ctx context.Context, sessionID, parentMessageID string, partialIDs []string) error {
	if len(partialIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapSQLError(err, "begin link partials")
	}
	defer tx.Rollback()

	for _, id := range partialIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET parent_message_id = ?
			WHERE id = ? AND session_id = ? AND is_partial = 1`,
			parentMessageID, id, sessionID); err != nil {
			return mapSQLError(err, "link partial")
		}
	}
	if err := tx.Commit(); err != nil {
		return mapSQLError(err, "commit link partials")
	}
	return nil
}

// MessagesBySession returns messages in sequence order.
func (s *SQLiteStore) MessagesBySession(ctx context.Context, sessionID string, q MessageQuery) ([]*Message, error) {
	query := `
		SELECT id, session_id, sequence, direction, blocks, model,
		       tokens_in, tokens_out, cost_usd, is_partial, parent_message_id, created_at
		FROM messages WHERE session_id = ?`
	args := []interface{}{sessionID}
	if q.AfterSeq > 0 {
		query += " AND sequence > ?"
		args = append(args, q.AfterSeq)
	}
	if q.BeforeSeq > 0 {
		query += " AND sequence < ?"
		args = append(args, q.BeforeSeq)
	}
	query += " ORDER BY sequence"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err, "query messages")
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var blocksJSON string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sequence, &m.Direction,
			&blocksJSON, &m.Model, &m.TokensIn, &m.TokensOut, &m.CostUSD,
			&m.IsPartial, &m.ParentMessageID, &m.CreatedAt); err != nil {
			return nil, mapSQLError(err, "scan message")
		}
		unmarshalJSON(blocksJSON, &m.Blocks)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CopyMessagePrefix copies the non-partial messages [1..throughSeq] of the
// source session into the destination, preserving sequence numbers. New ids
// are assigned; returns the number of messages copied. The destination must
// have no messages yet. A throughSeq of zero copies the whole history.
func (s *SQLiteStore) CopyMessagePrefix(ctx context.Context, srcSessionID, dstSessionID string, throughSeq int64) (int64, error) {
	if throughSeq <= 0 {
		throughSeq = 1<<63 - 1
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, mapSQLError(err, "begin copy prefix")
	}
	defer tx.Rollback()

	var existing int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, dstSessionID).Scan(&existing); err != nil {
		return 0, mapSQLError(err, "check destination")
	}
	if existing > 0 {
		return 0, apperrors.Conflict("destination session already has messages")
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, direction, blocks, model, tokens_in, tokens_out, cost_usd, created_at
		FROM messages
		WHERE session_id = ? AND sequence <= ? AND is_partial = 0
		ORDER BY sequence`, srcSessionID, throughSeq)
	if err != nil {
		return 0, mapSQLError(err, "read prefix")
	}

	type prefixRow struct {
		seq       int64
		direction string
		blocks    string
		model     string
		tokensIn  int64
		tokensOut int64
		costUSD   float64
		createdAt time.Time
	}
	var prefix []prefixRow
	for rows.Next() {
		var r prefixRow
		if err := rows.Scan(&r.seq, &r.direction, &r.blocks, &r.model,
			&r.tokensIn, &r.tokensOut, &r.costUSD, &r.createdAt); err != nil {
			rows.Close()
			return 0, mapSQLError(err, "scan prefix")
		}
		prefix = append(prefix, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, mapSQLError(err, "iterate prefix")
	}

	for _, r := range prefix {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, sequence, direction, blocks, model,
				tokens_in, tokens_out, cost_usd, is_partial, parent_message_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?)`,
			uuid.New().String(), dstSessionID, r.seq, r.direction, r.blocks,
			r.model, r.tokensIn, r.tokensOut, r.costUSD, r.createdAt); err != nil {
			return 0, mapSQLError(err, "copy message")
		}
	}

	// Keep total_messages truthful on the fork.
	if len(prefix) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET total_messages = total_messages + ?, updated_at = ? WHERE id = ?`,
			len(prefix), time.Now().UTC(), dstSessionID); err != nil {
			return 0, mapSQLError(err, "update fork counters")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, mapSQLError(err, "commit copy prefix")
	}
	return int64(len(prefix)), nil
}
