package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
)

// SQLiteStore provides SQLite-backed storage for all engine entities.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// initializes the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=5000", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer; a single connection also makes
	// per-session sequence allocation appear serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewSQLiteStoreWithDB wraps an existing connection (used by tests).
func NewSQLiteStoreWithDB(db *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	// Update query planner statistics before closing; the
	// SQLite-recommended way to maintain stats on shutdown.
	_, _ = s.db.Exec("PRAGMA optimize")
	return s.db.Close()
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" || dbPath == ":memory:" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		workdir_path TEXT NOT NULL DEFAULT '',
		parent_session_id TEXT DEFAULT '',
		fork_at_message INTEGER NOT NULL DEFAULT 0,
		archive_id TEXT DEFAULT '',
		config TEXT NOT NULL DEFAULT '{}',
		total_messages INTEGER NOT NULL DEFAULT 0,
		total_tool_calls INTEGER NOT NULL DEFAULT 0,
		total_hook_executions INTEGER NOT NULL DEFAULT 0,
		total_permission_checks INTEGER NOT NULL DEFAULT 0,
		total_errors INTEGER NOT NULL DEFAULT 0,
		total_retries INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		tokens_cache_write INTEGER NOT NULL DEFAULT 0,
		tokens_cache_read INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);

	CREATE TABLE IF NOT EXISTS session_transitions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT DEFAULT '',
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_session ON session_transitions(session_id, at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		sequence INTEGER NOT NULL,
		direction TEXT NOT NULL,
		blocks TEXT NOT NULL DEFAULT '[]',
		model TEXT DEFAULT '',
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		is_partial INTEGER NOT NULL DEFAULT 0,
		parent_message_id TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE(session_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence);

	CREATE TABLE IF NOT EXISTS tool_executions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		tool_use_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		input TEXT NOT NULL DEFAULT '{}',
		output TEXT DEFAULT '',
		status TEXT NOT NULL,
		error_message TEXT DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		permission_decision TEXT NOT NULL DEFAULT 'not_checked',
		permission_reason TEXT DEFAULT '',
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		UNIQUE(session_id, tool_use_id)
	);
	CREATE INDEX IF NOT EXISTS idx_tools_session ON tool_executions(session_id, started_at);

	CREATE TABLE IF NOT EXISTS hook_executions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		hook_name TEXT NOT NULL,
		hook_kind TEXT NOT NULL,
		tool_use_id TEXT DEFAULT '',
		input_snapshot TEXT DEFAULT '{}',
		output_snapshot TEXT DEFAULT '{}',
		continue_execution INTEGER NOT NULL DEFAULT 1,
		error TEXT DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		executed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_hooks_session ON hook_executions(session_id, executed_at);

	CREATE TABLE IF NOT EXISTS permission_decisions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		tool_name TEXT NOT NULL,
		input_snapshot TEXT DEFAULT '{}',
		decision TEXT NOT NULL,
		policy_name TEXT DEFAULT '',
		reason TEXT DEFAULT '',
		interrupted INTEGER NOT NULL DEFAULT 0,
		decided_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_permissions_session ON permission_decisions(session_id, decided_at);

	CREATE TABLE IF NOT EXISTS archives (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id),
		path TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		compression TEXT NOT NULL DEFAULT 'gzip',
		manifest TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		archived_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		prompt_template TEXT NOT NULL,
		sdk_options TEXT NOT NULL DEFAULT '{}',
		allowed_tools TEXT NOT NULL DEFAULT '[]',
		variables TEXT NOT NULL DEFAULT '{}',
		schedule_cron TEXT DEFAULT '',
		schedule_enabled INTEGER NOT NULL DEFAULT 0,
		generate_report INTEGER NOT NULL DEFAULT 0,
		report_format TEXT DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		next_fire_at DATETIME,
		exec_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(schedule_enabled, next_fire_at);

	CREATE TABLE IF NOT EXISTS task_executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		session_id TEXT DEFAULT '',
		trigger_kind TEXT NOT NULL,
		variables TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		result TEXT DEFAULT '',
		error TEXT DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_executions_task ON task_executions(task_id, created_at);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user',
		max_concurrent_sessions INTEGER NOT NULL DEFAULT 5,
		monthly_budget_usd REAL NOT NULL DEFAULT 100,
		system_task INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS session_metrics_snapshots (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		metrics TEXT NOT NULL DEFAULT '{}',
		taken_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_session ON session_metrics_snapshots(session_id, taken_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// marshalJSON serializes v for a TEXT column, defaulting to fallback on nil.
func marshalJSON(v interface{}, fallback string) string {
	if v == nil {
		return fallback
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}

func unmarshalJSON(data string, v interface{}) {
	if data == "" {
		return
	}
	_ = json.Unmarshal([]byte(data), v)
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure, surfaced to callers as Conflict.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusy reports whether err is a lock-contention failure, surfaced to
// callers as Transient so retry policies engage.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func mapSQLError(err error, op string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return apperrors.NotFound("row", op)
	}
	if isUniqueViolation(err) {
		return apperrors.Conflict(fmt.Sprintf("%s: %v", op, err))
	}
	if isBusy(err) {
		return apperrors.Transient(op, err)
	}
	return apperrors.Fatal(op, err)
}
