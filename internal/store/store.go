package store

import (
	"context"
	"time"
)

// SessionFilter narrows session list queries.
type SessionFilter struct {
	UserID string
	Status SessionStatus
	Mode   SessionMode
	Limit  int
	Offset int
}

// MessageQuery narrows ordered message queries.
type MessageQuery struct {
	AfterSeq  int64 // exclusive lower bound; 0 means from the beginning
	BeforeSeq int64 // exclusive upper bound; 0 means unbounded
	Limit     int
}

// MetricsDelta holds atomic increments applied to a session's counters.
// Zero fields are no-ops.
type MetricsDelta struct {
	Messages         int64
	ToolCalls        int64
	HookExecutions   int64
	PermissionChecks int64
	Errors           int64
	Retries          int64
	CostUSD          float64
	TokensIn         int64
	TokensOut        int64
	TokensCacheWrite int64
	TokensCacheRead  int64
	DurationMS       int64
}

// Store is the persistence contract for all engine entities. Every method
// is atomic. Implementations must serialize message insertion per session
// (monotonic sequence allocation) and apply metric updates as atomic
// increments.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id string, from, to SessionStatus, reason string) error
	SetSessionArchive(ctx context.Context, id, archiveID string) error
	IncrementSessionMetrics(ctx context.Context, id string, delta MetricsDelta) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	ForksOf(ctx context.Context, parentID string) ([]*Session, error)
	CountActiveSessions(ctx context.Context, userID string) (int, error)
	ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]*Session, error)
	StateTransitions(ctx context.Context, sessionID string) ([]*StateTransition, error)

	// Messages
	AppendMessage(ctx context.Context, m *Message) error
	LinkPartialMessages(ctx context.Context, sessionID, parentMessageID string, partialIDs []string) error
	MessagesBySession(ctx context.Context, sessionID string, q MessageQuery) ([]*Message, error)
	CopyMessagePrefix(ctx context.Context, srcSessionID, dstSessionID string, throughSeq int64) (int64, error)

	// Tool executions
	UpsertToolExecution(ctx context.Context, t *ToolExecution) error
	CompleteToolExecution(ctx context.Context, sessionID, toolUseID string, status ToolStatus, output, errMsg string, completedAt time.Time) error
	ToolExecutionsBySession(ctx context.Context, sessionID string) ([]*ToolExecution, error)
	GetToolExecution(ctx context.Context, sessionID, toolUseID string) (*ToolExecution, error)

	// Hook executions
	InsertHookExecution(ctx context.Context, h *HookExecution) error
	HooksBySession(ctx context.Context, sessionID string, kind HookKind) ([]*HookExecution, error)

	// Permission decisions
	InsertPermissionDecision(ctx context.Context, d *PermissionDecision) error
	PermissionsBySession(ctx context.Context, sessionID string, decision PermissionOutcome) ([]*PermissionDecision, error)

	// Archives
	CreateArchive(ctx context.Context, a *Archive) error
	UpdateArchive(ctx context.Context, a *Archive) error
	GetArchive(ctx context.Context, id string) (*Archive, error)
	GetArchiveBySession(ctx context.Context, sessionID string) (*Archive, error)
	PendingArchives(ctx context.Context, limit int) ([]*Archive, error)

	// Tasks
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	SoftDeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, userID string) ([]*Task, error)
	DueTasks(ctx context.Context, now time.Time) ([]*Task, error)
	ScheduledTasks(ctx context.Context) ([]*Task, error)
	SetTaskNextFire(ctx context.Context, id string, at *time.Time) error
	IncrementTaskStats(ctx context.Context, id string, execs, successes, failures int64) error

	// Task executions
	CreateTaskExecution(ctx context.Context, e *TaskExecution) error
	UpdateTaskExecution(ctx context.Context, e *TaskExecution) error
	GetTaskExecution(ctx context.Context, id string) (*TaskExecution, error)
	ExecutionsByTask(ctx context.Context, taskID string, limit int) ([]*TaskExecution, error)

	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	SoftDeleteUser(ctx context.Context, id string) error
	MonthToDateCost(ctx context.Context, userID string, now time.Time) (float64, error)

	// Metrics snapshots
	InsertMetricsSnapshot(ctx context.Context, s *MetricsSnapshot) error
	SnapshotsBySession(ctx context.Context, sessionID string, limit int) ([]*MetricsSnapshot, error)

	Close() error
}
