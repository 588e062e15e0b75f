// Package store provides persistent storage for sessions, messages, tool
// executions, hooks, permission decisions, archives, tasks, executions, and
// users.
package store

import (
	"time"
)

// SessionMode determines which executor drives a session.
type SessionMode string

const (
	SessionModeInteractive SessionMode = "interactive"
	SessionModeBackground  SessionMode = "background"
	SessionModeForked      SessionMode = "forked"
)

// SessionStatus is one of the ten session states. Transitions are owned by
// the session coordinator; the store only records them.
type SessionStatus string

const (
	SessionStatusCreated     SessionStatus = "created"
	SessionStatusConnecting  SessionStatus = "connecting"
	SessionStatusActive      SessionStatus = "active"
	SessionStatusWaitingUser SessionStatus = "waiting_user"
	SessionStatusProcessing  SessionStatus = "processing"
	SessionStatusPaused      SessionStatus = "paused"
	SessionStatusCompleted   SessionStatus = "completed"
	SessionStatusFailed      SessionStatus = "failed"
	SessionStatusTerminated  SessionStatus = "terminated"
	SessionStatusArchived    SessionStatus = "archived"
)

// IsTerminal reports whether the status admits no further queries.
// ARCHIVED is the only final state; COMPLETED, FAILED and TERMINATED can
// still transition to ARCHIVED.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusTerminated, SessionStatusArchived:
		return true
	}
	return false
}

// PermissionMode is the session-wide permission shorthand.
type PermissionMode string

const (
	PermissionModeDefault     PermissionMode = "default"
	PermissionModeAcceptEdits PermissionMode = "accept_edits"
	PermissionModeBypass      PermissionMode = "bypass"
)

// SessionConfig holds the per-session execution configuration.
type SessionConfig struct {
	Model                  string                 `json:"model,omitempty"`
	AllowedTools           []string               `json:"allowed_tools,omitempty"`
	PermissionMode         PermissionMode         `json:"permission_mode,omitempty"`
	HooksEnabled           []string               `json:"hooks_enabled,omitempty"`
	CustomPolicies         []string               `json:"custom_policies,omitempty"`
	SDKOptions             map[string]interface{} `json:"sdk_options,omitempty"`
	MaxRetries             int                    `json:"max_retries,omitempty"`
	RetryDelayMS           int                    `json:"retry_delay_ms,omitempty"`
	TimeoutMS              int                    `json:"timeout_ms,omitempty"`
	IncludePartialMessages bool                   `json:"include_partial_messages,omitempty"`
}

// SessionMetrics holds the monotonic per-session counters. All updates go
// through atomic SQL increments, never read-modify-write.
type SessionMetrics struct {
	TotalMessages        int64   `json:"total_messages"`
	TotalToolCalls       int64   `json:"total_tool_calls"`
	TotalHookExecutions  int64   `json:"total_hook_executions"`
	TotalPermissionCheck int64   `json:"total_permission_checks"`
	TotalErrors          int64   `json:"total_errors"`
	TotalRetries         int64   `json:"total_retries"`
	CostUSD              float64 `json:"cost_usd"`
	TokensIn             int64   `json:"tokens_in"`
	TokensOut            int64   `json:"tokens_out"`
	TokensCacheWrite     int64   `json:"tokens_cache_write"`
	TokensCacheRead      int64   `json:"tokens_cache_read"`
	DurationMS           int64   `json:"duration_ms"`
}

// Session is the aggregate root: one orchestrated conversation with one
// agent subprocess and a persistent working directory.
type Session struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	Mode            SessionMode   `json:"mode"`
	Status          SessionStatus `json:"status"`
	WorkdirPath     string        `json:"workdir_path"`
	ParentSessionID string        `json:"parent_session_id,omitempty"`
	ForkAtMessage   int64         `json:"fork_at_message,omitempty"`
	ArchiveID       string        `json:"archive_id,omitempty"`

	Config  SessionConfig  `json:"config"`
	Metrics SessionMetrics `json:"metrics"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MessageDirection distinguishes prompts from agent output.
type MessageDirection string

const (
	DirectionUserToAgent MessageDirection = "user_to_agent"
	DirectionAgentToUser MessageDirection = "agent_to_user"
)

// BlockType identifies a content block variant.
type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
	BlockTypeThinking   BlockType = "thinking"
)

// Block is one content block inside a message. Exactly the fields for its
// Type are populated.
type Block struct {
	Type BlockType `json:"type"`

	// For text and thinking blocks
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	ToolName  string                 `json:"tool_name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`

	// For tool_result blocks (ToolUseID references the matching tool_use)
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one append-only log entry in a session's conversation.
// Sequence is 1-based and strictly increasing within a session.
type Message struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"session_id"`
	Sequence        int64            `json:"sequence"`
	Direction       MessageDirection `json:"direction"`
	Blocks          []Block          `json:"blocks"`
	Model           string           `json:"model,omitempty"`
	TokensIn        int64            `json:"tokens_in,omitempty"`
	TokensOut       int64            `json:"tokens_out,omitempty"`
	CostUSD         float64          `json:"cost_usd,omitempty"`
	IsPartial       bool             `json:"is_partial"`
	ParentMessageID string           `json:"parent_message_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// ToolStatus is the lifecycle state of one tool invocation.
type ToolStatus string

const (
	ToolStatusPending ToolStatus = "pending"
	ToolStatusRunning ToolStatus = "running"
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
	ToolStatusDenied  ToolStatus = "denied"
)

// IsTerminal reports whether the tool execution is finished.
func (s ToolStatus) IsTerminal() bool {
	switch s {
	case ToolStatusSuccess, ToolStatusError, ToolStatusDenied:
		return true
	}
	return false
}

// PermissionOutcome records how the permission layer ruled on a tool call.
type PermissionOutcome string

const (
	PermissionAllow      PermissionOutcome = "allow"
	PermissionDeny       PermissionOutcome = "deny"
	PermissionNotChecked PermissionOutcome = "not_checked"
)

// ToolExecution is one row per tool invocation, denormalized from message
// blocks for fast querying. Exactly one row exists per
// (session_id, tool_use_id).
type ToolExecution struct {
	ID                 string                 `json:"id"`
	SessionID          string                 `json:"session_id"`
	ToolUseID          string                 `json:"tool_use_id"`
	ToolName           string                 `json:"tool_name"`
	Input              map[string]interface{} `json:"input"`
	Output             string                 `json:"output,omitempty"`
	Status             ToolStatus             `json:"status"`
	ErrorMessage       string                 `json:"error_message,omitempty"`
	DurationMS         int64                  `json:"duration_ms,omitempty"`
	PermissionDecision PermissionOutcome      `json:"permission_decision"`
	PermissionReason   string                 `json:"permission_reason,omitempty"`
	StartedAt          time.Time              `json:"started_at"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
}

// HookKind is a lifecycle point hooks fire at.
type HookKind string

const (
	HookPreToolUse       HookKind = "pre_tool_use"
	HookPostToolUse      HookKind = "post_tool_use"
	HookUserPromptSubmit HookKind = "user_prompt_submit"
	HookStop             HookKind = "stop"
	HookSubagentStop     HookKind = "subagent_stop"
	HookPreCompact       HookKind = "pre_compact"
)

// HookExecution is an audit row per hook invocation.
type HookExecution struct {
	ID                string                 `json:"id"`
	SessionID         string                 `json:"session_id"`
	HookName          string                 `json:"hook_name"`
	HookKind          HookKind               `json:"hook_kind"`
	ToolUseID         string                 `json:"tool_use_id,omitempty"`
	InputSnapshot     map[string]interface{} `json:"input_snapshot,omitempty"`
	OutputSnapshot    map[string]interface{} `json:"output_snapshot,omitempty"`
	ContinueExecution bool                   `json:"continue_execution"`
	Error             string                 `json:"error,omitempty"`
	DurationMS        int64                  `json:"duration_ms"`
	ExecutedAt        time.Time              `json:"executed_at"`
}

// PermissionDecision is an audit row per policy evaluation. One row is
// written for every evaluation, cached or not.
type PermissionDecision struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"session_id"`
	ToolName      string                 `json:"tool_name"`
	InputSnapshot map[string]interface{} `json:"input_snapshot,omitempty"`
	Decision      PermissionOutcome      `json:"decision"`
	PolicyName    string                 `json:"policy_name,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	Interrupted   bool                   `json:"interrupted"`
	DecidedAt     time.Time              `json:"decided_at"`
}

// Compression identifies the archive format.
type Compression string

const (
	CompressionGzip Compression = "gzip"
	CompressionZip  Compression = "zip"
	CompressionTar  Compression = "tar"
)

// ArchiveStatus is the archive lifecycle state.
type ArchiveStatus string

const (
	ArchiveStatusPending    ArchiveStatus = "pending"
	ArchiveStatusInProgress ArchiveStatus = "in_progress"
	ArchiveStatusCompleted  ArchiveStatus = "completed"
	ArchiveStatusFailed     ArchiveStatus = "failed"
)

// ManifestEntry describes one archived file. Entries are sorted by relpath
// so the manifest is deterministic.
type ManifestEntry struct {
	RelPath string `json:"relpath"`
	Size    int64  `json:"size"`
	SHA256  string `json:"sha256"`
}

// Archive is one compressed working-directory blob per archived session.
type Archive struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Path        string          `json:"path"`
	SizeBytes   int64           `json:"size_bytes"`
	Compression Compression     `json:"compression"`
	Manifest    []ManifestEntry `json:"manifest,omitempty"`
	Status      ArchiveStatus   `json:"status"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ArchivedAt  *time.Time      `json:"archived_at,omitempty"`
}

// Task is a reusable prompt template, optionally on a cron schedule.
type Task struct {
	ID              string                 `json:"id"`
	UserID          string                 `json:"user_id"`
	Name            string                 `json:"name"`
	PromptTemplate  string                 `json:"prompt_template"`
	SDKOptions      map[string]interface{} `json:"sdk_options,omitempty"`
	AllowedTools    []string               `json:"allowed_tools,omitempty"`
	Variables       map[string]string      `json:"variables,omitempty"`
	ScheduleCron    string                 `json:"schedule_cron,omitempty"`
	ScheduleEnabled bool                   `json:"schedule_enabled"`
	GenerateReport  bool                   `json:"generate_report"`
	ReportFormat    string                 `json:"report_format,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	NextFireAt      *time.Time             `json:"next_fire_at,omitempty"`
	ExecCount       int64                  `json:"exec_count"`
	SuccessCount    int64                  `json:"success_count"`
	FailureCount    int64                  `json:"failure_count"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	DeletedAt       *time.Time             `json:"deleted_at,omitempty"`
}

// ExecutionTrigger identifies what fired a task execution.
type ExecutionTrigger string

const (
	TriggerManual    ExecutionTrigger = "manual"
	TriggerScheduled ExecutionTrigger = "scheduled"
	TriggerAPI       ExecutionTrigger = "api"
)

// ExecutionStatus is the task-execution lifecycle state.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// TaskExecution is one manual-or-cron fire of a task.
type TaskExecution struct {
	ID          string            `json:"id"`
	TaskID      string            `json:"task_id"`
	SessionID   string            `json:"session_id,omitempty"`
	Trigger     ExecutionTrigger  `json:"trigger"`
	Variables   map[string]string `json:"variables,omitempty"`
	Status      ExecutionStatus   `json:"status"`
	Result      string            `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// UserRole controls authorization.
type UserRole string

const (
	RoleAdmin  UserRole = "admin"
	RoleUser   UserRole = "user"
	RoleViewer UserRole = "viewer"
)

// UserQuotas bounds a user's resource usage.
type UserQuotas struct {
	MaxConcurrentSessions int     `json:"max_concurrent_sessions"`
	MonthlyBudgetUSD      float64 `json:"monthly_budget_usd"`
}

// User is an account that owns sessions and tasks.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         UserRole   `json:"role"`
	Quotas       UserQuotas `json:"quotas"`
	SystemTask   bool       `json:"system_task"` // Bypasses session quota for scheduled fires
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// MetricsSnapshot is a periodic copy of a session's counters, used for
// time-series reporting.
type MetricsSnapshot struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Metrics   SessionMetrics `json:"metrics"`
	TakenAt   time.Time      `json:"taken_at"`
}

// StateTransition is an audit row per session status change.
type StateTransition struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	From      SessionStatus `json:"from"`
	To        SessionStatus `json:"to"`
	Reason    string        `json:"reason,omitempty"`
	At        time.Time     `json:"at"`
}
