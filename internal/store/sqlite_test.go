package store

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
)

// setupTestStore creates an in-memory SQLite store with the full schema.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStoreWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestSession(t *testing.T, s *SQLiteStore, userID string) *Session {
	t.Helper()
	sess := &Session{
		UserID: userID,
		Mode:   SessionModeInteractive,
		Config: SessionConfig{
			Model:          "claude-sonnet-4",
			PermissionMode: PermissionModeDefault,
			MaxRetries:     3,
		},
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestCreateAndGetSession(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sess := createTestSession(t, s, "user-1")
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, SessionStatusCreated, sess.Status)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, SessionModeInteractive, got.Mode)
	assert.Equal(t, "claude-sonnet-4", got.Config.Model)
	assert.Equal(t, 3, got.Config.MaxRetries)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestGetSessionNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUpdateSessionStatusGuarded(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "user-1")

	require.NoError(t, s.UpdateSessionStatus(ctx, sess.ID, SessionStatusCreated, SessionStatusConnecting, "start"))
	require.NoError(t, s.UpdateSessionStatus(ctx, sess.ID, SessionStatusConnecting, SessionStatusActive, "connected"))

	// Stale expected status is rejected and leaves the row untouched.
	err := s.UpdateSessionStatus(ctx, sess.ID, SessionStatusCreated, SessionStatusActive, "stale")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.Code(err))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusActive, got.Status)
	require.NotNil(t, got.StartedAt)

	// Every applied transition left an audit row.
	transitions, err := s.StateTransitions(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, SessionStatusCreated, transitions[0].From)
	assert.Equal(t, SessionStatusConnecting, transitions[0].To)
	assert.Equal(t, SessionStatusActive, transitions[1].To)
}

func TestUpdateSessionStatusSetsCompletedAt(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "user-1")

	require.NoError(t, s.UpdateSessionStatus(ctx, sess.ID, SessionStatusCreated, SessionStatusConnecting, ""))
	require.NoError(t, s.UpdateSessionStatus(ctx, sess.ID, SessionStatusConnecting, SessionStatusActive, ""))
	require.NoError(t, s.UpdateSessionStatus(ctx, sess.ID, SessionStatusActive, SessionStatusCompleted, "done"))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestIncrementSessionMetrics(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "user-1")

	require.NoError(t, s.IncrementSessionMetrics(ctx, sess.ID, MetricsDelta{
		Messages:  2,
		ToolCalls: 1,
		CostUSD:   0.25,
		TokensIn:  100,
		TokensOut: 50,
	}))
	require.NoError(t, s.IncrementSessionMetrics(ctx, sess.ID, MetricsDelta{
		Messages: 1,
		CostUSD:  0.75,
		Errors:   1,
	}))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Metrics.TotalMessages)
	assert.Equal(t, int64(1), got.Metrics.TotalToolCalls)
	assert.Equal(t, int64(1), got.Metrics.TotalErrors)
	assert.InDelta(t, 1.0, got.Metrics.CostUSD, 1e-9)
	assert.Equal(t, int64(100), got.Metrics.TokensIn)
	assert.Equal(t, int64(50), got.Metrics.TokensOut)
}

func TestCountActiveSessions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := createTestSession(t, s, "user-1")
	createTestSession(t, s, "user-1")
	createTestSession(t, s, "user-2")

	n, err := s.CountActiveSessions(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.UpdateSessionStatus(ctx, a.ID, SessionStatusCreated, SessionStatusTerminated, "killed"))

	n, err = s.CountActiveSessions(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppendMessageAllocatesSequence(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "user-1")

	for i := 0; i < 3; i++ {
		m := &Message{
			SessionID: sess.ID,
			Direction: DirectionAgentToUser,
			Blocks:    []Block{{Type: BlockTypeText, Text: "hello"}},
		}
		require.NoError(t, s.AppendMessage(ctx, m))
		assert.Equal(t, int64(i+1), m.Sequence)
	}

	msgs, err := s.MessagesBySession(ctx, sess.ID, MessageQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Sequence)
	}
}

func TestAppendMessageSequenceIsPerSession(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := createTestSession(t, s, "user-1")
	b := createTestSession(t, s, "user-1")

	m1 := &Message{SessionID: a.ID, Direction: DirectionUserToAgent}
	m2 := &Message{SessionID: b.ID, Direction: DirectionUserToAgent}
	require.NoError(t, s.AppendMessage(ctx, m1))
	require.NoError(t, s.AppendMessage(ctx, m2))
	assert.Equal(t, int64(1), m1.Sequence)
	assert.Equal(t, int64(1), m2.Sequence)
}

func TestAppendMessageDuplicateSequenceConflicts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "user-1")

	require.NoError(t, s.AppendMessage(ctx, &Message{SessionID: sess.ID, Sequence: 5, Direction: DirectionUserToAgent}))
	err := s.AppendMessage(ctx, &Message{SessionID: sess.ID, Sequence: 5, Direction: DirectionUserToAgent})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.Code(err))
}

func TestMessagesBySessionWindow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "user-1")

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendMessage(ctx, &Message{SessionID: sess.ID, Direction: DirectionAgentToUser}))
	}

	msgs, err := s.MessagesBySession(ctx, sess.ID, MessageQuery{AfterSeq: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(3), msgs[0].Sequence)
	assert.Equal(t, int64(4), msgs[1].Sequence)
}

func TestLinkPartialMessages(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "user-1")

	p1 := &Message{SessionID: sess.ID, Direction: DirectionAgentToUser, IsPartial: true}
	p2 := &Message{SessionID: sess.ID, Direction: DirectionAgentToUser, IsPartial: true}
	final := &Message{SessionID: sess.ID, Direction: DirectionAgentToUser}
	require.NoError(t, s.AppendMessage(ctx, p1))
	require.NoError(t, s.AppendMessage(ctx, p2))
	require.NoError(t, s.AppendMessage(ctx, final))

	require.NoError(t, s.LinkPartialMessages(ctx, sess.ID, final.ID, []string{p1.ID, p2.ID}))

	msgs, err := s.MessagesBySession(ctx, sess.ID, MessageQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, final.ID, msgs[0].ParentMessageID)
	assert.Equal(t, final.ID, msgs[1].ParentMessageID)
	assert.Empty(t, msgs[2].ParentMessageID)
}

func TestCopyMessagePrefix(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	src := createTestSession(t, s, "user-1")
	dst := createTestSession(t, s, "user-1")

	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendMessage(ctx, &Message{
			SessionID: src.ID,
			Direction: DirectionAgentToUser,
			Blocks:    []Block{{Type: BlockTypeText, Text: "msg"}},
			CostUSD:   0.1,
		}))
	}
	// Partials are not copied.
	require.NoError(t, s.AppendMessage(ctx, &Message{SessionID: src.ID, Direction: DirectionAgentToUser, IsPartial: true}))

	copied, err := s.CopyMessagePrefix(ctx, src.ID, dst.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), copied)

	msgs, err := s.MessagesBySession(ctx, dst.ID, MessageQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Sequence)
		assert.False(t, m.IsPartial)
	}

	got, err := s.GetSession(ctx, dst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Metrics.TotalMessages)

	// A second copy into the same destination is rejected.
	_, err = s.CopyMessagePrefix(ctx, src.ID, dst.ID, 3)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.Code(err))
}

func TestUpsertAndCompleteToolExecution(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "user-1")

	te := &ToolExecution{
		SessionID: sess.ID,
		ToolUseID: "toolu_01",
		ToolName:  "Bash",
		Input:     map[string]interface{}{"command": "ls"},
		Status:    ToolStatusPending,
	}
	require.NoError(t, s.UpsertToolExecution(ctx, te))

	// Second upsert for the same tool_use_id updates in place.
	te.Status = ToolStatusRunning
	te.PermissionDecision = PermissionAllow
	te.PermissionReason = "command allowed"
	require.NoError(t, s.UpsertToolExecution(ctx, te))

	got, err := s.GetToolExecution(ctx, sess.ID, "toolu_01")
	require.NoError(t, err)
	assert.Equal(t, ToolStatusRunning, got.Status)
	assert.Equal(t, PermissionAllow, got.PermissionDecision)

	all, err := s.ToolExecutionsBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.CompleteToolExecution(ctx, sess.ID, "toolu_01", ToolStatusSuccess, "file.txt", "", time.Now().UTC()))

	got, err = s.GetToolExecution(ctx, sess.ID, "toolu_01")
	require.NoError(t, err)
	assert.Equal(t, ToolStatusSuccess, got.Status)
	assert.Equal(t, "file.txt", got.Output)
	require.NotNil(t, got.CompletedAt)
}

func TestUpsertToolExecutionMaintainsToolCallCounter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "user-1")

	first := &ToolExecution{
		SessionID: sess.ID,
		ToolUseID: "toolu_01",
		ToolName:  "Bash",
		Status:    ToolStatusPending,
	}
	require.NoError(t, s.UpsertToolExecution(ctx, first))

	// Re-writing the same tool_use_id must not bump the counter.
	first.Status = ToolStatusRunning
	require.NoError(t, s.UpsertToolExecution(ctx, first))

	require.NoError(t, s.UpsertToolExecution(ctx, &ToolExecution{
		SessionID: sess.ID,
		ToolUseID: "toolu_02",
		ToolName:  "Read",
		Status:    ToolStatusPending,
	}))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Metrics.TotalToolCalls)

	execs, err := s.ToolExecutionsBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, execs, int(got.Metrics.TotalToolCalls))
}

func TestCompleteToolExecutionRequiresTerminalStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "user-1")

	err := s.CompleteToolExecution(ctx, sess.ID, "toolu_01", ToolStatusRunning, "", "", time.Now())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.Code(err))
}

func TestHookAndPermissionAuditRows(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "user-1")

	require.NoError(t, s.InsertHookExecution(ctx, &HookExecution{
		SessionID:         sess.ID,
		HookName:          "audit",
		HookKind:          HookPreToolUse,
		ToolUseID:         "toolu_01",
		ContinueExecution: true,
		DurationMS:        3,
	}))
	require.NoError(t, s.InsertHookExecution(ctx, &HookExecution{
		SessionID:         sess.ID,
		HookName:          "metrics",
		HookKind:          HookPostToolUse,
		ContinueExecution: true,
	}))

	pre, err := s.HooksBySession(ctx, sess.ID, HookPreToolUse)
	require.NoError(t, err)
	require.Len(t, pre, 1)
	assert.Equal(t, "audit", pre[0].HookName)

	all, err := s.HooksBySession(ctx, sess.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.InsertPermissionDecision(ctx, &PermissionDecision{
		SessionID:  sess.ID,
		ToolName:   "Bash",
		Decision:   PermissionDeny,
		PolicyName: "command_policy",
		Reason:     "blocked command",
	}))

	denied, err := s.PermissionsBySession(ctx, sess.ID, PermissionDeny)
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "command_policy", denied[0].PolicyName)
}

func TestArchiveLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "user-1")

	a := &Archive{SessionID: sess.ID, Compression: CompressionGzip}
	require.NoError(t, s.CreateArchive(ctx, a))
	assert.Equal(t, ArchiveStatusPending, a.Status)

	pending, err := s.PendingArchives(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	now := time.Now().UTC()
	a.Status = ArchiveStatusCompleted
	a.Path = "/archives/" + sess.ID + ".tar.gz"
	a.SizeBytes = 2048
	a.Manifest = []ManifestEntry{{RelPath: "main.go", Size: 100, SHA256: "abc"}}
	a.ArchivedAt = &now
	require.NoError(t, s.UpdateArchive(ctx, a))

	got, err := s.GetArchiveBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, ArchiveStatusCompleted, got.Status)
	require.Len(t, got.Manifest, 1)
	assert.Equal(t, "main.go", got.Manifest[0].RelPath)

	// One archive per session.
	err = s.CreateArchive(ctx, &Archive{SessionID: sess.ID, Compression: CompressionZip})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.Code(err))
}

func TestTaskCRUDAndDueQuery(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	fireAt := time.Now().UTC().Add(-time.Minute)
	task := &Task{
		UserID:          "user-1",
		Name:            "nightly-report",
		PromptTemplate:  "Summarize {{repo}}",
		Variables:       map[string]string{"repo": "agentdeck"},
		ScheduleCron:    "0 2 * * *",
		ScheduleEnabled: true,
		NextFireAt:      &fireAt,
	}
	require.NoError(t, s.CreateTask(ctx, task))

	due, err := s.DueTasks(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, task.ID, due[0].ID)

	next := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.SetTaskNextFire(ctx, task.ID, &next))

	due, err = s.DueTasks(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.IncrementTaskStats(ctx, task.ID, 1, 1, 0))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ExecCount)
	assert.Equal(t, int64(1), got.SuccessCount)

	require.NoError(t, s.SoftDeleteTask(ctx, task.ID))
	_, err = s.GetTask(ctx, task.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	// Soft-deleted tasks never fire.
	due, err = s.DueTasks(ctx, time.Now().UTC().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestTaskExecutionLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	task := &Task{UserID: "user-1", Name: "adhoc", PromptTemplate: "do it"}
	require.NoError(t, s.CreateTask(ctx, task))

	exec := &TaskExecution{
		TaskID:    task.ID,
		Trigger:   TriggerScheduled,
		Variables: map[string]string{"env": "prod"},
	}
	require.NoError(t, s.CreateTaskExecution(ctx, exec))
	assert.Equal(t, ExecutionStatusPending, exec.Status)

	started := time.Now().UTC()
	exec.Status = ExecutionStatusRunning
	exec.SessionID = "session-1"
	exec.StartedAt = &started
	require.NoError(t, s.UpdateTaskExecution(ctx, exec))

	got, err := s.GetTaskExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusRunning, got.Status)
	assert.Equal(t, "session-1", got.SessionID)
	assert.Equal(t, "prod", got.Variables["env"])

	execs, err := s.ExecutionsByTask(ctx, task.ID, 10)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestUserCRUDAndMonthToDateCost(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := &User{
		Email: "dev@example.com",
		Role:  RoleUser,
		Quotas: UserQuotas{
			MaxConcurrentSessions: 5,
			MonthlyBudgetUSD:      100,
		},
	}
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.GetUserByEmail(ctx, "dev@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, 5, got.Quotas.MaxConcurrentSessions)

	// Duplicate email conflicts.
	err = s.CreateUser(ctx, &User{Email: "dev@example.com"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.Code(err))

	// Cost accrues against this month's sessions.
	sess := createTestSession(t, s, u.ID)
	require.NoError(t, s.IncrementSessionMetrics(ctx, sess.ID, MetricsDelta{CostUSD: 12.5}))

	cost, err := s.MonthToDateCost(ctx, u.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.InDelta(t, 12.5, cost, 1e-9)

	require.NoError(t, s.SoftDeleteUser(ctx, u.ID))
	_, err = s.GetUser(ctx, u.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMetricsSnapshots(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "user-1")

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.InsertMetricsSnapshot(ctx, &MetricsSnapshot{
			SessionID: sess.ID,
			Metrics:   SessionMetrics{TotalMessages: int64(i)},
			TakenAt:   time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	snaps, err := s.SnapshotsBySession(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, int64(1), snaps[0].Metrics.TotalMessages)
	assert.Equal(t, int64(3), snaps[2].Metrics.TotalMessages)
}
