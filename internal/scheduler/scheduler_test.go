package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/accounting"
	"github.com/agentdeck/agentdeck/internal/agent"
	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/executor"
	"github.com/agentdeck/agentdeck/internal/hooks"
	"github.com/agentdeck/agentdeck/internal/policy"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/workdir"
)

// scriptedClient feeds canned frames per query.
type scriptedClient struct {
	state   agent.State
	frames  chan *agent.Frame
	scripts [][]string
	queries int
}

func (f *scriptedClient) Connect(ctx context.Context) error {
	f.state = agent.StateConnected
	return nil
}

func (f *scriptedClient) Query(prompt string) error {
	idx := f.queries
	f.queries++
	if idx < len(f.scripts) {
		for _, line := range f.scripts[idx] {
			frame, err := agent.ParseFrame([]byte(line))
			if err != nil {
				return err
			}
			f.frames <- frame
		}
	}
	return nil
}

func (f *scriptedClient) Receive() <-chan *agent.Frame { return f.frames }

func (f *scriptedClient) RespondPermission(requestID string, result *agent.PermissionResult) error {
	return nil
}

func (f *scriptedClient) Interrupt(ctx context.Context, grace time.Duration) error { return nil }

func (f *scriptedClient) Disconnect() (agent.Metrics, error) {
	f.state = agent.StateClosed
	return agent.Metrics{}, nil
}

func (f *scriptedClient) State() agent.State { return f.state }

const resultLine = `{"type":"result","subtype":"success","result":"report ready","total_cost_usd":0.02,"num_turns":1}`

const errorResultLine = `{"type":"result","subtype":"error_during_execution","result":"boom","is_error":true,"num_turns":1}`

type schedEnv struct {
	store  store.Store
	sched  *Scheduler
	client *scriptedClient
	user   *store.User
}

func setupScheduler(t *testing.T) *schedEnv {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	st, err := store.NewSQLiteStoreWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logger.Default()
	mgr, err := workdir.NewManager(t.TempDir(), "", log)
	require.NoError(t, err)

	user := &store.User{Email: "cron@example.com", SystemTask: true}
	require.NoError(t, st.CreateUser(context.Background(), user))

	client := &scriptedClient{state: agent.StateCreated, frames: make(chan *agent.Frame, 64)}
	factory := func(cfg agent.Config) executor.Client { return client }

	coord := session.NewCoordinator(st, mgr, hooks.NewRegistry(), policy.NewRegistry(),
		accounting.NewAccountant(st, log), bus.NewMemoryEventBus(log),
		session.Defaults{
			Command: []string{"claude"},
			Model:   "claude-sonnet-4-5",
		}, factory, log)

	sched := New(st, coord, bus.NewMemoryEventBus(log), 10*time.Millisecond, log)
	return &schedEnv{store: st, sched: sched, client: client, user: user}
}

func createTask(t *testing.T, env *schedEnv, task *store.Task) *store.Task {
	t.Helper()
	task.UserID = env.user.ID
	require.NoError(t, env.store.CreateTask(context.Background(), task))
	return task
}

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("summarize {{repo}} for {{ team }}",
		map[string]string{"repo": "agentdeck", "team": "infra"})
	require.NoError(t, err)
	assert.Equal(t, "summarize agentdeck for infra", out)
}

func TestRenderTemplateMissingVariable(t *testing.T) {
	_, err := RenderTemplate("deploy {{service}} to {{env}}", map[string]string{"service": "api"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTemplateError, apperrors.Code(err))
	assert.Contains(t, err.Error(), "env")
}

func TestRenderTemplateNoVariables(t *testing.T) {
	out, err := RenderTemplate("plain prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain prompt", out)
}

func TestScheduleSetsNextFire(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()

	task := createTask(t, env, &store.Task{
		Name:            "nightly",
		PromptTemplate:  "run the nightly checks",
		ScheduleCron:    "0 3 * * *",
		ScheduleEnabled: true,
	})
	require.NoError(t, env.sched.Schedule(ctx, task))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextFireAt)
	assert.True(t, got.NextFireAt.After(time.Now().UTC()))
}

func TestScheduleRejectsInvalidCron(t *testing.T) {
	env := setupScheduler(t)

	task := createTask(t, env, &store.Task{
		Name:            "broken",
		PromptTemplate:  "x",
		ScheduleCron:    "not a cron",
		ScheduleEnabled: true,
	})
	err := env.sched.Schedule(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.Code(err))
}

func TestScheduleDisabledClearsNextFire(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()

	task := createTask(t, env, &store.Task{
		Name:            "paused",
		PromptTemplate:  "x",
		ScheduleCron:    "* * * * *",
		ScheduleEnabled: true,
	})
	require.NoError(t, env.sched.Schedule(ctx, task))

	task.ScheduleEnabled = false
	require.NoError(t, env.sched.Schedule(ctx, task))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextFireAt)
}

func TestExecuteNowCompletes(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()

	task := createTask(t, env, &store.Task{
		Name:           "report",
		PromptTemplate: "build the {{kind}} report",
		Variables:      map[string]string{"kind": "weekly"},
	})
	env.client.scripts = [][]string{{resultLine}}

	exec, err := env.sched.ExecuteNow(ctx, task.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, store.TriggerManual, exec.Trigger)
	assert.Equal(t, "report ready", exec.Result)
	require.NotEmpty(t, exec.SessionID)
	require.NotNil(t, exec.CompletedAt)

	// The fire ran as a background session for the task owner.
	sess, err := env.store.GetSession(ctx, exec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionModeBackground, sess.Mode)
	assert.Equal(t, env.user.ID, sess.UserID)
	assert.Equal(t, store.SessionStatusCompleted, sess.Status)

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ExecCount)
	assert.Equal(t, int64(1), got.SuccessCount)
	assert.Equal(t, int64(0), got.FailureCount)
}

func TestExecuteNowOverridesVariables(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()

	task := createTask(t, env, &store.Task{
		Name:           "deploy",
		PromptTemplate: "deploy {{service}} to {{env}}",
		Variables:      map[string]string{"service": "api", "env": "staging"},
	})
	env.client.scripts = [][]string{{resultLine}}

	exec, err := env.sched.ExecuteNow(ctx, task.ID, map[string]string{"env": "production"})
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusCompleted, exec.Status)

	// The override reached the rendered prompt.
	msgs, err := env.store.MessagesBySession(ctx, exec.SessionID, store.MessageQuery{})
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "deploy api to production", msgs[0].Blocks[0].Text)
}

func TestExecuteFailsOnMissingVariable(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()

	task := createTask(t, env, &store.Task{
		Name:           "incomplete",
		PromptTemplate: "ping {{target}}",
	})

	exec, err := env.sched.ExecuteNow(ctx, task.ID, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTemplateError, apperrors.Code(err))
	require.NotNil(t, exec)
	assert.Equal(t, store.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "target")
	assert.Empty(t, exec.SessionID)

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ExecCount)
	assert.Equal(t, int64(1), got.FailureCount)
}

func TestExecuteRecordsAgentError(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()

	task := createTask(t, env, &store.Task{
		Name:           "doomed",
		PromptTemplate: "do the thing",
	})
	env.client.scripts = [][]string{{errorResultLine}}

	exec, err := env.sched.ExecuteNow(ctx, task.ID, nil)
	require.Error(t, err)
	assert.Equal(t, store.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "boom")

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.FailureCount)
}

func TestFireScheduledSkipsStaleEntries(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()

	task := createTask(t, env, &store.Task{
		Name:            "stale",
		PromptTemplate:  "x",
		ScheduleCron:    "* * * * *",
		ScheduleEnabled: true,
	})
	require.NoError(t, env.sched.Schedule(ctx, task))

	// Disable after queueing; the lapsed entry must not fire.
	task.ScheduleEnabled = false
	require.NoError(t, env.store.UpdateTask(ctx, task))

	env.sched.fireScheduled(ctx, task.ID, time.Now().UTC())

	execs, err := env.store.ExecutionsByTask(ctx, task.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestFireScheduledRunsDueTask(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()

	task := createTask(t, env, &store.Task{
		Name:            "due",
		PromptTemplate:  "sweep the queue",
		ScheduleCron:    "* * * * *",
		ScheduleEnabled: true,
	})
	past := time.Now().UTC().Add(-time.Second)
	require.NoError(t, env.store.SetTaskNextFire(ctx, task.ID, &past))
	env.client.scripts = [][]string{{resultLine}}

	env.sched.fireScheduled(ctx, task.ID, past)

	execs, err := env.store.ExecutionsByTask(ctx, task.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, store.TriggerScheduled, execs[0].Trigger)
	assert.Equal(t, store.ExecutionStatusCompleted, execs[0].Status)

	// A new fire time is on the books for the next occurrence.
	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextFireAt)
	assert.True(t, got.NextFireAt.After(past))
}

func TestStartFiresDueTasksFromStore(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()

	task := createTask(t, env, &store.Task{
		Name:            "boot",
		PromptTemplate:  "catch up",
		ScheduleCron:    "* * * * *",
		ScheduleEnabled: true,
	})
	env.client.scripts = [][]string{{resultLine}}

	require.NoError(t, env.sched.Start(ctx))
	defer env.sched.Stop()

	// Startup schedules the task for its next minute boundary; nothing
	// fires yet, but the fire time is persisted.
	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextFireAt)
}

func TestValidateCron(t *testing.T) {
	env := setupScheduler(t)
	assert.True(t, env.sched.ValidateCron("*/5 * * * *"))
	assert.False(t, env.sched.ValidateCron("61 * * * *"))
}
