package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/accounting"
	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/hooks"
	"github.com/agentdeck/agentdeck/internal/policy"
	"github.com/agentdeck/agentdeck/internal/store"
)

type recordingResponder struct {
	requestIDs []string
	results    []*agent.PermissionResult
}

func (r *recordingResponder) RespondPermission(requestID string, result *agent.PermissionResult) error {
	r.requestIDs = append(r.requestIDs, requestID)
	r.results = append(r.results, result)
	return nil
}

// testHook adapts a function to the hook interface.
type testHook struct {
	name     string
	kind     store.HookKind
	priority int
	execute  func(ctx context.Context, in *hooks.Input) (*hooks.Output, error)
}

func (h *testHook) Name() string         { return h.name }
func (h *testHook) Kind() store.HookKind { return h.kind }
func (h *testHook) Priority() int        { return h.priority }
func (h *testHook) Execute(ctx context.Context, in *hooks.Input) (*hooks.Output, error) {
	return h.execute(ctx, in)
}

type pipelineEnv struct {
	store     store.Store
	session   *store.Session
	responder *recordingResponder
	registry  *hooks.Registry
}

func setupPipeline(t *testing.T, policies ...policy.Policy) (*Pipeline, *pipelineEnv) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	st, err := store.NewSQLiteStoreWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sess := &store.Session{UserID: "user-1", Mode: store.SessionModeInteractive}
	require.NoError(t, st.CreateSession(context.Background(), sess))

	log := logger.Default()
	registry := hooks.NewRegistry()
	dispatcher := hooks.NewDispatcher(sess.ID, registry, nil, st, bus.NewMemoryEventBus(log), log)
	engine := policy.NewEngine(sess.ID, policies, st, log)
	responder := &recordingResponder{}

	p := New(sess.ID, st, engine, dispatcher, accounting.NewAccountant(st, log),
		responder, bus.NewMemoryEventBus(log), true, log)
	return p, &pipelineEnv{store: st, session: sess, responder: responder, registry: registry}
}

func parseFrame(t *testing.T, payload string) *agent.Frame {
	t.Helper()
	f, err := agent.ParseFrame([]byte(payload))
	require.NoError(t, err)
	return f
}

func TestAssistantFramePersistsMessageAndTracksTools(t *testing.T) {
	p, env := setupPipeline(t)
	ctx := context.Background()

	f := parseFrame(t, `{"type":"assistant","message":{"role":"assistant","model":"claude-sonnet-4","content":[`+
		`{"type":"text","text":"Running ls."},`+
		`{"type":"tool_use","id":"toolu_01","name":"Bash","input":{"command":"ls"}}]}}`)

	result, err := p.HandleFrame(ctx, f)
	require.NoError(t, err)
	assert.Nil(t, result)

	msgs, err := env.store.MessagesBySession(ctx, env.session.ID, store.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.DirectionAgentToUser, msgs[0].Direction)
	require.Len(t, msgs[0].Blocks, 2)
	assert.Equal(t, store.BlockTypeToolUse, msgs[0].Blocks[1].Type)

	execs, err := env.store.ToolExecutionsBySession(ctx, env.session.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, store.ToolStatusRunning, execs[0].Status)
	assert.Equal(t, store.PermissionAllow, execs[0].PermissionDecision)

	sess, err := env.store.GetSession(ctx, env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.Metrics.TotalMessages)
	assert.Equal(t, int64(1), sess.Metrics.TotalToolCalls)
	assert.Equal(t, int64(1), sess.Metrics.TotalPermissionCheck)
}

func TestDeniedToolGetsSyntheticErrorResult(t *testing.T) {
	deny := &policy.CommandPolicy{BlockedCommands: []string{"rm -rf"}}
	p, env := setupPipeline(t, deny)
	ctx := context.Background()

	f := parseFrame(t, `{"type":"assistant","message":{"role":"assistant","content":[`+
		`{"type":"tool_use","id":"toolu_02","name":"Bash","input":{"command":"rm -rf /"}}]}}`)

	_, err := p.HandleFrame(ctx, f)
	require.NoError(t, err)

	execs, err := env.store.ToolExecutionsBySession(ctx, env.session.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, store.ToolStatusDenied, execs[0].Status)
	assert.Equal(t, store.PermissionDeny, execs[0].PermissionDecision)

	msgs, err := env.store.MessagesBySession(ctx, env.session.ID, store.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	synthetic := msgs[1]
	require.Len(t, synthetic.Blocks, 1)
	assert.Equal(t, store.BlockTypeToolResult, synthetic.Blocks[0].Type)
	assert.True(t, synthetic.Blocks[0].IsError)
	assert.Equal(t, "toolu_02", synthetic.Blocks[0].ToolUseID)
}

func TestHookVetoBlocksToolBeforePermissionCheck(t *testing.T) {
	p, env := setupPipeline(t)
	env.registry.Register(&testHook{
		name: "veto", kind: store.HookPreToolUse, priority: 1,
		execute: func(ctx context.Context, in *hooks.Input) (*hooks.Output, error) {
			return &hooks.Output{ContinueExecution: false}, nil
		},
	})
	ctx := context.Background()

	f := parseFrame(t, `{"type":"assistant","message":{"role":"assistant","content":[`+
		`{"type":"tool_use","id":"toolu_03","name":"Write","input":{"file_path":"/tmp/x"}}]}}`)

	_, err := p.HandleFrame(ctx, f)
	require.NoError(t, err)

	execs, err := env.store.ToolExecutionsBySession(ctx, env.session.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, store.ToolStatusDenied, execs[0].Status)
	// A vetoed tool never reaches the policy chain.
	assert.Equal(t, store.PermissionNotChecked, execs[0].PermissionDecision)
	assert.Equal(t, "blocked_by_hook", execs[0].PermissionReason)

	sess, err := env.store.GetSession(ctx, env.session.ID)
	require.NoError(t, err)
	assert.Zero(t, sess.Metrics.TotalPermissionCheck)
}

func TestToolResultCompletesExecution(t *testing.T) {
	p, env := setupPipeline(t)
	ctx := context.Background()

	use := parseFrame(t, `{"type":"assistant","message":{"role":"assistant","content":[`+
		`{"type":"tool_use","id":"toolu_04","name":"Bash","input":{"command":"ls"}}]}}`)
	_, err := p.HandleFrame(ctx, use)
	require.NoError(t, err)

	var postFired bool
	env.registry.Register(&testHook{
		name: "post", kind: store.HookPostToolUse, priority: 1,
		execute: func(ctx context.Context, in *hooks.Input) (*hooks.Output, error) {
			postFired = true
			assert.Equal(t, "toolu_04", in.ToolUseID)
			return nil, nil
		},
	})

	result := parseFrame(t, `{"type":"user","message":{"role":"user","content":[`+
		`{"type":"tool_result","tool_use_id":"toolu_04","content":"file.txt"}]}}`)
	_, err = p.HandleFrame(ctx, result)
	require.NoError(t, err)
	assert.True(t, postFired)

	execs, err := env.store.ToolExecutionsBySession(ctx, env.session.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, store.ToolStatusSuccess, execs[0].Status)
	assert.Equal(t, "file.txt", execs[0].Output)
}

func TestErrorToolResultRecordsError(t *testing.T) {
	p, env := setupPipeline(t)
	ctx := context.Background()

	use := parseFrame(t, `{"type":"assistant","message":{"role":"assistant","content":[`+
		`{"type":"tool_use","id":"toolu_05","name":"Bash","input":{"command":"false"}}]}}`)
	_, err := p.HandleFrame(ctx, use)
	require.NoError(t, err)

	result := parseFrame(t, `{"type":"user","message":{"role":"user","content":[`+
		`{"type":"tool_result","tool_use_id":"toolu_05","content":"exit status 1","is_error":true}]}}`)
	_, err = p.HandleFrame(ctx, result)
	require.NoError(t, err)

	execs, err := env.store.ToolExecutionsBySession(ctx, env.session.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, store.ToolStatusError, execs[0].Status)
	assert.Equal(t, "exit status 1", execs[0].ErrorMessage)
}

func TestPartialMessagesLinkToCompletion(t *testing.T) {
	p, env := setupPipeline(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		partial := parseFrame(t, `{"type":"stream_event","event":{"type":"content_block_delta"}}`)
		_, err := p.HandleFrame(ctx, partial)
		require.NoError(t, err)
	}

	full := parseFrame(t, `{"type":"assistant","message":{"role":"assistant","content":[`+
		`{"type":"text","text":"done"}]}}`)
	_, err := p.HandleFrame(ctx, full)
	require.NoError(t, err)

	msgs, err := env.store.MessagesBySession(ctx, env.session.ID, store.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	var completionID string
	for _, m := range msgs {
		if !m.IsPartial {
			completionID = m.ID
		}
	}
	require.NotEmpty(t, completionID)
	for _, m := range msgs {
		if m.IsPartial {
			assert.Equal(t, completionID, m.ParentMessageID)
		}
	}

	// Only the completed message counts; partials are stream chunks.
	sess, err := env.store.GetSession(ctx, env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.Metrics.TotalMessages)
}

func TestControlRequestAnsweredInline(t *testing.T) {
	deny := &policy.CommandPolicy{BlockedCommands: []string{"sudo"}}
	p, env := setupPipeline(t, deny)
	ctx := context.Background()

	allowed := parseFrame(t, `{"type":"control_request","request_id":"req-1",`+
		`"request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"tool_use_id":"toolu_06"}}`)
	_, err := p.HandleFrame(ctx, allowed)
	require.NoError(t, err)

	denied := parseFrame(t, `{"type":"control_request","request_id":"req-2",`+
		`"request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"sudo rm"},"tool_use_id":"toolu_07"}}`)
	_, err = p.HandleFrame(ctx, denied)
	require.NoError(t, err)

	require.Equal(t, []string{"req-1", "req-2"}, env.responder.requestIDs)
	assert.Equal(t, agent.BehaviorAllow, env.responder.results[0].Behavior)
	assert.Equal(t, agent.BehaviorDeny, env.responder.results[1].Behavior)

	execs, err := env.store.ToolExecutionsBySession(ctx, env.session.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
}

func TestResultFrameEndsTurnAndAppliesCost(t *testing.T) {
	p, env := setupPipeline(t)
	ctx := context.Background()

	var stopFired bool
	env.registry.Register(&testHook{
		name: "stop", kind: store.HookStop, priority: 1,
		execute: func(ctx context.Context, in *hooks.Input) (*hooks.Output, error) {
			stopFired = true
			return nil, nil
		},
	})

	f := parseFrame(t, `{"type":"result","subtype":"success","result":"finished",`+
		`"total_cost_usd":0.05,"duration_ms":3200,"num_turns":1,`+
		`"usage":{"input_tokens":500,"output_tokens":120}}`)

	result, err := p.HandleFrame(ctx, f)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)
	assert.Equal(t, "finished", result.ResultText)
	assert.InDelta(t, 0.05, result.CostUSD, 1e-9)
	assert.True(t, stopFired)

	sess, err := env.store.GetSession(ctx, env.session.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, sess.Metrics.CostUSD, 1e-9)
	assert.Equal(t, int64(500), sess.Metrics.TokensIn)
	assert.Equal(t, int64(3200), sess.Metrics.DurationMS)
}

func TestComputedCostUsesAssistantModelRate(t *testing.T) {
	p, env := setupPipeline(t)
	ctx := context.Background()

	assistant := parseFrame(t, `{"type":"assistant","message":{"role":"assistant",`+
		`"model":"claude-haiku-3-5","content":[{"type":"text","text":"ok"}]}}`)
	_, err := p.HandleFrame(ctx, assistant)
	require.NoError(t, err)

	// No total_cost_usd from the CLI, so the rate table prices the tokens:
	// 100k in at $0.80/MTok plus 10k out at $4.00/MTok.
	f := parseFrame(t, `{"type":"result","subtype":"success","result":"done",`+
		`"num_turns":1,"usage":{"input_tokens":100000,"output_tokens":10000}}`)
	result, err := p.HandleFrame(ctx, f)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.InDelta(t, 0.12, result.CostUSD, 1e-9)

	sess, err := env.store.GetSession(ctx, env.session.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.12, sess.Metrics.CostUSD, 1e-9)
}

func TestRunConsumesUntilResult(t *testing.T) {
	p, _ := setupPipeline(t)

	frames := make(chan *agent.Frame, 4)
	frames <- parseFrame(t, `{"type":"system","subtype":"init"}`)
	frames <- parseFrame(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`)
	frames <- parseFrame(t, `{"type":"result","subtype":"success","result":"ok","num_turns":1}`)

	result, err := p.Run(context.Background(), frames)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.ResultText)
}

func TestRunFailsWhenStreamCloses(t *testing.T) {
	p, _ := setupPipeline(t)

	frames := make(chan *agent.Frame)
	close(frames)

	_, err := p.Run(context.Background(), frames)
	require.Error(t, err)
}

func TestPersistPromptWritesUserMessage(t *testing.T) {
	p, env := setupPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.PersistPrompt(ctx, "list the files"))

	msgs, err := env.store.MessagesBySession(ctx, env.session.ID, store.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.DirectionUserToAgent, msgs[0].Direction)
	assert.Equal(t, "list the files", msgs[0].Blocks[0].Text)
}

func TestToStoreBlocksMapsAllVariants(t *testing.T) {
	blocks := []agent.Block{
		{Type: "text", Text: "t"},
		{Type: "thinking", Thinking: "hmm"},
		{Type: "tool_use", ID: "toolu_1", Name: "Read", Input: map[string]interface{}{"file_path": "/a"}},
		{Type: "tool_result", ToolUseID: "toolu_1", Content: json.RawMessage(`"out"`), IsError: false},
		{Type: "unknown_block"},
	}

	out := toStoreBlocks(blocks)
	require.Len(t, out, 4)
	assert.Equal(t, store.BlockTypeThinking, out[1].Type)
	assert.Equal(t, "hmm", out[1].Text)
	assert.Equal(t, "Read", out[2].ToolName)
	assert.Equal(t, "out", out[3].Output)
}
