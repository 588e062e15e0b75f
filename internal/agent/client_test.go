package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
)

func TestParseFrameAssistantWithToolUse(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"role":"assistant","model":"claude-sonnet-4","content":[` +
		`{"type":"text","text":"Let me check."},` +
		`{"type":"tool_use","id":"toolu_01","name":"Bash","input":{"command":"ls"}}],` +
		`"usage":{"input_tokens":120,"output_tokens":45,"cache_read_input_tokens":800}}}`)

	f, err := ParseFrame(line)
	require.NoError(t, err)
	assert.Equal(t, FrameAssistant, f.Type)
	require.NotNil(t, f.Message)
	assert.Equal(t, "claude-sonnet-4", f.Message.Model)
	require.Len(t, f.Message.Content, 2)
	assert.Equal(t, "text", f.Message.Content[0].Type)
	assert.Equal(t, "tool_use", f.Message.Content[1].Type)
	assert.Equal(t, "toolu_01", f.Message.Content[1].ID)
	assert.Equal(t, "ls", f.Message.Content[1].Input["command"])
	assert.Equal(t, int64(800), f.Message.Usage.CacheReadInputTokens)
	assert.Equal(t, string(line), string(f.Raw))
}

func TestParseFrameResult(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","result":"All done.",` +
		`"total_cost_usd":0.0325,"duration_ms":5400,"num_turns":2,` +
		`"usage":{"input_tokens":1000,"output_tokens":200}}`)

	f, err := ParseFrame(line)
	require.NoError(t, err)
	assert.Equal(t, FrameResult, f.Type)
	assert.Equal(t, "success", f.Subtype)
	assert.Equal(t, "All done.", f.ResultText())
	assert.InDelta(t, 0.0325, f.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(5400), f.DurationMS)
	assert.Equal(t, 2, f.NumTurns)
	require.NotNil(t, f.Usage)
	assert.Equal(t, int64(1000), f.Usage.InputTokens)
}

func TestParseFrameControlRequest(t *testing.T) {
	line := []byte(`{"type":"control_request","request_id":"req-1",` +
		`"request":{"subtype":"can_use_tool","tool_name":"Write",` +
		`"input":{"file_path":"/tmp/x"},"tool_use_id":"toolu_02"}}`)

	f, err := ParseFrame(line)
	require.NoError(t, err)
	assert.Equal(t, FrameControlRequest, f.Type)
	assert.Equal(t, "req-1", f.RequestID)
	require.NotNil(t, f.Request)
	assert.Equal(t, SubtypeCanUseTool, f.Request.Subtype)
	assert.Equal(t, "Write", f.Request.ToolName)
	assert.Equal(t, "toolu_02", f.Request.ToolUseID)
}

func TestBlockContentText(t *testing.T) {
	b := &Block{Content: []byte(`"plain output"`)}
	assert.Equal(t, "plain output", b.ContentText())

	b = &Block{Content: []byte(`[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]`)}
	assert.Equal(t, "part one part two", b.ContentText())

	b = &Block{}
	assert.Equal(t, "", b.ContentText())
}

func TestDenyResultInterrupt(t *testing.T) {
	r := DenyResult("not allowed", true)
	assert.Equal(t, BehaviorDeny, r.Behavior)
	require.NotNil(t, r.Interrupt)
	assert.True(t, *r.Interrupt)

	r = DenyResult("not allowed", false)
	assert.Nil(t, r.Interrupt)
}

// catConfig spawns /bin/cat, which echoes stdin frames back on stdout.
func catConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Command:    []string{"cat"},
		WorkDir:    t.TempDir(),
		MaxRetries: 0,
		RetryDelay: time.Millisecond,
	}
}

func TestClientQueryRoundTrip(t *testing.T) {
	c := NewClient(catConfig(t), logger.Default())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, c.Query("hello agent"))
	assert.Equal(t, StateQuerying, c.State())

	select {
	case f := <-c.Receive():
		assert.Equal(t, FrameUser, f.Type)
		require.NotNil(t, f.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("no echoed frame")
	}

	m, err := c.Disconnect()
	require.NoError(t, err)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, int64(1), m.FramesSent)
	assert.Equal(t, int64(1), m.FramesReceived)
}

func TestClientGuardsIllegalTransitions(t *testing.T) {
	c := NewClient(catConfig(t), logger.Default())

	// Query before connect.
	err := c.Query("nope")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeClientNotConnected, apperrors.Code(err))

	require.NoError(t, c.Connect(context.Background()))

	// Second connect while connected.
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.Code(err))

	// Second query while a turn is in flight.
	require.NoError(t, c.Query("one"))
	err = c.Query("two")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.Code(err))

	_, err = c.Disconnect()
	require.NoError(t, err)

	// Everything refuses after close.
	err = c.Query("late")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeClientNotConnected, apperrors.Code(err))
}

func TestClientConnectRetriesExhausted(t *testing.T) {
	c := NewClient(Config{
		Command:    []string{"/nonexistent/agent-cli"},
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, logger.Default())

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeFatal, apperrors.Code(err))
	assert.Equal(t, StateClosed, c.State())
}

func TestClientResultFrameEndsTurn(t *testing.T) {
	c := NewClient(catConfig(t), logger.Default())
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Query("run"))
	assert.Equal(t, StateQuerying, c.State())

	// A result frame flowing through the read loop flips the state back.
	require.NoError(t, c.send(map[string]interface{}{"type": "result", "subtype": "success"}))

	select {
	case f := <-c.Receive():
		// First echo is the user frame.
		assert.Equal(t, FrameUser, f.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no user frame")
	}
	select {
	case f := <-c.Receive():
		assert.Equal(t, FrameResult, f.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no result frame")
	}
	assert.Equal(t, StateConnected, c.State())

	_, err := c.Disconnect()
	require.NoError(t, err)
}

func TestClientSurvivesConnectContextCancel(t *testing.T) {
	c := NewClient(catConfig(t), logger.Default())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Connect(ctx))
	cancel()
	time.Sleep(50 * time.Millisecond)

	// The subprocess outlives the connect caller's context: a query still
	// round-trips after the cancel.
	require.NoError(t, c.Query("still alive"))
	select {
	case f := <-c.Receive():
		require.NotNil(t, f)
		assert.Equal(t, FrameUser, f.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess died with the connect context")
	}

	_, err := c.Disconnect()
	require.NoError(t, err)
	assert.Equal(t, StateClosed, c.State())
}

func TestClientInterrupt(t *testing.T) {
	c := NewClient(catConfig(t), logger.Default())
	require.NoError(t, c.Connect(context.Background()))

	err := c.Interrupt(context.Background(), 2*time.Second)
	require.NoError(t, err)

	_, err = c.Disconnect()
	require.NoError(t, err)
	assert.Equal(t, StateClosed, c.State())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c := NewClient(catConfig(t), logger.Default())
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Disconnect()
	require.NoError(t, err)
	_, err = c.Disconnect()
	require.NoError(t, err)

	// A never-connected client can also be closed.
	c2 := NewClient(catConfig(t), logger.Default())
	_, err = c2.Disconnect()
	require.NoError(t, err)
	assert.Equal(t, StateClosed, c2.State())
}
