// Package agent owns the subprocess of the external coding-agent CLI for
// one session: spawning, the line-delimited JSON stream protocol, permission
// control requests, and connection lifecycle.
package agent

import "encoding/json"

// Frame types read from the agent's stdout.
const (
	FrameSystem          = "system"
	FrameAssistant       = "assistant"
	FrameUser            = "user"
	FrameResult          = "result"
	FrameStreamEvent     = "stream_event"
	FrameControlRequest  = "control_request"
	FrameControlResponse = "control_response"
)

// Control request subtypes.
const (
	SubtypeCanUseTool = "can_use_tool"
	SubtypeInterrupt  = "interrupt"
)

// Permission behaviors in control responses.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Frame is the envelope of one line read from the agent CLI. Type decides
// which fields are populated.
type Frame struct {
	Type string `json:"type"`

	// control_request frames
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// system frames
	SessionID string `json:"session_id,omitempty"`
	Subtype   string `json:"subtype,omitempty"`

	// assistant and user frames
	Message *MessageBody `json:"message,omitempty"`

	// stream_event frames (partials)
	Event json.RawMessage `json:"event,omitempty"`

	// result frames
	Result       json.RawMessage `json:"result,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`

	// Raw line, kept for persistence of partials.
	Raw json.RawMessage `json:"-"`
}

// MessageBody is the content of an assistant or user frame.
type MessageBody struct {
	Role       string  `json:"role"`
	Model      string  `json:"model,omitempty"`
	Content    []Block `json:"content,omitempty"`
	StopReason string  `json:"stop_reason,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
}

// Block is one content block inside a message body.
type Block struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ContentText flattens a tool_result content payload to a string. The CLI
// emits either a bare string or a list of text blocks.
func (b *Block) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		out := ""
		for _, blk := range blocks {
			out += blk.Text
		}
		return out
	}
	return string(b.Content)
}

// Usage is the token accounting attached to assistant and result frames.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ResultText returns the result payload as a string when it is one.
func (f *Frame) ResultText() string {
	if len(f.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Result, &s); err == nil {
		return s
	}
	return string(f.Result)
}

// ControlRequest is a request from the agent CLI that must be answered
// before it proceeds, most importantly can_use_tool permission checks.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// can_use_tool requests
	ToolName  string                 `json:"tool_name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
}

// ControlResponseFrame answers a control request over stdin.
type ControlResponseFrame struct {
	Type      string           `json:"type"` // control_response
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of a control response.
type ControlResponse struct {
	Subtype string            `json:"subtype"` // success or error
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PermissionResult is the verdict returned for a can_use_tool request.
type PermissionResult struct {
	Behavior  string `json:"behavior"` // allow or deny
	Message   string `json:"message,omitempty"`
	Interrupt *bool  `json:"interrupt,omitempty"`
}

// AllowResult builds a permit verdict.
func AllowResult() *PermissionResult {
	return &PermissionResult{Behavior: BehaviorAllow}
}

// DenyResult builds a refusal verdict, optionally interrupting the turn.
func DenyResult(message string, interrupt bool) *PermissionResult {
	r := &PermissionResult{Behavior: BehaviorDeny, Message: message}
	if interrupt {
		r.Interrupt = &interrupt
	}
	return r
}

// UserFrame carries a prompt to the agent over stdin.
type UserFrame struct {
	Type    string        `json:"type"` // user
	Message UserFrameBody `json:"message"`
}

// UserFrameBody is the prompt content.
type UserFrameBody struct {
	Role    string `json:"role"` // user
	Content string `json:"content"`
}

// NewUserFrame builds a prompt frame.
func NewUserFrame(content string) *UserFrame {
	return &UserFrame{
		Type:    FrameUser,
		Message: UserFrameBody{Role: "user", Content: content},
	}
}

// ParseFrame decodes one stdout line into a Frame, keeping the raw bytes.
func ParseFrame(line []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, err
	}
	f.Raw = append(json.RawMessage(nil), line...)
	return &f, nil
}
