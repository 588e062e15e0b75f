// Package pipeline turns the agent's frame stream into persistent effects:
// ordered message rows, hook dispatches, permission checks, tool audit
// updates, cost accounting, and broadcast events. One pipeline instance
// serves one session and is strictly single-threaded so persistence order
// equals the child's emission order.
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/accounting"
	"github.com/agentdeck/agentdeck/internal/agent"
	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/hooks"
	"github.com/agentdeck/agentdeck/internal/policy"
	"github.com/agentdeck/agentdeck/internal/store"
)

// PermissionResponder answers the agent's can_use_tool control requests.
// Satisfied by *agent.Client.
type PermissionResponder interface {
	RespondPermission(requestID string, result *agent.PermissionResult) error
}

// TurnResult summarizes one completed turn.
type TurnResult struct {
	IsError    bool
	Subtype    string
	ResultText string
	CostUSD    float64
	NumTurns   int
	DurationMS int64
	TokensIn   int64
	TokensOut  int64
}

// Pipeline applies the per-frame effect chain for one session.
type Pipeline struct {
	sessionID  string
	store      store.Store
	engine     *policy.Engine
	dispatcher *hooks.Dispatcher
	accountant *accounting.Accountant
	responder  PermissionResponder
	bus        bus.EventBus
	logger     *logger.Logger

	includePartials bool
	partialIDs      []string
	model           string // last model seen on an assistant frame
}

// New creates a pipeline for one session.
func New(sessionID string, st store.Store, engine *policy.Engine, dispatcher *hooks.Dispatcher,
	accountant *accounting.Accountant, responder PermissionResponder, eventBus bus.EventBus,
	includePartials bool, log *logger.Logger) *Pipeline {
	return &Pipeline{
		sessionID:       sessionID,
		store:           st,
		engine:          engine,
		dispatcher:      dispatcher,
		accountant:      accountant,
		responder:       responder,
		bus:             eventBus,
		includePartials: includePartials,
		logger:          log.WithSessionID(sessionID),
	}
}

// Run consumes frames until a result frame completes the turn or the stream
// closes. Context cancellation unwinds mid-turn; everything persisted so
// far stays.
func (p *Pipeline) Run(ctx context.Context, frames <-chan *agent.Frame) (*TurnResult, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, apperrors.Cancelled("turn cancelled")
		case frame, ok := <-frames:
			if !ok {
				return nil, apperrors.ClientNotConnected("agent stream closed mid-turn")
			}
			result, err := p.HandleFrame(ctx, frame)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
		}
	}
}

// HandleFrame applies one frame's effects. A non-nil TurnResult means the
// turn is over.
func (p *Pipeline) HandleFrame(ctx context.Context, f *agent.Frame) (*TurnResult, error) {
	switch f.Type {
	case agent.FrameSystem:
		// Handshake chatter; nothing to persist.
		return nil, nil
	case agent.FrameStreamEvent:
		return nil, p.handlePartial(ctx, f)
	case agent.FrameAssistant:
		return nil, p.handleAssistant(ctx, f)
	case agent.FrameUser:
		return nil, p.handleToolResults(ctx, f)
	case agent.FrameControlRequest:
		return nil, p.handleControlRequest(ctx, f)
	case agent.FrameResult:
		return p.handleResult(ctx, f)
	default:
		p.logger.Debug("ignoring unknown frame type", zap.String("type", f.Type))
		return nil, nil
	}
}

// PersistPrompt writes the user's prompt row and fires user_prompt_submit
// hooks. Called by executors before the prompt goes to the client.
func (p *Pipeline) PersistPrompt(ctx context.Context, prompt string) error {
	m := &store.Message{
		SessionID: p.sessionID,
		Direction: store.DirectionUserToAgent,
		Blocks:    []store.Block{{Type: store.BlockTypeText, Text: prompt}},
	}
	if err := p.persist(ctx, m); err != nil {
		return err
	}
	p.dispatcher.Dispatch(ctx, store.HookUserPromptSubmit, &hooks.Input{
		SessionID: p.sessionID,
		Data:      map[string]interface{}{"prompt": prompt, "persisted": true},
	})
	return nil
}

func (p *Pipeline) handlePartial(ctx context.Context, f *agent.Frame) error {
	if !p.includePartials {
		return nil
	}
	m := &store.Message{
		SessionID: p.sessionID,
		Direction: store.DirectionAgentToUser,
		Blocks:    []store.Block{{Type: store.BlockTypeText, Text: string(f.Event)}},
		IsPartial: true,
	}
	if err := p.persist(ctx, m); err != nil {
		return err
	}
	p.partialIDs = append(p.partialIDs, m.ID)
	return nil
}

func (p *Pipeline) handleAssistant(ctx context.Context, f *agent.Frame) error {
	if f.Message == nil {
		return nil
	}

	m := &store.Message{
		SessionID: p.sessionID,
		Direction: store.DirectionAgentToUser,
		Blocks:    toStoreBlocks(f.Message.Content),
		Model:     f.Message.Model,
	}
	if f.Message.Usage != nil {
		m.TokensIn = f.Message.Usage.InputTokens
		m.TokensOut = f.Message.Usage.OutputTokens
	}
	if f.Message.Model != "" {
		p.model = f.Message.Model
	}
	if err := p.persist(ctx, m); err != nil {
		return err
	}

	// The completing non-partial message adopts the partials streamed
	// before it.
	if len(p.partialIDs) > 0 {
		if err := p.store.LinkPartialMessages(ctx, p.sessionID, m.ID, p.partialIDs); err != nil {
			p.logger.Warn("failed to link partial messages", zap.Error(err))
		}
		p.partialIDs = nil
	}

	for _, block := range f.Message.Content {
		if block.Type != "tool_use" {
			continue
		}
		if err := p.handleToolUse(ctx, block); err != nil {
			return err
		}
	}
	return nil
}

// handleToolUse runs the pre-tool-use gate for one tool_use block: hooks
// first, then the policy chain. The verdict lands on the ToolExecution row;
// a veto or deny also produces a synthetic error tool_result so the
// conversation log explains why nothing ran.
func (p *Pipeline) handleToolUse(ctx context.Context, block agent.Block) error {
	dispatch := p.dispatcher.Dispatch(ctx, store.HookPreToolUse, &hooks.Input{
		SessionID: p.sessionID,
		ToolUseID: block.ID,
		ToolName:  block.Name,
		Data:      map[string]interface{}{"tool_name": block.Name, "input": block.Input},
	})

	if !dispatch.ContinueExecution {
		if err := p.recordToolOutcome(ctx, block, store.ToolStatusDenied, store.PermissionNotChecked, "blocked_by_hook"); err != nil {
			return err
		}
		return p.persistSyntheticResult(ctx, block.ID, "blocked_by_hook")
	}

	decision := p.evaluatePolicy(ctx, block.Name, block.Input)
	if decision.Outcome == policy.OutcomeDeny {
		if err := p.recordToolOutcome(ctx, block, store.ToolStatusDenied, store.PermissionDeny, decision.Reason); err != nil {
			return err
		}
		return p.persistSyntheticResult(ctx, block.ID, "permission_denied: "+decision.Reason)
	}

	return p.recordToolOutcome(ctx, block, store.ToolStatusRunning, store.PermissionAllow, decision.Reason)
}

func (p *Pipeline) recordToolOutcome(ctx context.Context, block agent.Block, status store.ToolStatus, outcome store.PermissionOutcome, reason string) error {
	err := p.store.UpsertToolExecution(ctx, &store.ToolExecution{
		SessionID:          p.sessionID,
		ToolUseID:          block.ID,
		ToolName:           block.Name,
		Input:              block.Input,
		Status:             status,
		PermissionDecision: outcome,
		PermissionReason:   reason,
	})
	if err != nil {
		return err
	}
	p.publish(bus.EventToolStarted, map[string]interface{}{
		"tool_use_id": block.ID,
		"tool_name":   block.Name,
		"status":      string(status),
	})
	return nil
}

func (p *Pipeline) persistSyntheticResult(ctx context.Context, toolUseID, content string) error {
	return p.persist(ctx, &store.Message{
		SessionID: p.sessionID,
		Direction: store.DirectionAgentToUser,
		Blocks: []store.Block{{
			Type:      store.BlockTypeToolResult,
			ToolUseID: toolUseID,
			Output:    content,
			IsError:   true,
		}},
	})
}

func (p *Pipeline) handleToolResults(ctx context.Context, f *agent.Frame) error {
	if f.Message == nil {
		return nil
	}

	m := &store.Message{
		SessionID: p.sessionID,
		Direction: store.DirectionUserToAgent,
		Blocks:    toStoreBlocks(f.Message.Content),
	}
	if err := p.persist(ctx, m); err != nil {
		return err
	}

	for _, block := range f.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		output := block.ContentText()
		p.dispatcher.Dispatch(ctx, store.HookPostToolUse, &hooks.Input{
			SessionID: p.sessionID,
			ToolUseID: block.ToolUseID,
			Data:      map[string]interface{}{"output": output, "is_error": block.IsError},
		})

		status := store.ToolStatusSuccess
		errMsg := ""
		if block.IsError {
			status = store.ToolStatusError
			errMsg = output
		}
		err := p.store.CompleteToolExecution(ctx, p.sessionID, block.ToolUseID, status, output, errMsg, m.CreatedAt)
		if err != nil && !apperrors.IsNotFound(err) {
			return err
		}
		p.publish(bus.EventToolCompleted, map[string]interface{}{
			"tool_use_id": block.ToolUseID,
			"status":      string(status),
		})
	}
	return nil
}

// handleControlRequest answers can_use_tool requests inline with the same
// hook-then-policy gate, so the child aborts denied calls cleanly.
func (p *Pipeline) handleControlRequest(ctx context.Context, f *agent.Frame) error {
	if f.Request == nil || f.Request.Subtype != agent.SubtypeCanUseTool {
		return nil
	}
	req := f.Request

	dispatch := p.dispatcher.Dispatch(ctx, store.HookPreToolUse, &hooks.Input{
		SessionID: p.sessionID,
		ToolUseID: req.ToolUseID,
		ToolName:  req.ToolName,
		Data:      map[string]interface{}{"tool_name": req.ToolName, "input": req.Input},
	})

	var verdict *agent.PermissionResult
	if !dispatch.ContinueExecution {
		verdict = agent.DenyResult("blocked_by_hook", false)
		p.upsertRequestOutcome(ctx, req, store.ToolStatusDenied, store.PermissionNotChecked, "blocked_by_hook")
	} else {
		decision := p.evaluatePolicy(ctx, req.ToolName, req.Input)
		if decision.Outcome == policy.OutcomeDeny {
			verdict = agent.DenyResult(decision.Reason, decision.Interrupt)
			p.upsertRequestOutcome(ctx, req, store.ToolStatusDenied, store.PermissionDeny, decision.Reason)
		} else {
			verdict = agent.AllowResult()
			p.upsertRequestOutcome(ctx, req, store.ToolStatusRunning, store.PermissionAllow, decision.Reason)
		}
	}

	if p.responder == nil {
		return nil
	}
	if err := p.responder.RespondPermission(f.RequestID, verdict); err != nil {
		return err
	}
	p.publish(bus.EventPermissionDecided, map[string]interface{}{
		"tool_use_id": req.ToolUseID,
		"tool_name":   req.ToolName,
		"behavior":    verdict.Behavior,
	})
	return nil
}

func (p *Pipeline) upsertRequestOutcome(ctx context.Context, req *agent.ControlRequest, status store.ToolStatus, outcome store.PermissionOutcome, reason string) {
	if req.ToolUseID == "" {
		return
	}
	err := p.store.UpsertToolExecution(ctx, &store.ToolExecution{
		SessionID:          p.sessionID,
		ToolUseID:          req.ToolUseID,
		ToolName:           req.ToolName,
		Input:              req.Input,
		Status:             status,
		PermissionDecision: outcome,
		PermissionReason:   reason,
	})
	if err != nil {
		p.logger.Warn("failed to record tool permission outcome",
			zap.String("tool_use_id", req.ToolUseID), zap.Error(err))
	}
}

func (p *Pipeline) evaluatePolicy(ctx context.Context, toolName string, input map[string]interface{}) policy.Decision {
	decision := p.engine.Evaluate(ctx, toolName, input)
	if err := p.store.IncrementSessionMetrics(ctx, p.sessionID, store.MetricsDelta{PermissionChecks: 1}); err != nil {
		p.logger.Warn("failed to count permission check", zap.Error(err))
	}
	return decision
}

func (p *Pipeline) handleResult(ctx context.Context, f *agent.Frame) (*TurnResult, error) {
	result := &TurnResult{
		IsError:    f.IsError,
		Subtype:    f.Subtype,
		ResultText: f.ResultText(),
		CostUSD:    f.TotalCostUSD,
		NumTurns:   f.NumTurns,
		DurationMS: f.DurationMS,
	}

	usage := accounting.TurnUsage{
		Model:           p.model,
		ReportedCostUSD: f.TotalCostUSD,
		DurationMS:      f.DurationMS,
	}
	if f.Usage != nil {
		usage.TokensIn = f.Usage.InputTokens
		usage.TokensOut = f.Usage.OutputTokens
		usage.TokensCacheWrite = f.Usage.CacheCreationInputTokens
		usage.TokensCacheRead = f.Usage.CacheReadInputTokens
		result.TokensIn = usage.TokensIn
		result.TokensOut = usage.TokensOut
	}
	cost, err := p.accountant.ApplyTurn(ctx, p.sessionID, usage)
	if err != nil {
		p.logger.Warn("failed to apply turn cost", zap.Error(err))
	} else {
		result.CostUSD = cost
	}

	p.dispatcher.Dispatch(ctx, store.HookStop, &hooks.Input{
		SessionID: p.sessionID,
		Data: map[string]interface{}{
			"is_error": f.IsError,
			"subtype":  f.Subtype,
		},
	})

	p.publish(bus.EventTurnCompleted, map[string]interface{}{
		"is_error":    result.IsError,
		"cost_usd":    result.CostUSD,
		"num_turns":   result.NumTurns,
		"duration_ms": result.DurationMS,
	})
	return result, nil
}

func (p *Pipeline) persist(ctx context.Context, m *store.Message) error {
	if err := p.store.AppendMessage(ctx, m); err != nil {
		return err
	}
	// Partials are transient stream chunks; only completed messages count.
	if !m.IsPartial {
		if err := p.store.IncrementSessionMetrics(ctx, p.sessionID, store.MetricsDelta{Messages: 1}); err != nil {
			p.logger.Warn("failed to count message", zap.Error(err))
		}
	}
	p.publish(bus.EventMessagePersisted, map[string]interface{}{
		"message_id": m.ID,
		"sequence":   m.Sequence,
		"direction":  string(m.Direction),
		"is_partial": m.IsPartial,
	})
	return nil
}

func (p *Pipeline) publish(eventType string, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	data["session_id"] = p.sessionID
	_ = p.bus.Publish(context.Background(), bus.SessionSubject(p.sessionID), bus.NewEvent(eventType, "pipeline", data))
}

func toStoreBlocks(blocks []agent.Block) []store.Block {
	out := make([]store.Block, 0, len(blocks))
	for _, b := range blocks {
		sb := store.Block{}
		switch b.Type {
		case "text":
			sb.Type = store.BlockTypeText
			sb.Text = b.Text
		case "thinking":
			sb.Type = store.BlockTypeThinking
			sb.Text = b.Thinking
		case "tool_use":
			sb.Type = store.BlockTypeToolUse
			sb.ToolUseID = b.ID
			sb.ToolName = b.Name
			sb.Input = b.Input
		case "tool_result":
			sb.Type = store.BlockTypeToolResult
			sb.ToolUseID = b.ToolUseID
			sb.Output = b.ContentText()
			sb.IsError = b.IsError
		default:
			continue
		}
		out = append(out, sb)
	}
	return out
}
