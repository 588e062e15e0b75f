// Package executor runs turns against the agent subprocess. Three
// strategies share one client and one pipeline: interactive streams
// multi-turn sessions over the event bus, background runs a single turn
// with turn-level retry, forked seeds a new session from a parent's
// history before behaving interactively.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent"
	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/pipeline"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/workdir"
)

// Client is the subset of the agent client the executors drive.
// Satisfied by *agent.Client.
type Client interface {
	Connect(ctx context.Context) error
	Query(prompt string) error
	Receive() <-chan *agent.Frame
	RespondPermission(requestID string, result *agent.PermissionResult) error
	Interrupt(ctx context.Context, grace time.Duration) error
	Disconnect() (agent.Metrics, error)
	State() agent.State
}

// Options is the per-session execution configuration resolved from the
// session config and server defaults.
type Options struct {
	Command        []string
	Model          string
	AllowedTools   []string
	PermissionMode string
	Env            []string
	MaxRetries     int
	RetryDelay     time.Duration
	Timeout        time.Duration // per turn; zero disables
	InterruptGrace time.Duration
}

// Outcome is the terminal value of one asynchronous turn.
type Outcome struct {
	Result *pipeline.TurnResult
	Err    error
}

// ExecutionResult is what a background run hands to its caller.
type ExecutionResult struct {
	Success  bool
	Data     string
	Error    string
	Attempts int
	Result   *pipeline.TurnResult
}

type base struct {
	sessionID string
	client    Client
	pipeline  *pipeline.Pipeline
	store     store.Store
	bus       bus.EventBus
	logger    *logger.Logger
	opts      Options
}

// ensureConnected spawns the subprocess on first use.
func (b *base) ensureConnected(ctx context.Context) error {
	switch b.client.State() {
	case agent.StateCreated:
		return b.client.Connect(ctx)
	case agent.StateClosed:
		return apperrors.ClientNotConnected("agent subprocess already closed")
	default:
		return nil
	}
}

// runTurn sends the prompt and drains frames until the result, honoring
// the per-turn timeout. On timeout the subprocess is interrupted and the
// turn fails with Cancelled; whatever was persisted stays.
func (b *base) runTurn(ctx context.Context, prompt string) (*pipeline.TurnResult, error) {
	if err := b.pipeline.PersistPrompt(ctx, prompt); err != nil {
		return nil, err
	}
	return b.resumeTurn(ctx, prompt)
}

// resumeTurn re-sends an already persisted prompt, used by retries.
func (b *base) resumeTurn(ctx context.Context, prompt string) (*pipeline.TurnResult, error) {
	if err := b.client.Query(prompt); err != nil {
		return nil, err
	}

	turnCtx := ctx
	var cancel context.CancelFunc
	if b.opts.Timeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, b.opts.Timeout)
		defer cancel()
	}

	result, err := b.pipeline.Run(turnCtx, b.client.Receive())
	if err != nil {
		if apperrors.IsCancelled(err) {
			grace := b.opts.InterruptGrace
			if grace <= 0 {
				grace = 5 * time.Second
			}
			if ierr := b.client.Interrupt(context.Background(), grace); ierr != nil {
				b.logger.Warn("interrupt after timeout failed", zap.Error(ierr))
			}
		}
		return nil, err
	}
	return result, nil
}

// InteractiveExecutor streams multi-turn sessions. Frame-level events
// reach transports through the event bus; Execute returns a channel that
// delivers the turn's outcome.
type InteractiveExecutor struct {
	base
}

// NewInteractive creates an interactive executor. The pipeline must have
// been built with partials enabled.
func NewInteractive(sessionID string, client Client, p *pipeline.Pipeline, st store.Store,
	eventBus bus.EventBus, opts Options, log *logger.Logger) *InteractiveExecutor {
	return &InteractiveExecutor{base{
		sessionID: sessionID,
		client:    client,
		pipeline:  p,
		store:     st,
		bus:       eventBus,
		logger:    log.WithSessionID(sessionID),
		opts:      opts,
	}}
}

// Execute starts one turn and returns immediately. The session stays
// usable for further turns after the outcome is delivered.
func (e *InteractiveExecutor) Execute(ctx context.Context, prompt string) (<-chan Outcome, error) {
	if err := e.ensureConnected(ctx); err != nil {
		return nil, err
	}

	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		result, err := e.runTurn(ctx, prompt)
		out <- Outcome{Result: result, Err: err}
	}()
	return out, nil
}

// Interrupt cancels the in-flight turn.
func (e *InteractiveExecutor) Interrupt(ctx context.Context) error {
	grace := e.opts.InterruptGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return e.client.Interrupt(ctx, grace)
}

// Close tears down the subprocess.
func (e *InteractiveExecutor) Close() (agent.Metrics, error) {
	return e.client.Disconnect()
}

// BackgroundExecutor runs exactly one turn per Execute call, retrying
// the whole turn on transient client failures.
type BackgroundExecutor struct {
	base
}

// NewBackground creates a background executor. The pipeline must have
// been built with partials disabled.
func NewBackground(sessionID string, client Client, p *pipeline.Pipeline, st store.Store,
	eventBus bus.EventBus, opts Options, log *logger.Logger) *BackgroundExecutor {
	return &BackgroundExecutor{base{
		sessionID: sessionID,
		client:    client,
		pipeline:  p,
		store:     st,
		bus:       eventBus,
		logger:    log.WithSessionID(sessionID),
		opts:      opts,
	}}
}

// Execute runs the turn to completion. Transient failures re-execute the
// turn up to MaxRetries; a timeout is terminal for the execution.
func (e *BackgroundExecutor) Execute(ctx context.Context, prompt string) (*ExecutionResult, error) {
	if err := e.ensureConnected(ctx); err != nil {
		return failedResult(0, err), err
	}
	if err := e.pipeline.PersistPrompt(ctx, prompt); err != nil {
		return failedResult(0, err), err
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			if err := e.store.IncrementSessionMetrics(ctx, e.sessionID, store.MetricsDelta{Retries: 1}); err != nil {
				e.logger.Warn("failed to count retry", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return failedResult(attempts, lastErr), apperrors.Cancelled("execution cancelled")
			case <-time.After(e.opts.RetryDelay):
			}
		}

		result, err := e.resumeTurn(ctx, prompt)
		if err == nil {
			res := &ExecutionResult{
				Success:  !result.IsError,
				Data:     result.ResultText,
				Attempts: attempts,
				Result:   result,
			}
			if result.IsError {
				res.Error = result.ResultText
			}
			e.emitCompletion(res)
			return res, nil
		}
		lastErr = err
		if !apperrors.IsTransient(err) {
			break
		}
		e.logger.Warn("turn failed, retrying",
			zap.Int("attempt", attempts),
			zap.Error(err))
	}

	res := failedResult(attempts, lastErr)
	e.emitCompletion(res)
	return res, lastErr
}

// Close tears down the subprocess.
func (e *BackgroundExecutor) Close() (agent.Metrics, error) {
	return e.client.Disconnect()
}

func (e *BackgroundExecutor) emitCompletion(res *ExecutionResult) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{
		"session_id": e.sessionID,
		"success":    res.Success,
		"attempts":   res.Attempts,
	}
	if res.Error != "" {
		data["error"] = res.Error
	}
	_ = e.bus.Publish(context.Background(), bus.SessionSubject(e.sessionID),
		bus.NewEvent(bus.EventExecutionCompleted, "background-executor", data))
}

func failedResult(attempts int, err error) *ExecutionResult {
	res := &ExecutionResult{Attempts: attempts}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// ForkedExecutor seeds a new session from a parent before its first turn:
// the parent's workdir is cloned and the message prefix copied with
// sequence numbers intact. After seeding it behaves interactively.
type ForkedExecutor struct {
	InteractiveExecutor

	workdirs      *workdir.Manager
	parentID      string
	parentWorkdir string
	forkAtSeq     int64
	seeded        bool
}

// NewForked creates a forked executor. forkAtSeq of zero copies the whole
// parent history.
func NewForked(sessionID string, client Client, p *pipeline.Pipeline, st store.Store,
	eventBus bus.EventBus, opts Options, workdirs *workdir.Manager,
	parentID, parentWorkdir string, forkAtSeq int64, log *logger.Logger) *ForkedExecutor {
	inner := NewInteractive(sessionID, client, p, st, eventBus, opts, log)
	return &ForkedExecutor{
		InteractiveExecutor: *inner,
		workdirs:            workdirs,
		parentID:            parentID,
		parentWorkdir:       parentWorkdir,
		forkAtSeq:           forkAtSeq,
	}
}

// Execute seeds the fork on first call, then runs the turn. The first
// prompt carries a short history digest so the fresh subprocess has the
// parent's context; the CLI itself cannot be resumed mid-conversation.
func (e *ForkedExecutor) Execute(ctx context.Context, prompt string) (<-chan Outcome, error) {
	if !e.seeded {
		if err := e.seed(ctx); err != nil {
			return nil, err
		}
		digest, err := e.historyDigest(ctx)
		if err != nil {
			e.logger.Warn("failed to build history digest", zap.Error(err))
		} else if digest != "" {
			prompt = digest + "\n\n" + prompt
		}
	}
	return e.InteractiveExecutor.Execute(ctx, prompt)
}

func (e *ForkedExecutor) seed(ctx context.Context) error {
	if _, err := e.workdirs.Clone(e.parentWorkdir, e.sessionID); err != nil {
		return err
	}
	copied, err := e.store.CopyMessagePrefix(ctx, e.parentID, e.sessionID, e.forkAtSeq)
	if err != nil {
		return err
	}
	e.seeded = true
	e.logger.Info("fork seeded",
		zap.String("parent_session_id", e.parentID),
		zap.Int64("messages_copied", copied))
	return nil
}

// historyDigest flattens the copied conversation's text blocks into a
// context preamble for the first forked prompt.
func (e *ForkedExecutor) historyDigest(ctx context.Context) (string, error) {
	msgs, err := e.store.MessagesBySession(ctx, e.sessionID, store.MessageQuery{})
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("Context from a previous conversation this session was forked from:\n")
	for _, m := range msgs {
		role := "user"
		if m.Direction == store.DirectionAgentToUser {
			role = "assistant"
		}
		for _, blk := range m.Blocks {
			if blk.Type == store.BlockTypeText && blk.Text != "" {
				fmt.Fprintf(&sb, "[%s] %s\n", role, blk.Text)
			}
		}
	}
	return sb.String(), nil
}
