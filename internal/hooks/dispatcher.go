package hooks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/store"
)

// DispatchResult is the composed outcome of firing one hook kind.
type DispatchResult struct {
	Data              map[string]interface{}
	ContinueExecution bool
	Fired             int
	Errors            int
}

// Dispatcher fires a session's hooks for a kind, sequentially in priority
// order. Hook outputs compose: later hooks see earlier outputs merged over
// the input, same keys last-write-wins. A hook error never blocks the
// chain; it is audited and counted against total_errors.
type Dispatcher struct {
	sessionID string
	registry  *Registry
	enabled   map[string]bool
	store     store.Store
	bus       bus.EventBus
	logger    *logger.Logger
}

// NewDispatcher creates a dispatcher for one session. enabled is the
// session's hooks_enabled set (nil enables everything).
func NewDispatcher(sessionID string, registry *Registry, enabled map[string]bool, st store.Store, eventBus bus.EventBus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		sessionID: sessionID,
		registry:  registry,
		enabled:   enabled,
		store:     st,
		bus:       eventBus,
		logger:    log,
	}
}

// Dispatch fires every enabled hook of the kind and returns the composed
// result. ContinueExecution is false as soon as any hook vetoes; the
// remaining hooks of the dispatch are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, kind store.HookKind, in *Input) *DispatchResult {
	result := &DispatchResult{
		Data:              cloneData(in.Data),
		ContinueExecution: true,
	}

	for _, h := range d.registry.ForKind(kind, d.enabled) {
		hookIn := &Input{
			SessionID: in.SessionID,
			ToolUseID: in.ToolUseID,
			ToolName:  in.ToolName,
			Data:      result.Data,
		}

		start := time.Now()
		out, err := h.Execute(ctx, hookIn)
		duration := time.Since(start).Milliseconds()
		result.Fired++

		record := &store.HookExecution{
			SessionID:         d.sessionID,
			HookName:          h.Name(),
			HookKind:          kind,
			ToolUseID:         in.ToolUseID,
			InputSnapshot:     hookIn.Data,
			ContinueExecution: true,
			DurationMS:        duration,
		}

		if err != nil {
			// Errors don't block execution; the chain continues with the
			// previous composed state.
			result.Errors++
			record.Error = err.Error()
			d.logger.Warn("hook failed",
				zap.String("session_id", d.sessionID),
				zap.String("hook", h.Name()),
				zap.String("kind", string(kind)),
				zap.Error(err))
		} else if out != nil {
			record.OutputSnapshot = out.Data
			record.ContinueExecution = out.ContinueExecution
			result.Data = mergeData(result.Data, out.Data)
			if !out.ContinueExecution {
				result.ContinueExecution = false
			}
		}

		d.audit(ctx, record)

		if !result.ContinueExecution {
			break
		}
	}

	if result.Fired > 0 {
		d.count(ctx, result)
	}
	return result
}

func (d *Dispatcher) audit(ctx context.Context, record *store.HookExecution) {
	if err := d.store.InsertHookExecution(ctx, record); err != nil {
		d.logger.Warn("failed to persist hook execution",
			zap.String("session_id", d.sessionID),
			zap.String("hook", record.HookName),
			zap.Error(err))
		return
	}
	if d.bus != nil {
		_ = d.bus.Publish(ctx, bus.SessionSubject(d.sessionID), bus.NewEvent(
			bus.EventHookExecuted, "hooks", map[string]interface{}{
				"session_id":         d.sessionID,
				"hook_name":          record.HookName,
				"hook_kind":          string(record.HookKind),
				"continue_execution": record.ContinueExecution,
				"error":              record.Error,
			}))
	}
}

func (d *Dispatcher) count(ctx context.Context, result *DispatchResult) {
	err := d.store.IncrementSessionMetrics(ctx, d.sessionID, store.MetricsDelta{
		HookExecutions: int64(result.Fired),
		Errors:         int64(result.Errors),
	})
	if err != nil {
		d.logger.Warn("failed to count hook executions",
			zap.String("session_id", d.sessionID), zap.Error(err))
	}
}

func cloneData(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeData(base, overlay map[string]interface{}) map[string]interface{} {
	if len(overlay) == 0 {
		return base
	}
	for k, v := range overlay {
		base[k] = v
	}
	return base
}
