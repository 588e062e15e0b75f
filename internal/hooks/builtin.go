package hooks

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/store"
)

// Builtin hook names. A builtin is registered once per kind it observes.
const (
	HookNameAudit        = "audit"
	HookNameMetrics      = "metrics"
	HookNameToolTracking = "tool_tracking"
	HookNameNotification = "notification"
	HookNamePersistence  = "persistence"
)

// AuditHook logs every lifecycle point it observes. The dispatcher already
// persists the HookExecution row; this hook adds the structured log line.
type AuditHook struct {
	kind     store.HookKind
	priority int
	logger   *logger.Logger
}

// NewAuditHook creates an audit hook for one kind.
func NewAuditHook(kind store.HookKind, log *logger.Logger) *AuditHook {
	return &AuditHook{kind: kind, priority: 10, logger: log}
}

func (h *AuditHook) Name() string         { return HookNameAudit }
func (h *AuditHook) Kind() store.HookKind { return h.kind }
func (h *AuditHook) Priority() int        { return h.priority }

func (h *AuditHook) Execute(ctx context.Context, in *Input) (*Output, error) {
	h.logger.Info("lifecycle event",
		zap.String("session_id", in.SessionID),
		zap.String("kind", string(h.kind)),
		zap.String("tool", in.ToolName),
		zap.String("tool_use_id", in.ToolUseID))
	return &Output{ContinueExecution: true}, nil
}

// MetricsHook folds tool failures into the session's error counter. The
// tool-call counter itself is maintained by the store when the execution
// row is first written.
type MetricsHook struct {
	kind  store.HookKind
	store store.Store
}

// NewMetricsHook creates a metrics hook for one kind.
func NewMetricsHook(kind store.HookKind, st store.Store) *MetricsHook {
	return &MetricsHook{kind: kind, store: st}
}

func (h *MetricsHook) Name() string         { return HookNameMetrics }
func (h *MetricsHook) Kind() store.HookKind { return h.kind }
func (h *MetricsHook) Priority() int        { return 20 }

func (h *MetricsHook) Execute(ctx context.Context, in *Input) (*Output, error) {
	if h.kind == store.HookPostToolUse {
		if isErr, _ := in.Data["is_error"].(bool); isErr {
			if err := h.store.IncrementSessionMetrics(ctx, in.SessionID, store.MetricsDelta{Errors: 1}); err != nil {
				return nil, err
			}
		}
	}
	return &Output{ContinueExecution: true}, nil
}

// ToolTrackingHook guarantees a ToolExecution row exists for every
// tool_use_id before the permission layer touches it.
type ToolTrackingHook struct {
	store store.Store
}

// NewToolTrackingHook creates the pre-tool-use tracking hook.
func NewToolTrackingHook(st store.Store) *ToolTrackingHook {
	return &ToolTrackingHook{store: st}
}

func (h *ToolTrackingHook) Name() string         { return HookNameToolTracking }
func (h *ToolTrackingHook) Kind() store.HookKind { return store.HookPreToolUse }
func (h *ToolTrackingHook) Priority() int        { return 5 }

func (h *ToolTrackingHook) Execute(ctx context.Context, in *Input) (*Output, error) {
	if in.ToolUseID == "" {
		return &Output{ContinueExecution: true}, nil
	}
	input, _ := in.Data["input"].(map[string]interface{})
	err := h.store.UpsertToolExecution(ctx, &store.ToolExecution{
		SessionID: in.SessionID,
		ToolUseID: in.ToolUseID,
		ToolName:  in.ToolName,
		Input:     input,
		Status:    store.ToolStatusPending,
	})
	if err != nil {
		return nil, err
	}
	return &Output{ContinueExecution: true}, nil
}

// NotificationHook publishes a transport event for the lifecycle point.
type NotificationHook struct {
	kind store.HookKind
	bus  bus.EventBus
}

// NewNotificationHook creates a notification hook for one kind.
func NewNotificationHook(kind store.HookKind, eventBus bus.EventBus) *NotificationHook {
	return &NotificationHook{kind: kind, bus: eventBus}
}

func (h *NotificationHook) Name() string         { return HookNameNotification }
func (h *NotificationHook) Kind() store.HookKind { return h.kind }
func (h *NotificationHook) Priority() int        { return 90 }

func (h *NotificationHook) Execute(ctx context.Context, in *Input) (*Output, error) {
	err := h.bus.Publish(ctx, bus.SessionSubject(in.SessionID), bus.NewEvent(
		"hook.notification", "hooks", map[string]interface{}{
			"session_id":  in.SessionID,
			"kind":        string(h.kind),
			"tool_name":   in.ToolName,
			"tool_use_id": in.ToolUseID,
		}))
	if err != nil {
		return nil, err
	}
	return &Output{ContinueExecution: true}, nil
}

// PersistenceHook writes a prompt message row at user_prompt_submit when the
// caller has not already done so. The pipeline persists agent output; this
// covers the inbound side.
type PersistenceHook struct {
	store store.Store
}

// NewPersistenceHook creates the prompt-persistence hook.
func NewPersistenceHook(st store.Store) *PersistenceHook {
	return &PersistenceHook{store: st}
}

func (h *PersistenceHook) Name() string         { return HookNamePersistence }
func (h *PersistenceHook) Kind() store.HookKind { return store.HookUserPromptSubmit }
func (h *PersistenceHook) Priority() int        { return 50 }

func (h *PersistenceHook) Execute(ctx context.Context, in *Input) (*Output, error) {
	if persisted, _ := in.Data["persisted"].(bool); persisted {
		return &Output{ContinueExecution: true}, nil
	}
	prompt, _ := in.Data["prompt"].(string)
	if prompt == "" {
		return &Output{ContinueExecution: true}, nil
	}
	err := h.store.AppendMessage(ctx, &store.Message{
		SessionID: in.SessionID,
		Direction: store.DirectionUserToAgent,
		Blocks:    []store.Block{{Type: store.BlockTypeText, Text: prompt}},
	})
	if err != nil {
		return nil, err
	}
	return &Output{Data: map[string]interface{}{"persisted": true}, ContinueExecution: true}, nil
}
