// Package bus provides event bus abstractions for agentdeck.
//
// The pipeline publishes one event per persisted effect; the WebSocket
// gateway and the notification hook subscribe. Delivery is best-effort and
// newest-only: persistence never depends on the bus.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types published on session subjects.
const (
	EventMessagePersisted    = "message.persisted"
	EventToolStarted         = "tool.started"
	EventToolCompleted       = "tool.completed"
	EventHookExecuted        = "hook.executed"
	EventPermissionDecided   = "permission.decided"
	EventSessionStateChanged = "session.state_changed"
	EventTurnCompleted       = "turn.completed"
	EventExecutionCompleted  = "execution.completed"
	EventTaskExecutionStart  = "task.execution_started"
	EventTaskExecutionDone   = "task.execution_completed"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// SessionSubject returns the subject session-scoped events publish to.
func SessionSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.events", sessionID)
}

// TaskSubject returns the subject task-scoped events publish to.
func TaskSubject(taskID string) string {
	return fmt.Sprintf("task.%s.events", taskID)
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. The pattern
	// may use "*" to match one token ("session.*.events").
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
