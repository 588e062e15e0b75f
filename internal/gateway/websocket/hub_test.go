package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
)

func setupHub(t *testing.T) (*Hub, *bus.MemoryEventBus) {
	t.Helper()
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	hub := NewHub(eventBus, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub, eventBus
}

// testClient builds a client that never runs its pumps; tests read the
// send channel directly.
func testClient(hub *Hub, id string) *Client {
	return NewClient(id, "user-1", nil, hub, logger.Default())
}

func receive(t *testing.T, c *Client) *bus.Event {
	t.Helper()
	select {
	case data := <-c.send:
		var e bus.Event
		require.NoError(t, json.Unmarshal(data, &e))
		return &e
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestHubFansOutSessionEvents(t *testing.T) {
	hub, eventBus := setupHub(t)
	client := testClient(hub, "c1")
	hub.Register(client)
	require.NoError(t, hub.Subscribe(client, "sess-1"))

	err := eventBus.Publish(context.Background(), bus.SessionSubject("sess-1"),
		bus.NewEvent(bus.EventMessagePersisted, "pipeline", map[string]interface{}{
			"session_id": "sess-1",
			"sequence":   float64(4),
		}))
	require.NoError(t, err)

	e := receive(t, client)
	assert.Equal(t, bus.EventMessagePersisted, e.Type)
	assert.Equal(t, "sess-1", e.Data["session_id"])
}

func TestHubIgnoresOtherSessions(t *testing.T) {
	hub, eventBus := setupHub(t)
	client := testClient(hub, "c1")
	hub.Register(client)
	require.NoError(t, hub.Subscribe(client, "sess-1"))

	err := eventBus.Publish(context.Background(), bus.SessionSubject("sess-2"),
		bus.NewEvent(bus.EventTurnCompleted, "pipeline", map[string]interface{}{"session_id": "sess-2"}))
	require.NoError(t, err)

	select {
	case <-client.send:
		t.Fatal("event for an unsubscribed session was delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubSharedSubscriptionFanout(t *testing.T) {
	hub, eventBus := setupHub(t)
	c1 := testClient(hub, "c1")
	c2 := testClient(hub, "c2")
	hub.Register(c1)
	hub.Register(c2)
	require.NoError(t, hub.Subscribe(c1, "sess-1"))
	require.NoError(t, hub.Subscribe(c2, "sess-1"))
	assert.Equal(t, 2, hub.SubscriberCount("sess-1"))

	err := eventBus.Publish(context.Background(), bus.SessionSubject("sess-1"),
		bus.NewEvent(bus.EventToolStarted, "pipeline", map[string]interface{}{"session_id": "sess-1"}))
	require.NoError(t, err)

	assert.Equal(t, bus.EventToolStarted, receive(t, c1).Type)
	assert.Equal(t, bus.EventToolStarted, receive(t, c2).Type)
}

func TestHubOverflowDropsPartialsOnly(t *testing.T) {
	hub, eventBus := setupHub(t)
	client := testClient(hub, "c1")
	hub.Register(client)
	require.NoError(t, hub.Subscribe(client, "sess-1"))

	// Saturate the send buffer without a reader.
	for i := 0; i < sendBufferSize; i++ {
		client.send <- []byte("{}")
	}

	// A partial-message event is dropped; the client stays connected.
	err := eventBus.Publish(context.Background(), bus.SessionSubject("sess-1"),
		bus.NewEvent(bus.EventMessagePersisted, "pipeline", map[string]interface{}{
			"session_id": "sess-1",
			"is_partial": true,
		}))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, hub.ClientCount())
	assert.Len(t, client.send, sendBufferSize)

	// A durable event on a full buffer evicts the slow client.
	err = eventBus.Publish(context.Background(), bus.SessionSubject("sess-1"),
		bus.NewEvent(bus.EventTurnCompleted, "pipeline", map[string]interface{}{"session_id": "sess-1"}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.SubscriberCount("sess-1"))
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub, eventBus := setupHub(t)
	client := testClient(hub, "c1")
	hub.Register(client)
	require.NoError(t, hub.Subscribe(client, "sess-1"))
	hub.Unsubscribe(client, "sess-1")
	assert.Equal(t, 0, hub.SubscriberCount("sess-1"))

	err := eventBus.Publish(context.Background(), bus.SessionSubject("sess-1"),
		bus.NewEvent(bus.EventToolCompleted, "pipeline", map[string]interface{}{"session_id": "sess-1"}))
	require.NoError(t, err)

	select {
	case <-client.send:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubUnregisterReleasesSubscriptions(t *testing.T) {
	hub, _ := setupHub(t)
	client := testClient(hub, "c1")
	hub.Register(client)
	require.NoError(t, hub.Subscribe(client, "sess-1"))

	hub.Unregister(client)
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0 && hub.SubscriberCount("sess-1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
