// Package websocket streams session events to browser and CLI clients. The
// hub subscribes to the event bus per session and fans events out to
// bounded per-client send buffers. Delivery is newest-only: a client that
// connects mid-turn sees events from that point on and backfills history
// over REST.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
)

// Hub manages all WebSocket clients and their session subscriptions.
type Hub struct {
	clients        map[*Client]bool
	sessionClients map[string]map[*Client]bool
	sessionSubs    map[string]bus.Subscription

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	bus    bus.EventBus
	mu     sync.RWMutex
	logger *logger.Logger
}

type broadcastMessage struct {
	sessionID string
	event     *bus.Event
}

// NewHub creates a hub wired to the event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		sessionClients: make(map[string]map[*Client]bool),
		sessionSubs:    make(map[string]bus.Subscription),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *broadcastMessage, 256),
		bus:            eventBus,
		logger:         log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Run starts the hub processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			for id, sub := range h.sessionSubs {
				_ = sub.Unsubscribe()
				delete(h.sessionSubs, id)
			}
			h.sessionClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for sessionID := range client.sessions {
					h.dropSubscriberLocked(client, sessionID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// deliver fans one event out to a session's clients. A full send buffer
// drops partial-message events; any other event on a full buffer evicts
// the slow client, which re-syncs over REST on reconnect.
func (h *Hub) deliver(msg *broadcastMessage) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.sessionClients[msg.sessionID]))
	for c := range h.sessionClients[msg.sessionID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg.event)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			if isPartialEvent(msg.event) {
				continue
			}
			h.logger.Warn("client send buffer full, evicting",
				zap.String("client_id", client.ID),
				zap.String("session_id", msg.sessionID))
			h.evict(client)
		}
	}
}

func isPartialEvent(e *bus.Event) bool {
	if e.Type != bus.EventMessagePersisted {
		return false
	}
	partial, _ := e.Data["is_partial"].(bool)
	return partial
}

func (h *Hub) evict(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for sessionID := range client.sessions {
		h.dropSubscriberLocked(client, sessionID)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe attaches a client to a session's event stream. The first
// subscriber opens the bus subscription; later ones share it.
func (h *Hub) Subscribe(client *Client, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessionClients[sessionID]; !ok {
		sub, err := h.bus.Subscribe(bus.SessionSubject(sessionID), func(ctx context.Context, event *bus.Event) error {
			h.broadcast <- &broadcastMessage{sessionID: sessionID, event: event}
			return nil
		})
		if err != nil {
			return err
		}
		h.sessionClients[sessionID] = make(map[*Client]bool)
		h.sessionSubs[sessionID] = sub
	}
	h.sessionClients[sessionID][client] = true
	client.mu.Lock()
	client.sessions[sessionID] = true
	client.mu.Unlock()

	h.logger.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID))
	return nil
}

// Unsubscribe detaches a client from a session's event stream.
func (h *Hub) Unsubscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropSubscriberLocked(client, sessionID)
	client.mu.Lock()
	delete(client.sessions, sessionID)
	client.mu.Unlock()
}

// dropSubscriberLocked removes a client from a session's fanout set and
// closes the bus subscription when the last one leaves. Callers hold h.mu.
func (h *Hub) dropSubscriberLocked(client *Client, sessionID string) {
	clients, ok := h.sessionClients[sessionID]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.sessionClients, sessionID)
		if sub, ok := h.sessionSubs[sessionID]; ok {
			_ = sub.Unsubscribe()
			delete(h.sessionSubs, sessionID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of clients watching a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessionClients[sessionID])
}
