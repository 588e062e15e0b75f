package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024 // 64KB

	// Per-client send buffer; overflow policy lives in the hub
	sendBufferSize = 256
)

// Request is an inbound client frame. Clients connected to a session
// stream may watch additional sessions with subscribe/unsubscribe.
type Request struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`
}

type ack struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID       string
	UserID   string
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
	sessions map[string]bool
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id, userID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		UserID:   userID,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBufferSize),
		sessions: make(map[string]bool),
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps inbound frames until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendAck(ack{Success: false, Error: "invalid message format"})
			continue
		}
		c.handleRequest(&req)
	}
}

func (c *Client) handleRequest(req *Request) {
	switch req.Action {
	case "subscribe":
		if req.SessionID == "" {
			c.sendAck(ack{Action: req.Action, Success: false, Error: "session_id is required"})
			return
		}
		if err := c.hub.Subscribe(c, req.SessionID); err != nil {
			c.sendAck(ack{Action: req.Action, SessionID: req.SessionID, Success: false, Error: err.Error()})
			return
		}
		c.sendAck(ack{Action: req.Action, SessionID: req.SessionID, Success: true})
	case "unsubscribe":
		if req.SessionID == "" {
			c.sendAck(ack{Action: req.Action, Success: false, Error: "session_id is required"})
			return
		}
		c.hub.Unsubscribe(c, req.SessionID)
		c.sendAck(ack{Action: req.Action, SessionID: req.SessionID, Success: true})
	default:
		c.sendAck(ack{Action: req.Action, Success: false, Error: "unknown action"})
	}
}

func (c *Client) sendAck(a ack) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

// WritePump pumps hub messages to the connection and keeps it alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
