package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/store"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades session stream requests.
type Handler struct {
	hub    *Hub
	store  store.Store
	logger *logger.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(hub *Hub, st store.Store, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		store:  st,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleStream upgrades GET /sessions/:id/stream and subscribes the
// connection to that session's events. Auth middleware has already
// resolved the user.
func (h *Handler) HandleStream(c *gin.Context) {
	sessionID := c.Param("id")
	sess, err := h.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		status := apperrors.HTTPStatus(err)
		c.JSON(status, gin.H{"error_code": apperrors.Code(err), "message": err.Error()})
		return
	}

	userID := c.GetString("user_id")
	if userID != "" && sess.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{
			"error_code": apperrors.ErrCodeForbidden,
			"message":    "session belongs to another user",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.String("session_id", sessionID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, userID, conn, h.hub, h.logger)
	h.hub.Register(client)
	if err := h.hub.Subscribe(client, sessionID); err != nil {
		h.logger.Error("failed to subscribe client", zap.Error(err))
		conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump()
}
