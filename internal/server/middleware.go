package server

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
)

// ctxUserID is the gin context key the auth middleware sets.
const ctxUserID = "user_id"

// BearerAuth resolves the requesting user from a static token map. An empty
// map disables auth entirely, which is only sensible for local development.
func BearerAuth(tokens map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(tokens) == 0 {
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			respondError(c, apperrors.Unauthorized("missing bearer token"))
			c.Abort()
			return
		}
		userID, ok := tokens[token]
		if !ok {
			respondError(c, apperrors.Unauthorized("invalid bearer token"))
			c.Abort()
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// WebSocket clients cannot set headers from browsers; allow ?token=.
	return c.Query("token")
}

// respondError writes the JSON error envelope for err.
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, "internal error")
	}
	c.JSON(apperrors.HTTPStatus(err), gin.H{
		"error_code": appErr.Code,
		"message":    appErr.Message,
		"detail":     appErr.Detail,
	})
}

func forbiddenSession() error {
	return apperrors.Forbidden("session belongs to another user")
}

func forbiddenTask() error {
	return apperrors.Forbidden("task belongs to another user")
}
