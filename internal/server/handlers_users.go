package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/store"
)

type createUserRequest struct {
	Email                 string  `json:"email" binding:"required,email"`
	Password              string  `json:"password" binding:"required,min=8"`
	Role                  string  `json:"role"`
	MaxConcurrentSessions int     `json:"max_concurrent_sessions"`
	MonthlyBudgetUSD      float64 `json:"monthly_budget_usd"`
	SystemTask            bool    `json:"system_task"`
}

// createUser provisions an account. Requires an admin caller when auth is
// enabled.
func (s *Server) createUser(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid payload: "+err.Error()))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(c, apperrors.Fatal("failed to hash password", err))
		return
	}

	role := store.UserRole(req.Role)
	if role == "" {
		role = store.RoleUser
	}
	user := &store.User{
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         role,
		Quotas: store.UserQuotas{
			MaxConcurrentSessions: req.MaxConcurrentSessions,
			MonthlyBudgetUSD:      req.MonthlyBudgetUSD,
		},
		SystemTask: req.SystemTask,
	}
	if err := s.store.CreateUser(c.Request.Context(), user); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

// currentUser returns the authenticated account.
func (s *Server) currentUser(c *gin.Context) {
	userID := c.GetString(ctxUserID)
	if userID == "" {
		respondError(c, apperrors.Unauthorized("no authenticated user"))
		return
	}
	user, err := s.store.GetUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// requireAdmin passes when auth is disabled; otherwise the caller must
// hold the admin role.
func (s *Server) requireAdmin(c *gin.Context) bool {
	userID := c.GetString(ctxUserID)
	if userID == "" {
		return true
	}
	user, err := s.store.GetUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return false
	}
	if user.Role != store.RoleAdmin {
		respondError(c, apperrors.Forbidden("admin role required"))
		return false
	}
	return true
}
