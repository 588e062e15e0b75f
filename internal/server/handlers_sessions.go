package server

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
)

const sessionPageSize = 50

type createSessionRequest struct {
	Mode            string                 `json:"mode" binding:"required"`
	Model           string                 `json:"model"`
	AllowedTools    []string               `json:"allowed_tools"`
	PermissionMode  string                 `json:"permission_mode"`
	HooksEnabled    []string               `json:"hooks_enabled"`
	CustomPolicies  []string               `json:"custom_policies"`
	SDKOptions      map[string]interface{} `json:"sdk_options"`
	ParentSessionID string                 `json:"parent_session_id"`
	ForkAtMessage   int64                  `json:"fork_at_message"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid payload: "+err.Error()))
		return
	}

	sess, err := s.coord.Create(c.Request.Context(), session.CreateRequest{
		UserID: c.GetString(ctxUserID),
		Mode:   store.SessionMode(req.Mode),
		Config: store.SessionConfig{
			Model:          req.Model,
			AllowedTools:   req.AllowedTools,
			PermissionMode: store.PermissionMode(req.PermissionMode),
			HooksEnabled:   req.HooksEnabled,
			CustomPolicies: req.CustomPolicies,
			SDKOptions:     req.SDKOptions,
		},
		ParentSessionID: req.ParentSessionID,
		ForkAtMessage:   req.ForkAtMessage,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) listSessions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	if page < 0 {
		page = 0
	}
	sessions, err := s.store.ListSessions(c.Request.Context(), store.SessionFilter{
		UserID: c.GetString(ctxUserID),
		Status: store.SessionStatus(c.Query("status")),
		Mode:   store.SessionMode(c.Query("mode")),
		Limit:  sessionPageSize,
		Offset: page * sessionPageSize,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "page": page})
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.sessionForUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) terminateSession(c *gin.Context) {
	sess, ok := s.sessionForUser(c)
	if !ok {
		return
	}
	if err := s.coord.Terminate(c.Request.Context(), sess.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pauseSession(c *gin.Context) {
	sess, ok := s.sessionForUser(c)
	if !ok {
		return
	}
	if err := s.coord.Pause(c.Request.Context(), sess.ID); err != nil {
		respondError(c, err)
		return
	}
	s.respondSession(c, sess.ID)
}

func (s *Server) resumeSession(c *gin.Context) {
	sess, ok := s.sessionForUser(c)
	if !ok {
		return
	}
	if err := s.coord.Resume(c.Request.Context(), sess.ID); err != nil {
		respondError(c, err)
		return
	}
	s.respondSession(c, sess.ID)
}

type queryRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// querySession accepts a prompt and returns immediately; progress streams
// over the session WebSocket and the turn outcome lands in the store.
func (s *Server) querySession(c *gin.Context) {
	sess, ok := s.sessionForUser(c)
	if !ok {
		return
	}
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid payload: "+err.Error()))
		return
	}

	out, err := s.coord.StartQuery(c.Request.Context(), sess.ID, req.Prompt)
	if err != nil {
		respondError(c, err)
		return
	}
	go func() {
		outcome := <-out
		if outcome.Err != nil {
			s.logger.Warn("turn failed",
				zap.String("session_id", sess.ID), zap.Error(outcome.Err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"session_id": sess.ID, "status": "processing"})
}

type forkRequest struct {
	ForkAtMessage int64 `json:"fork_at_message"`
}

func (s *Server) forkSession(c *gin.Context) {
	sess, ok := s.sessionForUser(c)
	if !ok {
		return
	}
	var req forkRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.Validation("invalid payload: "+err.Error()))
			return
		}
	}
	fork, err := s.coord.Fork(c.Request.Context(), sess.ID, req.ForkAtMessage, c.GetString(ctxUserID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, fork)
}

func (s *Server) archiveSession(c *gin.Context) {
	sess, ok := s.sessionForUser(c)
	if !ok {
		return
	}
	arch, err := s.coord.Archive(c.Request.Context(), sess.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, arch)
}

func (s *Server) getArchive(c *gin.Context) {
	sess, ok := s.sessionForUser(c)
	if !ok {
		return
	}
	arch, err := s.store.GetArchiveBySession(c.Request.Context(), sess.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, arch)
}

func (s *Server) downloadArchive(c *gin.Context) {
	sess, ok := s.sessionForUser(c)
	if !ok {
		return
	}
	arch, err := s.store.GetArchiveBySession(c.Request.Context(), sess.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if arch.Status != store.ArchiveStatusCompleted {
		respondError(c, apperrors.InvalidState(fmt.Sprintf("archive for session %s is %s", sess.ID, arch.Status)))
		return
	}
	c.FileAttachment(arch.Path, filepath.Base(arch.Path))
}

func (s *Server) listMessages(c *gin.Context) {
	sess, ok := s.sessionForUser(c)
	if !ok {
		return
	}
	beforeSeq, _ := strconv.ParseInt(c.Query("before_seq"), 10, 64)
	afterSeq, _ := strconv.ParseInt(c.Query("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := s.store.MessagesBySession(c.Request.Context(), sess.ID, store.MessageQuery{
		BeforeSeq: beforeSeq,
		AfterSeq:  afterSeq,
		Limit:     limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) listToolCalls(c *gin.Context) {
	sess, ok := s.sessionForUser(c)
	if !ok {
		return
	}
	calls, err := s.store.ToolExecutionsBySession(c.Request.Context(), sess.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tool_calls": calls})
}

func (s *Server) listHooks(c *gin.Context) {
	sess, ok := s.sessionForUser(c)
	if !ok {
		return
	}
	execs, err := s.store.HooksBySession(c.Request.Context(), sess.ID, store.HookKind(c.Query("kind")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hooks": execs})
}

func (s *Server) listPermissions(c *gin.Context) {
	sess, ok := s.sessionForUser(c)
	if !ok {
		return
	}
	decisions, err := s.store.PermissionsBySession(c.Request.Context(), sess.ID,
		store.PermissionOutcome(c.Query("decision")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": decisions})
}

func (s *Server) metricsHistory(c *gin.Context) {
	sess, ok := s.sessionForUser(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	snapshots, err := s.store.SnapshotsBySession(c.Request.Context(), sess.ID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
}

func (s *Server) respondSession(c *gin.Context, id string) {
	sess, err := s.store.GetSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}
