// Package server exposes the REST and WebSocket transport over the session
// coordinator and task scheduler. Handlers validate, delegate, and shape
// responses; no engine logic lives here.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/httpmw"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	gateway "github.com/agentdeck/agentdeck/internal/gateway/websocket"
	"github.com/agentdeck/agentdeck/internal/scheduler"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
)

// Server wires gin routes to the engine components.
type Server struct {
	engine    *gin.Engine
	http      *http.Server
	store     store.Store
	coord     *session.Coordinator
	scheduler *scheduler.Scheduler
	wsHandler *gateway.Handler
	logger    *logger.Logger
}

// New builds the HTTP server and registers all routes.
func New(cfg *config.Config, st store.Store, coord *session.Coordinator,
	sched *scheduler.Scheduler, wsHandler *gateway.Handler, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(httpmw.Recovery(log))
	engine.Use(httpmw.RequestLogger(log))
	engine.Use(httpmw.OtelTracing("agentdeck"))

	s := &Server{
		engine:    engine,
		store:     st,
		coord:     coord,
		scheduler: sched,
		wsHandler: wsHandler,
		logger:    log.WithFields(zap.String("component", "http-server")),
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		},
	}
	s.registerRoutes(cfg.Auth)
	return s
}

func (s *Server) registerRoutes(auth config.AuthConfig) {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agentdeck"})
	})

	api := s.engine.Group("/api/v1")
	api.Use(BearerAuth(auth.Tokens))

	api.POST("/sessions", s.createSession)
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)
	api.DELETE("/sessions/:id", s.terminateSession)
	api.POST("/sessions/:id/pause", s.pauseSession)
	api.POST("/sessions/:id/resume", s.resumeSession)
	api.POST("/sessions/:id/query", s.querySession)
	api.POST("/sessions/:id/fork", s.forkSession)
	api.POST("/sessions/:id/archive", s.archiveSession)
	api.GET("/sessions/:id/archive", s.getArchive)
	api.GET("/sessions/:id/archive/download", s.downloadArchive)
	api.GET("/sessions/:id/messages", s.listMessages)
	api.GET("/sessions/:id/tool-calls", s.listToolCalls)
	api.GET("/sessions/:id/hooks", s.listHooks)
	api.GET("/sessions/:id/permissions", s.listPermissions)
	api.GET("/sessions/:id/metrics/history", s.metricsHistory)
	if s.wsHandler != nil {
		api.GET("/sessions/:id/stream", s.wsHandler.HandleStream)
	}

	api.POST("/users", s.createUser)
	api.GET("/users/me", s.currentUser)

	api.POST("/tasks", s.createTask)
	api.GET("/tasks", s.listTasks)
	api.GET("/tasks/:id", s.getTask)
	api.PATCH("/tasks/:id", s.updateTask)
	api.DELETE("/tasks/:id", s.deleteTask)
	api.POST("/tasks/:id/execute", s.executeTask)
	api.GET("/tasks/:id/executions", s.listTaskExecutions)
	api.GET("/tasks/executions/:eid", s.getTaskExecution)
	api.POST("/tasks/executions/:eid/retry", s.retryTaskExecution)
}

// Handler exposes the gin engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// sessionForUser loads a session and enforces ownership.
func (s *Server) sessionForUser(c *gin.Context) (*store.Session, bool) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if userID := c.GetString(ctxUserID); userID != "" && sess.UserID != userID {
		respondError(c, forbiddenSession())
		return nil, false
	}
	return sess, true
}

// taskForUser loads a task and enforces ownership.
func (s *Server) taskForUser(c *gin.Context, id string) (*store.Task, bool) {
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if userID := c.GetString(ctxUserID); userID != "" && task.UserID != userID {
		respondError(c, forbiddenTask())
		return nil, false
	}
	return task, true
}
