package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/store"
)

type createTaskRequest struct {
	Name            string                 `json:"name" binding:"required"`
	PromptTemplate  string                 `json:"prompt_template" binding:"required"`
	Variables       map[string]string      `json:"variables"`
	AllowedTools    []string               `json:"allowed_tools"`
	SDKOptions      map[string]interface{} `json:"sdk_options"`
	ScheduleCron    string                 `json:"schedule_cron"`
	ScheduleEnabled bool                   `json:"schedule_enabled"`
	GenerateReport  bool                   `json:"generate_report"`
	ReportFormat    string                 `json:"report_format"`
	Tags            []string               `json:"tags"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid payload: "+err.Error()))
		return
	}
	if req.ScheduleCron != "" && !s.scheduler.ValidateCron(req.ScheduleCron) {
		respondError(c, apperrors.Validation("invalid cron expression: "+req.ScheduleCron))
		return
	}

	task := &store.Task{
		UserID:          c.GetString(ctxUserID),
		Name:            req.Name,
		PromptTemplate:  req.PromptTemplate,
		Variables:       req.Variables,
		AllowedTools:    req.AllowedTools,
		SDKOptions:      req.SDKOptions,
		ScheduleCron:    req.ScheduleCron,
		ScheduleEnabled: req.ScheduleEnabled,
		GenerateReport:  req.GenerateReport,
		ReportFormat:    req.ReportFormat,
		Tags:            req.Tags,
	}
	if err := s.store.CreateTask(c.Request.Context(), task); err != nil {
		respondError(c, err)
		return
	}
	if err := s.scheduler.Schedule(c.Request.Context(), task); err != nil {
		s.logger.Warn("failed to schedule new task", zap.String("task_id", task.ID), zap.Error(err))
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.store.ListTasks(c.Request.Context(), c.GetString(ctxUserID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) getTask(c *gin.Context) {
	task, ok := s.taskForUser(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task)
}

type updateTaskRequest struct {
	Name            *string                 `json:"name"`
	PromptTemplate  *string                 `json:"prompt_template"`
	Variables       *map[string]string      `json:"variables"`
	AllowedTools    *[]string               `json:"allowed_tools"`
	SDKOptions      *map[string]interface{} `json:"sdk_options"`
	ScheduleCron    *string                 `json:"schedule_cron"`
	ScheduleEnabled *bool                   `json:"schedule_enabled"`
	GenerateReport  *bool                   `json:"generate_report"`
	ReportFormat    *string                 `json:"report_format"`
	Tags            *[]string               `json:"tags"`
}

func (s *Server) updateTask(c *gin.Context) {
	task, ok := s.taskForUser(c, c.Param("id"))
	if !ok {
		return
	}
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid payload: "+err.Error()))
		return
	}

	if req.Name != nil {
		task.Name = *req.Name
	}
	if req.PromptTemplate != nil {
		task.PromptTemplate = *req.PromptTemplate
	}
	if req.Variables != nil {
		task.Variables = *req.Variables
	}
	if req.AllowedTools != nil {
		task.AllowedTools = *req.AllowedTools
	}
	if req.SDKOptions != nil {
		task.SDKOptions = *req.SDKOptions
	}
	if req.ScheduleCron != nil {
		task.ScheduleCron = *req.ScheduleCron
	}
	if req.ScheduleEnabled != nil {
		task.ScheduleEnabled = *req.ScheduleEnabled
	}
	if req.GenerateReport != nil {
		task.GenerateReport = *req.GenerateReport
	}
	if req.ReportFormat != nil {
		task.ReportFormat = *req.ReportFormat
	}
	if req.Tags != nil {
		task.Tags = *req.Tags
	}
	if task.ScheduleCron != "" && !s.scheduler.ValidateCron(task.ScheduleCron) {
		respondError(c, apperrors.Validation("invalid cron expression: "+task.ScheduleCron))
		return
	}

	if err := s.store.UpdateTask(c.Request.Context(), task); err != nil {
		respondError(c, err)
		return
	}
	if err := s.scheduler.Schedule(c.Request.Context(), task); err != nil {
		s.logger.Warn("failed to reschedule task", zap.String("task_id", task.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) deleteTask(c *gin.Context) {
	task, ok := s.taskForUser(c, c.Param("id"))
	if !ok {
		return
	}
	if err := s.store.SoftDeleteTask(c.Request.Context(), task.ID); err != nil {
		respondError(c, err)
		return
	}
	if err := s.scheduler.Unschedule(c.Request.Context(), task.ID); err != nil {
		s.logger.Warn("failed to unschedule deleted task", zap.String("task_id", task.ID), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

type executeTaskRequest struct {
	Variables map[string]string `json:"variables"`
}

// executeTask fires a task synchronously and returns the finished
// execution row. Long-running fires belong on the schedule; manual fires
// are an operator convenience.
func (s *Server) executeTask(c *gin.Context) {
	task, ok := s.taskForUser(c, c.Param("id"))
	if !ok {
		return
	}
	var req executeTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.Validation("invalid payload: "+err.Error()))
			return
		}
	}

	exec, err := s.scheduler.Execute(c.Request.Context(), task, store.TriggerManual, req.Variables)
	if err != nil {
		if exec != nil {
			c.JSON(apperrors.HTTPStatus(err), gin.H{
				"error_code": apperrors.Code(err),
				"message":    err.Error(),
				"execution":  exec,
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) listTaskExecutions(c *gin.Context) {
	task, ok := s.taskForUser(c, c.Param("id"))
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	execs, err := s.store.ExecutionsByTask(c.Request.Context(), task.ID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func (s *Server) getTaskExecution(c *gin.Context) {
	exec, err := s.store.GetTaskExecution(c.Request.Context(), c.Param("eid"))
	if err != nil {
		respondError(c, err)
		return
	}
	if _, ok := s.taskForUser(c, exec.TaskID); !ok {
		return
	}
	c.JSON(http.StatusOK, exec)
}

// retryTaskExecution re-fires the task with the variables of a previous
// execution. A fresh execution row is created; the original is untouched.
func (s *Server) retryTaskExecution(c *gin.Context) {
	prior, err := s.store.GetTaskExecution(c.Request.Context(), c.Param("eid"))
	if err != nil {
		respondError(c, err)
		return
	}
	task, ok := s.taskForUser(c, prior.TaskID)
	if !ok {
		return
	}

	exec, err := s.scheduler.Execute(c.Request.Context(), task, store.TriggerAPI, prior.Variables)
	if err != nil {
		if exec != nil {
			c.JSON(apperrors.HTTPStatus(err), gin.H{
				"error_code": apperrors.Code(err),
				"message":    err.Error(),
				"execution":  exec,
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}
