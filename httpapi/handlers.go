package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kengibson1111/go-tenant-cache/cache"
	"github.com/kengibson1111/go-tenant-cache/internal"
	"github.com/kengibson1111/go-tenant-cache/internal/models"
	"github.com/kengibson1111/go-tenant-cache/service"
)

// HeaderCacheStale is set on write responses whose cache invalidation was refused
const HeaderCacheStale = "X-Cache-Stale"

// CreateTaskRequest represents the request payload for creating a task
type CreateTaskRequest struct {
	Title       string              `json:"title" binding:"required"`
	Description string              `json:"description"`
	Status      models.TaskStatus   `json:"status" binding:"omitempty,oneof=todo in_progress done"`
	Priority    models.TaskPriority `json:"priority" binding:"omitempty,oneof=low medium high"`
	DueDate     *time.Time          `json:"due_date"`
}

// UpdateTaskStatusRequest represents a minimal request to change status
type UpdateTaskStatusRequest struct {
	Status models.TaskStatus `json:"status" binding:"required,oneof=todo in_progress done"`
}

// TaskHandler serves the tenant-scoped task routes
type TaskHandler struct {
	svc    *service.TaskService
	logger *zap.Logger
}

// NewTaskHandler creates a TaskHandler
func NewTaskHandler(svc *service.TaskService, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{svc: svc, logger: logger}
}

// GetTasks lists the tenant's tasks, optionally filtered by ?status=
func (h *TaskHandler) GetTasks(c *gin.Context) {
	tasks, err := h.svc.ListTasks(c.Request.Context(), c.GetString(ContextTenantID), models.TaskStatus(c.Query("status")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// GetTaskByID returns one task
func (h *TaskHandler) GetTaskByID(c *gin.Context) {
	task, err := h.svc.GetTask(c.Request.Context(), c.GetString(ContextTenantID), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetOverdue lists the tenant's overdue tasks
func (h *TaskHandler) GetOverdue(c *gin.Context) {
	tasks, err := h.svc.ListOverdue(c.Request.Context(), c.GetString(ContextTenantID))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// GetStatistics returns the tenant's task statistics
func (h *TaskHandler) GetStatistics(c *gin.Context) {
	stats, err := h.svc.Statistics(c.Request.Context(), c.GetString(ContextTenantID))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// CreateTask creates a task for the tenant
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.CreateTask(c.Request.Context(), c.GetString(ContextTenantID), &models.Task{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Priority:    req.Priority,
		DueDate:     req.DueDate,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeMutation(c, http.StatusCreated, res)
}

// UpdateTask replaces the mutable fields of a task
func (h *TaskHandler) UpdateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	tenantID := c.GetString(ContextTenantID)
	current, err := h.svc.GetTask(ctx, tenantID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	updated := *current
	updated.Title = req.Title
	updated.Description = req.Description
	updated.DueDate = req.DueDate
	if req.Status != "" {
		updated.Status = req.Status
	}
	if req.Priority != "" {
		updated.Priority = req.Priority
	}

	res, err := h.svc.UpdateTask(ctx, tenantID, &updated)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeMutation(c, http.StatusOK, res)
}

// UpdateTaskStatus changes only the status of a task
func (h *TaskHandler) UpdateTaskStatus(c *gin.Context) {
	var req UpdateTaskStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.UpdateStatus(c.Request.Context(), c.GetString(ContextTenantID), c.Param("id"), req.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeMutation(c, http.StatusOK, res)
}

// DeleteTask removes a task
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	res, err := h.svc.DeleteTask(c.Request.Context(), c.GetString(ContextTenantID), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.CacheStale {
		c.Header(HeaderCacheStale, "true")
	}
	c.Status(http.StatusNoContent)
}

func (h *TaskHandler) writeMutation(c *gin.Context, status int, res service.MutationResult) {
	if res.CacheStale {
		c.Header(HeaderCacheStale, "true")
	}
	c.JSON(status, res.Task)
}

// writeError maps the error taxonomy onto HTTP status codes
func (h *TaskHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case internal.IsValidationError(err):
		status = http.StatusBadRequest
	case internal.IsNotFoundError(err):
		status = http.StatusNotFound
	case internal.IsCircuitOpenError(err), internal.IsStoreUnavailableError(err), internal.IsRetryExhaustedError(err):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("task request failed",
			zap.String("tenant_id", c.GetString(ContextTenantID)),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// RouterConfig holds the collaborators of the task API
type RouterConfig struct {
	Service  *service.TaskService
	Tokens   cache.TokenCache
	Limiter  cache.Limiter
	Verifier Verifier
	Tiers    TierResolver
	Logger   *zap.Logger
	// Metrics is served on /metrics when set
	Metrics http.Handler
	// CacheHealth is reported on /health when set. An unavailable cache
	// marks the service degraded but /health still answers 200.
	CacheHealth func(ctx context.Context) bool
}

// NewRouter assembles the task API
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if cfg.CacheHealth != nil {
			body["cache"] = "available"
			if !cfg.CacheHealth(c.Request.Context()) {
				body["status"] = "degraded"
				body["cache"] = "unavailable"
			}
		}
		c.JSON(http.StatusOK, body)
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	tasks := NewTaskHandler(cfg.Service, cfg.Logger)

	api := router.Group("/api")
	api.Use(TokenAuth(cfg.Tokens, cfg.Verifier, cfg.Logger))
	api.Use(RateLimit(cfg.Limiter, cfg.Tiers, cfg.Logger))
	{
		api.GET("/tasks", tasks.GetTasks)
		api.GET("/tasks/:id", tasks.GetTaskByID)
		api.POST("/tasks", tasks.CreateTask)
		api.PUT("/tasks/:id", tasks.UpdateTask)
		api.PATCH("/tasks/:id/status", tasks.UpdateTaskStatus)
		api.DELETE("/tasks/:id", tasks.DeleteTask)
		api.GET("/overdue", tasks.GetOverdue)
		api.GET("/stats", tasks.GetStatistics)
		api.POST("/logout", Logout(cfg.Tokens))
	}

	return router
}
