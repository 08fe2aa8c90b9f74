package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/decko/pulpcore/internal/domain"
	"github.com/decko/pulpcore/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type TaskHandler struct {
	svc *service.TaskService
}

func NewTaskHandler(svc *service.TaskService) *TaskHandler {
	return &TaskHandler{svc: svc}
}

type claimRequest struct {
	Resource  string `json:"resource" binding:"required"`
	Exclusive bool   `json:"exclusive"`
}

type CreateTaskRequest struct {
	Name   string          `json:"name" binding:"required"`
	Args   json.RawMessage `json:"args"`
	Claims []claimRequest  `json:"resource_claims"`
}

// POST /api/v1/tasks
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return
	}

	claims := make([]domain.ResourceClaim, 0, len(req.Claims))
	for _, rc := range req.Claims {
		claims = append(claims, domain.ResourceClaim{Resource: rc.Resource, Exclusive: rc.Exclusive})
	}

	id, err := h.svc.CreateTask(c.Request.Context(), service.CreateTaskParams{
		Name:   req.Name,
		Args:   req.Args,
		Claims: claims,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": id, "state": domain.StateWaiting})
}

// GET /api/v1/tasks/:id
func (h *TaskHandler) GetTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}
	t, err := h.svc.GetTask(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

// GET /api/v1/tasks?state=&name=
func (h *TaskHandler) ListTasks(c *gin.Context) {
	tasks, err := h.svc.ListTasks(c.Request.Context(), domain.TaskFilter{
		State: c.Query("state"),
		Name:  c.Query("name"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// POST /api/v1/tasks/:id/cancel
func (h *TaskHandler) CancelTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}
	if err := h.svc.CancelTask(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "state": domain.StateCanceled})
}

// GET /api/v1/claims
//
// Read-only view of the resource lock ledger for operational inspection.
func (h *TaskHandler) ListClaims(c *gin.Context) {
	claims, err := h.svc.ListClaims(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claims": claims, "count": len(claims)})
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var ve *domain.ValidationError
	var ce *domain.ConflictError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &ce):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
