package handler

import (
	"encoding/json"
	"net/http"

	"github.com/decko/pulpcore/internal/domain"
	"github.com/decko/pulpcore/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ScheduleHandler struct {
	svc *service.ScheduleService
}

func NewScheduleHandler(svc *service.ScheduleService) *ScheduleHandler {
	return &ScheduleHandler{svc: svc}
}

type CreateScheduleRequest struct {
	TaskName string          `json:"task_name" binding:"required"`
	Args     json.RawMessage `json:"args"`
	Claims   []claimRequest  `json:"resource_claims"`
	CronExpr string          `json:"cron_expr" binding:"required"`
	Enabled  *bool           `json:"enabled"`
}

// POST /api/v1/schedules
func (h *ScheduleHandler) CreateSchedule(c *gin.Context) {
	var req CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return
	}
	claims := make([]domain.ResourceClaim, 0, len(req.Claims))
	for _, rc := range req.Claims {
		claims = append(claims, domain.ResourceClaim{Resource: rc.Resource, Exclusive: rc.Exclusive})
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	id, err := h.svc.CreateSchedule(c.Request.Context(), service.CreateScheduleParams{
		TaskName: req.TaskName,
		Args:     req.Args,
		Claims:   claims,
		CronExpr: req.CronExpr,
		Enabled:  enabled,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"schedule_id": id})
}

// GET /api/v1/schedules
func (h *ScheduleHandler) ListSchedules(c *gin.Context) {
	schedules, err := h.svc.ListSchedules(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules, "count": len(schedules)})
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// POST /api/v1/schedules/:id/toggle
func (h *ScheduleHandler) ToggleSchedule(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return
	}
	if err := h.svc.ToggleSchedule(c.Request.Context(), id, *req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule_id": id, "enabled": *req.Enabled})
}
