package handler

import (
	"net/http"
	"time"

	"github.com/decko/pulpcore/internal/service"

	"github.com/gin-gonic/gin"
)

type WorkerHandler struct {
	svc           *service.TaskService
	workerTimeout time.Duration
}

func NewWorkerHandler(svc *service.TaskService, workerTimeout time.Duration) *WorkerHandler {
	return &WorkerHandler{svc: svc, workerTimeout: workerTimeout}
}

type workerItem struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Host          string  `json:"host"`
	LastHeartbeat string  `json:"last_heartbeat"`
	Alive         bool    `json:"alive"`
	CurrentTask   *string `json:"current_task,omitempty"`
}

// GET /api/v1/workers
//
// The heartbeat field here is an operational health view; the scheduling
// protocol reads liveness from the store directly.
func (h *WorkerHandler) ListWorkers(c *gin.Context) {
	workers, err := h.svc.ListWorkers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	now := time.Now()
	out := make([]workerItem, 0, len(workers))
	for _, w := range workers {
		item := workerItem{
			ID:            w.ID.String(),
			Name:          w.Name,
			Host:          w.Host,
			LastHeartbeat: w.LastHeartbeat.UTC().Format(time.RFC3339),
			Alive:         now.Sub(w.LastHeartbeat) < h.workerTimeout,
		}
		if w.TaskID != nil {
			t := w.TaskID.String()
			item.CurrentTask = &t
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"workers": out, "count": len(out)})
}
