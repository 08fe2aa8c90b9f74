package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Schedule dispatches a recurring task. Each time the cron expression fires,
// a normal waiting task is created with the stored name, args and claims.
type Schedule struct {
	ID             uuid.UUID       `json:"id"`
	TaskName       string          `json:"task_name"`
	Args           json.RawMessage `json:"args"`
	Claims         []ResourceClaim `json:"resource_claims"`
	CronExpr       string          `json:"cron_expr"`
	Enabled        bool            `json:"enabled"`
	LastDispatched *time.Time      `json:"last_dispatched,omitempty"`
	NextDispatch   *time.Time      `json:"next_dispatch,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
