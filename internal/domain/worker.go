package domain

import (
	"time"

	"github.com/google/uuid"
)

// Worker is the durable record a worker process keeps about itself. Liveness
// is inferred by peers from LastHeartbeat age, never announced.
type Worker struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	Host          string     `json:"host"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	TaskID        *uuid.UUID `json:"task_id,omitempty"`
}
