package repo

import (
	"context"
	"time"

	"github.com/decko/pulpcore/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RegisterWorker inserts the worker's own record on process start. No
// external registration step exists; a worker announces itself by writing.
// Upsert, so a worker re-registering after a sweep just revives its row.
func RegisterWorker(ctx context.Context, db *pgxpool.Pool, w *domain.Worker) error {
	_, err := db.Exec(ctx, `
		INSERT INTO workers (id, name, host, last_heartbeat)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET last_heartbeat=NOW()
	`, w.ID, w.Name, w.Host)
	return err
}

// Heartbeat refreshes the worker's lease. Called periodically, including
// while a long task is executing, so liveness detection does not misfire.
// Returns false when the record no longer exists: a peer swept it while
// this worker was stalled, and the worker has to re-register.
func Heartbeat(ctx context.Context, db *pgxpool.Pool, workerID uuid.UUID) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE workers SET last_heartbeat=NOW() WHERE id=$1
	`, workerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeregisterWorker removes the worker's record on clean shutdown. The
// guard keeps the record alive while a task is still running under this
// worker, so a failed finalize stays visible to the dead-worker sweep.
func DeregisterWorker(ctx context.Context, db *pgxpool.Pool, workerID uuid.UUID) error {
	_, err := db.Exec(ctx, `
		DELETE FROM workers
		WHERE id=$1 AND NOT EXISTS (
			SELECT 1 FROM tasks WHERE worker_id=$1 AND state=$2
		)
	`, workerID, domain.StateRunning)
	return err
}

func ListWorkers(ctx context.Context, db *pgxpool.Pool) ([]domain.Worker, error) {
	rows, err := db.Query(ctx, `
		SELECT id, name, host, last_heartbeat, task_id FROM workers ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Worker
	for rows.Next() {
		var w domain.Worker
		if err := rows.Scan(&w.ID, &w.Name, &w.Host, &w.LastHeartbeat, &w.TaskID); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ExpiredWorkers returns workers whose heartbeat is older than timeout.
func ExpiredWorkers(ctx context.Context, db *pgxpool.Pool, timeout time.Duration) ([]domain.Worker, error) {
	cutoff := time.Now().Add(-timeout)
	rows, err := db.Query(ctx, `
		SELECT id, name, host, last_heartbeat, task_id
		FROM workers
		WHERE last_heartbeat < $1
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Worker
	for rows.Next() {
		var w domain.Worker
		if err := rows.Scan(&w.ID, &w.Name, &w.Host, &w.LastHeartbeat, &w.TaskID); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// FailWorkerTasks finalizes every task still marked running under a dead
// worker as failed with the worker-lost reason and drops the ledger entries.
// The conditional update keeps concurrent sweepers from double-finalizing.
func FailWorkerTasks(ctx context.Context, db *pgxpool.Pool, workerID uuid.UUID) ([]uuid.UUID, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE tasks
		SET state=$2, error=$3, finished_at=NOW()
		WHERE worker_id=$1 AND state=$4
		RETURNING id
	`, workerID, domain.StateFailed, domain.ErrorReasonWorkerLost, domain.StateRunning)
	if err != nil {
		return nil, err
	}
	var failed []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		failed = append(failed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(failed) > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM resource_claims WHERE task_id = ANY($1)
		`, failed); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return failed, nil
}

// DeleteWorkerIfExpired removes a dead worker's record, but only while its
// heartbeat is still expired. A worker that came back keeps its row.
func DeleteWorkerIfExpired(ctx context.Context, db *pgxpool.Pool, workerID uuid.UUID, timeout time.Duration) (bool, error) {
	cutoff := time.Now().Add(-timeout)
	tag, err := db.Exec(ctx, `
		DELETE FROM workers
		WHERE id=$1 AND last_heartbeat < $2
	`, workerID, cutoff)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
