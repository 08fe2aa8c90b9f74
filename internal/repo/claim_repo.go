package repo

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/decko/pulpcore/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TryClaim attempts to move a waiting task to running under workerID,
// inserting all of its declared resource claims in the same transaction.
// Either the state flip and every claim entry land together, or nothing
// does. A false return means the task was already taken, canceled, or its
// resources conflict with currently-held claims; the caller just moves on
// to the next candidate.
func TryClaim(ctx context.Context, db *pgxpool.Pool, taskID, workerID uuid.UUID) (bool, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var state string
	var rawClaims []byte
	err = tx.QueryRow(ctx, `
		SELECT state, resource_claims FROM tasks WHERE id=$1 FOR UPDATE
	`, taskID).Scan(&state, &rawClaims)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if state != domain.StateWaiting {
		return false, nil
	}

	var claims []domain.ResourceClaim
	if err := json.Unmarshal(rawClaims, &claims); err != nil {
		return false, err
	}

	// Serialize ledger checks per resource. Locks are taken in sorted order
	// so two claimers with overlapping claim sets cannot deadlock.
	resources := make([]string, 0, len(claims))
	for _, c := range claims {
		resources = append(resources, c.Resource)
	}
	sort.Strings(resources)
	for _, r := range resources {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, r); err != nil {
			return false, err
		}
	}

	if len(claims) > 0 {
		var conflict bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1
				FROM resource_claims rc
				JOIN jsonb_to_recordset($1::jsonb) AS req(resource TEXT, exclusive BOOLEAN)
				  ON rc.resource = req.resource
				WHERE rc.exclusive OR req.exclusive
			)
		`, rawClaims).Scan(&conflict)
		if err != nil {
			return false, err
		}
		if conflict {
			return false, nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO resource_claims (resource, task_id, exclusive)
			SELECT req.resource, $2, req.exclusive
			FROM jsonb_to_recordset($1::jsonb) AS req(resource TEXT, exclusive BOOLEAN)
		`, rawClaims, taskID)
		if err != nil {
			return false, err
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE tasks
		SET state=$2, worker_id=$3, started_at=NOW()
		WHERE id=$1 AND state=$4
	`, taskID, domain.StateRunning, workerID, domain.StateWaiting)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE workers SET task_id=$2 WHERE id=$1
	`, workerID, taskID); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// FinishTask finalizes a running task held by workerID, writing the result
// or error detail and dropping the task's ledger entries in one transaction.
// Returns false without error when the task was already finalized by someone
// else (e.g. the dead-worker sweep won the race).
func FinishTask(ctx context.Context, db *pgxpool.Pool, taskID, workerID uuid.UUID, state string, result json.RawMessage, errDetail string) (bool, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE tasks
		SET state=$3, result=$4, error=$5, finished_at=NOW()
		WHERE id=$1 AND state=$6 AND worker_id=$2
	`, taskID, workerID, state, result, errDetail, domain.StateRunning)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM resource_claims WHERE task_id=$1`, taskID); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE workers SET task_id=NULL WHERE id=$1 AND task_id=$2
	`, workerID, taskID); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseClaims drops every ledger entry owned by a task. Idempotent: a
// second call, or a call racing the sweep, deletes nothing and succeeds.
func ReleaseClaims(ctx context.Context, db *pgxpool.Pool, taskID uuid.UUID) error {
	_, err := db.Exec(ctx, `DELETE FROM resource_claims WHERE task_id=$1`, taskID)
	return err
}

// ListClaims returns the current ledger contents, mainly for tests and
// operational inspection.
func ListClaims(ctx context.Context, db *pgxpool.Pool) ([]domain.ClaimEntry, error) {
	rows, err := db.Query(ctx, `
		SELECT resource, task_id, exclusive FROM resource_claims ORDER BY resource
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ClaimEntry
	for rows.Next() {
		var e domain.ClaimEntry
		if err := rows.Scan(&e.Resource, &e.TaskID, &e.Exclusive); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
