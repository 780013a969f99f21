// Package postgres holds the durable stores backed by Postgres: the
// job queue, the dead-letter table, and call records.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

// JobRepository is the Postgres-backed durable job queue.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository constructs the repository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Insert persists a new pending job.
func (r *JobRepository) Insert(ctx context.Context, job *domain.CallJob) error {
	query := `INSERT INTO call_jobs (
		id, job_type, payload, run_at, attempts, status, locked_at, last_error, created_at, updated_at
	) VALUES (:id, :job_type, :payload, :run_at, :attempts, :status, :locked_at, :last_error, :created_at, :updated_at)
	ON CONFLICT (id) DO NOTHING`

	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("job repo: insert: %w", err)
	}
	return nil
}

// Get fetches one job by id.
func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*domain.CallJob, error) {
	var job domain.CallJob
	err := r.db.GetContext(ctx, &job, `SELECT id, job_type, payload, run_at, attempts, status, locked_at, last_error, created_at, updated_at
		FROM call_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job repo: job %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("job repo: get: %w", err)
	}
	return &job, nil
}

// ClaimDue runs the two-step claim inside one transaction: first any
// running job whose lock is older than staleAfter goes back to pending,
// then up to limit due pending jobs move to running under this worker.
// SKIP LOCKED keeps concurrent workers from double-claiming a batch.
func (r *JobRepository) ClaimDue(ctx context.Context, now time.Time, limit int, staleAfter time.Duration) ([]domain.CallJob, error) {
	if limit <= 0 {
		limit = 10
	}

	var claimed []domain.CallJob
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		staleBefore := now.Add(-staleAfter)
		if _, err := tx.ExecContext(ctx, `UPDATE call_jobs
			SET status = 'pending', locked_at = NULL, updated_at = $1
			WHERE status = 'running' AND locked_at < $2`, now, staleBefore); err != nil {
			return fmt.Errorf("reclaim stale: %w", err)
		}

		rows, err := tx.QueryxContext(ctx, `UPDATE call_jobs
			SET status = 'running', locked_at = $1, updated_at = $1
			WHERE id IN (
				SELECT id FROM call_jobs
				WHERE status = 'pending' AND run_at <= $1
				ORDER BY run_at ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, job_type, payload, run_at, attempts, status, locked_at, last_error, created_at, updated_at`,
			now, limit)
		if err != nil {
			return fmt.Errorf("claim due: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var job domain.CallJob
			if err := rows.StructScan(&job); err != nil {
				return fmt.Errorf("scan claimed: %w", err)
			}
			claimed = append(claimed, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("job repo: %w", err)
	}
	return claimed, nil
}

// Reschedule returns a failed attempt to pending at a later run time.
func (r *JobRepository) Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, attempts int, lastError string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE call_jobs
		SET status = 'pending', run_at = $1, attempts = $2, last_error = $3, locked_at = NULL, updated_at = NOW()
		WHERE id = $4`, runAt, attempts, lastError, id)
	if err != nil {
		return fmt.Errorf("job repo: reschedule: %w", err)
	}
	return requireRow(res, id)
}

// Complete finalizes a successful job.
func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE call_jobs
		SET status = 'completed', locked_at = NULL, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("job repo: complete: %w", err)
	}
	return requireRow(res, id)
}

// Fail marks a job terminally failed after its DLQ copy is written.
func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, lastError string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE call_jobs
		SET status = 'failed', last_error = $1, locked_at = NULL, updated_at = NOW()
		WHERE id = $2`, lastError, id)
	if err != nil {
		return fmt.Errorf("job repo: fail: %w", err)
	}
	return requireRow(res, id)
}

// CountByStatus reports queue depth per status for the admin surface.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM call_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job repo: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var status domain.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("job repo: scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func requireRow(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job repo: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job repo: job %s: %w", id, repository.ErrNotFound)
	}
	return nil
}
