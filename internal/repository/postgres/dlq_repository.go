package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/call-orchestrator/internal/domain"
)

// DlqRepository stores terminally failed jobs.
type DlqRepository struct {
	db *sqlx.DB
}

// NewDlqRepository constructs the repository.
func NewDlqRepository(db *sqlx.DB) *DlqRepository {
	return &DlqRepository{db: db}
}

// Insert writes the terminal failure record. A job dead-lettering
// again after a replay refreshes its entry but keeps the accumulated
// replay count, so the replay budget stays bounded across cycles.
func (r *DlqRepository) Insert(ctx context.Context, entry *domain.DlqEntry) error {
	query := `INSERT INTO call_jobs_dlq (
		id, job_id, job_type, payload, reason, attempts, replay_count, created_at
	) VALUES (:id, :job_id, :job_type, :payload, :reason, :attempts, :replay_count, :created_at)
	ON CONFLICT (job_id) DO UPDATE SET
		reason = EXCLUDED.reason,
		attempts = EXCLUDED.attempts,
		created_at = EXCLUDED.created_at`

	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("dlq repo: insert: %w", err)
	}
	return nil
}

// List returns the oldest entries without removing them.
func (r *DlqRepository) List(ctx context.Context, limit int) ([]domain.DlqEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []domain.DlqEntry
	err := r.db.SelectContext(ctx, &entries, `SELECT id, job_id, job_type, payload, reason, attempts, replay_count, created_at
		FROM call_jobs_dlq ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq repo: list: %w", err)
	}
	return entries, nil
}

// Replayable selects the oldest entries still inside their replay
// budget and charges one replay to each, atomically, so concurrent
// replay requests never double-spend the budget.
func (r *DlqRepository) Replayable(ctx context.Context, limit, maxReplays int) ([]domain.DlqEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	var entries []domain.DlqEntry
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryxContext(ctx, `UPDATE call_jobs_dlq
			SET replay_count = replay_count + 1
			WHERE id IN (
				SELECT id FROM call_jobs_dlq
				WHERE replay_count < $1
				ORDER BY created_at ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, job_id, job_type, payload, reason, attempts, replay_count, created_at`,
			maxReplays, limit)
		if err != nil {
			return fmt.Errorf("replayable: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var entry domain.DlqEntry
			if err := rows.StructScan(&entry); err != nil {
				return fmt.Errorf("scan replayable: %w", err)
			}
			entries = append(entries, entry)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("dlq repo: %w", err)
	}
	return entries, nil
}

// BacklogCount reports the current DLQ depth.
func (r *DlqRepository) BacklogCount(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM call_jobs_dlq`); err != nil {
		return 0, fmt.Errorf("dlq repo: backlog count: %w", err)
	}
	return n, nil
}
