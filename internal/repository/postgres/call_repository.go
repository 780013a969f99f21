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

// CallRepository keeps the durable call record.
type CallRepository struct {
	db *sqlx.DB
}

// NewCallRepository constructs the repository.
func NewCallRepository(db *sqlx.DB) *CallRepository {
	return &CallRepository{db: db}
}

// Upsert writes the call record, updating the mutable columns on
// conflict.
func (r *CallRepository) Upsert(ctx context.Context, record *repository.CallRecord) error {
	query := `INSERT INTO calls (
		call_id, provider, direction, provider_call_id, phone_number, status, metadata, answered_at, ended_at, created_at, updated_at
	) VALUES (:call_id, :provider, :direction, :provider_call_id, :phone_number, :status, :metadata, :answered_at, :ended_at, :created_at, :updated_at)
	ON CONFLICT (call_id) DO UPDATE SET
		provider = EXCLUDED.provider,
		provider_call_id = EXCLUDED.provider_call_id,
		status = EXCLUDED.status,
		answered_at = EXCLUDED.answered_at,
		ended_at = EXCLUDED.ended_at,
		updated_at = EXCLUDED.updated_at`

	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("call repo: upsert: %w", err)
	}
	return nil
}

// UpdateStatus moves the durable record to the applied status.
func (r *CallRepository) UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE calls SET status = $1, updated_at = $2 WHERE call_id = $3`,
		status, at, callID)
	if err != nil {
		return fmt.Errorf("call repo: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call repo: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("call repo: call %s: %w", callID, repository.ErrNotFound)
	}
	return nil
}

// Get fetches one call record.
func (r *CallRepository) Get(ctx context.Context, callID uuid.UUID) (*repository.CallRecord, error) {
	var record repository.CallRecord
	err := r.db.GetContext(ctx, &record, `SELECT call_id, provider, direction, provider_call_id, phone_number, status, metadata, answered_at, ended_at, created_at, updated_at
		FROM calls WHERE call_id = $1`, callID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("call repo: call %s: %w", callID, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("call repo: get: %w", err)
	}
	return &record, nil
}

// ListByStatus returns the most recent calls in a status, used by the
// admin surface and by startup recovery.
func (r *CallRepository) ListByStatus(ctx context.Context, status domain.CallStatus, limit int) ([]repository.CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []repository.CallRecord
	err := r.db.SelectContext(ctx, &records, `SELECT call_id, provider, direction, provider_call_id, phone_number, status, metadata, answered_at, ended_at, created_at, updated_at
		FROM calls WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("call repo: list by status: %w", err)
	}
	return records, nil
}
