package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// JobStore is the durable queue backing deferred call work. Claiming is
// atomic across workers; a claimed job stays invisible to other workers
// until it completes, fails, or its lock goes stale.
type JobStore interface {
	Insert(ctx context.Context, job *domain.CallJob) error
	Get(ctx context.Context, id uuid.UUID) (*domain.CallJob, error)
	// ClaimDue reclaims stale running jobs, then atomically moves up to
	// limit due pending jobs to running and returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int, staleAfter time.Duration) ([]domain.CallJob, error)
	Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, attempts int, lastError string) error
	Complete(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, lastError string) error
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error)
}

// DlqStore keeps jobs that exhausted their attempts, for inspection and
// bounded replay. Entries are keyed by job id; a job that dead-letters
// again after a replay updates its entry and keeps its replay count.
type DlqStore interface {
	Insert(ctx context.Context, entry *domain.DlqEntry) error
	List(ctx context.Context, limit int) ([]domain.DlqEntry, error)
	// Replayable returns up to limit entries whose replay count is
	// below maxReplays, incrementing each count in the same statement.
	Replayable(ctx context.Context, limit, maxReplays int) ([]domain.DlqEntry, error)
	BacklogCount(ctx context.Context) (int64, error)
}

// CallStore persists the durable call record alongside the in-memory
// session. The in-memory registry stays authoritative for routing;
// these rows serve recovery and reporting.
type CallStore interface {
	Upsert(ctx context.Context, record *CallRecord) error
	UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus, at time.Time) error
	Get(ctx context.Context, callID uuid.UUID) (*CallRecord, error)
	ListByStatus(ctx context.Context, status domain.CallStatus, limit int) ([]CallRecord, error)
}

// HistoryStore appends the per-call event trail: status transitions and
// supervision annotations. Append-mostly, read by call id.
type HistoryStore interface {
	AppendStatus(ctx context.Context, callID uuid.UUID, previous, status domain.CallStatus, at time.Time) error
	AppendAnnotation(ctx context.Context, ann domain.StateAnnotation) error
	History(ctx context.Context, callID uuid.UUID, limit int) ([]HistoryEntry, error)
}

// CallRecord is the storage representation of a call.
type CallRecord struct {
	CallID         uuid.UUID         `db:"call_id"`
	Provider       string            `db:"provider"`
	Direction      string            `db:"direction"`
	ProviderCallID string            `db:"provider_call_id"`
	PhoneNumber    string            `db:"phone_number"`
	Status         domain.CallStatus `db:"status"`
	Metadata       json.RawMessage   `db:"metadata"`
	AnsweredAt     *time.Time        `db:"answered_at"`
	EndedAt        *time.Time        `db:"ended_at"`
	CreatedAt      time.Time         `db:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at"`
}

// HistoryEntry is one row of the per-call event trail.
type HistoryEntry struct {
	CallID     uuid.UUID
	Kind       string
	Previous   string
	Value      string
	Detail     string
	OccurredAt time.Time
}
