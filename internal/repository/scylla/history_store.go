// Package scylla keeps the append-mostly per-call event trail in
// ScyllaDB, partitioned by call id with a daily bucket.
package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

// History entry kinds.
const (
	KindStatus     = "status"
	KindAnnotation = "annotation"
)

// HistoryStore persists the call event trail.
type HistoryStore struct {
	session *gocql.Session
}

// NewHistoryStore creates the store.
func NewHistoryStore(session *gocql.Session) *HistoryStore {
	return &HistoryStore{session: session}
}

// AppendStatus records one applied status transition.
func (s *HistoryStore) AppendStatus(ctx context.Context, callID uuid.UUID, previous, status domain.CallStatus, at time.Time) error {
	if err := s.session.Query(`INSERT INTO call_history (call_id, bucket, occurred_at, entry_id, kind, previous, value, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		callID.String(), bucketDate(at), at, gocql.TimeUUID(), KindStatus, string(previous), string(status), "",
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("history store: append status: %w", err)
	}
	return nil
}

// AppendAnnotation records one supervision outcome.
func (s *HistoryStore) AppendAnnotation(ctx context.Context, ann domain.StateAnnotation) error {
	if err := s.session.Query(`INSERT INTO call_history (call_id, bucket, occurred_at, entry_id, kind, previous, value, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ann.CallID.String(), bucketDate(ann.OccurredAt), ann.OccurredAt, gocql.TimeUUID(), KindAnnotation, "", ann.Kind, ann.Detail,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("history store: append annotation: %w", err)
	}
	return nil
}

// History lists the trail for one call, newest first.
func (s *HistoryStore) History(ctx context.Context, callID uuid.UUID, limit int) ([]repository.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := s.session.Query(`SELECT occurred_at, kind, previous, value, detail
		FROM call_history
		WHERE call_id = ?
		ORDER BY bucket DESC, occurred_at DESC
		LIMIT ? ALLOW FILTERING`, callID.String(), limit).WithContext(ctx).Iter()

	var (
		occurredAt time.Time
		kind       string
		previous   string
		value      string
		detail     string
	)

	entries := make([]repository.HistoryEntry, 0, limit)
	for iter.Scan(&occurredAt, &kind, &previous, &value, &detail) {
		entries = append(entries, repository.HistoryEntry{
			CallID:     callID,
			Kind:       kind,
			Previous:   previous,
			Value:      value,
			Detail:     detail,
			OccurredAt: occurredAt,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("history store: iter close: %w", err)
	}
	return entries, nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
