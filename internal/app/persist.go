package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/registry"
	"github.com/acme/call-orchestrator/internal/repository"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// persistStore bridges the lifecycle engine to the durable stores:
// status transitions go to Postgres and the Scylla trail, annotations
// to the trail only. Writes are best-effort by contract.
//
// The registry is the source of the full record: while the session is
// live, every transition upserts the whole row, so the durable record
// exists from the first transition onward. Once the session is purged
// only the status column can still move.
type persistStore struct {
	calls   repository.CallStore
	history repository.HistoryStore
	reg     *registry.Registry
}

func (s *persistStore) PersistStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus, at time.Time) error {
	if session, ok := s.reg.Get(callID); ok {
		if err := s.calls.Upsert(ctx, recordFromSession(session, status, at)); err != nil {
			return err
		}
	} else if err := s.calls.UpdateStatus(ctx, callID, status, at); err != nil {
		return err
	}
	return s.history.AppendStatus(ctx, callID, "", status, at)
}

func (s *persistStore) AppendHistory(ctx context.Context, ann domain.StateAnnotation) error {
	return s.history.AppendAnnotation(ctx, ann)
}

func recordFromSession(session *domain.CallSession, status domain.CallStatus, at time.Time) *repository.CallRecord {
	created := session.CreatedAt
	if created.IsZero() {
		created = at
	}
	return &repository.CallRecord{
		CallID:         session.CallID,
		Provider:       string(session.Provider),
		Direction:      string(session.Direction),
		ProviderCallID: session.ProviderCallID,
		PhoneNumber:    session.PhoneNumber,
		Status:         status,
		AnsweredAt:     session.AnsweredAt,
		EndedAt:        session.EndedAt,
		CreatedAt:      created,
		UpdatedAt:      at,
	}
}

// nonTerminalStatuses are the progression states a call can be restored
// in after a restart.
var nonTerminalStatuses = []domain.CallStatus{
	domain.CallStatusQueued,
	domain.CallStatusInitiated,
	domain.CallStatusRinging,
	domain.CallStatusAnswered,
	domain.CallStatusInProgress,
}

// RestoreSessions rehydrates the in-memory registry from the durable
// call records after a restart, so provider webhooks for calls placed
// by the previous process still resolve. Returns the number of
// sessions restored.
func RestoreSessions(ctx context.Context, store repository.CallStore, reg *registry.Registry, lg *logger.Logger) (int, error) {
	restored := 0
	for _, status := range nonTerminalStatuses {
		records, err := store.ListByStatus(ctx, status, 1000)
		if err != nil {
			return restored, err
		}
		for i := range records {
			rec := &records[i]
			if _, ok := reg.Get(rec.CallID); ok {
				continue
			}
			reg.Put(&domain.CallSession{
				CallID:          rec.CallID,
				Provider:        domain.ProviderName(rec.Provider),
				Direction:       domain.CallDirection(rec.Direction),
				Status:          rec.Status,
				StatusUpdatedAt: rec.UpdatedAt,
				ProviderCallID:  rec.ProviderCallID,
				PhoneNumber:     rec.PhoneNumber,
				CreatedAt:       rec.CreatedAt,
				AnsweredAt:      rec.AnsweredAt,
			})
			restored++
		}
	}
	if restored > 0 {
		lg.Info("call sessions restored from store", zap.Int("count", restored))
	}
	return restored, nil
}
