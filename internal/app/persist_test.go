package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/registry"
	"github.com/acme/call-orchestrator/internal/repository"
	"github.com/acme/call-orchestrator/pkg/logger"
)

type memCallStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*repository.CallRecord
	updates int
}

func newMemCallStore() *memCallStore {
	return &memCallStore{records: make(map[uuid.UUID]*repository.CallRecord)}
}

func (s *memCallStore) Upsert(_ context.Context, record *repository.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.records[record.CallID] = &cp
	return nil
}

func (s *memCallStore) UpdateStatus(_ context.Context, callID uuid.UUID, status domain.CallStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = at
	s.updates++
	return nil
}

func (s *memCallStore) Get(_ context.Context, callID uuid.UUID) (*repository.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memCallStore) ListByStatus(_ context.Context, status domain.CallStatus, limit int) ([]repository.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.CallRecord
	for _, rec := range s.records {
		if rec.Status == status && len(out) < limit {
			out = append(out, *rec)
		}
	}
	return out, nil
}

type memHistoryStore struct {
	mu      sync.Mutex
	entries []repository.HistoryEntry
}

func (s *memHistoryStore) AppendStatus(_ context.Context, callID uuid.UUID, previous, status domain.CallStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, repository.HistoryEntry{
		CallID: callID, Kind: "status", Previous: string(previous), Value: string(status), OccurredAt: at,
	})
	return nil
}

func (s *memHistoryStore) AppendAnnotation(_ context.Context, ann domain.StateAnnotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, repository.HistoryEntry{
		CallID: ann.CallID, Kind: ann.Kind, Detail: ann.Detail, OccurredAt: ann.OccurredAt,
	})
	return nil
}

func (s *memHistoryStore) History(_ context.Context, callID uuid.UUID, limit int) ([]repository.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.HistoryEntry
	for _, e := range s.entries {
		if e.CallID == callID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestPersistStatusUpsertsFullRecordForLiveSession(t *testing.T) {
	sched := registry.NewManualScheduler(time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC))
	reg := registry.New(sched)
	calls := newMemCallStore()
	store := &persistStore{calls: calls, history: &memHistoryStore{}, reg: reg}

	callID := uuid.New()
	reg.Put(&domain.CallSession{
		CallID:         callID,
		Provider:       domain.ProviderA,
		Direction:      domain.DirectionOutbound,
		ProviderCallID: "vendor-1",
		PhoneNumber:    "+15550001111",
		CreatedAt:      sched.Now(),
	})

	if err := store.PersistStatus(context.Background(), callID, domain.CallStatusInitiated, sched.Now()); err != nil {
		t.Fatalf("persist: %v", err)
	}

	rec, err := calls.Get(context.Background(), callID)
	if err != nil {
		t.Fatalf("record not written on first transition: %v", err)
	}
	if rec.Status != domain.CallStatusInitiated {
		t.Fatalf("status = %s, want initiated", rec.Status)
	}
	if rec.Provider != string(domain.ProviderA) || rec.PhoneNumber != "+15550001111" || rec.ProviderCallID != "vendor-1" {
		t.Fatalf("record missing session fields: %+v", rec)
	}
}

func TestPersistStatusFallsBackAfterSessionEviction(t *testing.T) {
	sched := registry.NewManualScheduler(time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC))
	reg := registry.New(sched)
	calls := newMemCallStore()
	store := &persistStore{calls: calls, history: &memHistoryStore{}, reg: reg}
	ctx := context.Background()

	callID := uuid.New()
	reg.Put(&domain.CallSession{CallID: callID, Provider: domain.ProviderA, CreatedAt: sched.Now()})
	if err := store.PersistStatus(ctx, callID, domain.CallStatusInProgress, sched.Now()); err != nil {
		t.Fatalf("persist live: %v", err)
	}

	// The purged session's row can still move to its final status.
	reg.Remove(callID)
	if err := store.PersistStatus(ctx, callID, domain.CallStatusCompleted, sched.Now()); err != nil {
		t.Fatalf("persist after eviction: %v", err)
	}
	rec, err := calls.Get(ctx, callID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != domain.CallStatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if calls.updates != 1 {
		t.Fatalf("status-only updates = %d, want 1", calls.updates)
	}
}

func TestRestoreSessionsRehydratesNonTerminalCalls(t *testing.T) {
	sched := registry.NewManualScheduler(time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC))
	reg := registry.New(sched)
	calls := newMemCallStore()
	ctx := context.Background()
	lg, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	live := uuid.New()
	done := uuid.New()
	_ = calls.Upsert(ctx, &repository.CallRecord{
		CallID:         live,
		Provider:       string(domain.ProviderB),
		Direction:      string(domain.DirectionOutbound),
		ProviderCallID: "vendor-live",
		PhoneNumber:    "+15550002222",
		Status:         domain.CallStatusInProgress,
		CreatedAt:      sched.Now(),
	})
	_ = calls.Upsert(ctx, &repository.CallRecord{
		CallID: done, Status: domain.CallStatusCompleted, CreatedAt: sched.Now(),
	})

	n, err := RestoreSessions(ctx, calls, reg, lg)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored = %d, want 1", n)
	}
	session, ok := reg.Get(live)
	if !ok {
		t.Fatal("live call not restored into the registry")
	}
	if session.Provider != domain.ProviderB || session.PhoneNumber != "+15550002222" {
		t.Fatalf("restored session = %+v", session)
	}
	if resolved, ok := reg.Resolve("vendor-live"); !ok || resolved.CallID != live {
		t.Fatal("restored vendor call id not resolvable")
	}
	if _, ok := reg.Get(done); ok {
		t.Fatal("terminal call must not be restored")
	}

	// Idempotent: a second pass restores nothing new.
	if n, err := RestoreSessions(ctx, calls, reg, lg); err != nil || n != 0 {
		t.Fatalf("second restore: n=%d err=%v", n, err)
	}
}
