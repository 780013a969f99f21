package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/registry"
	"github.com/acme/call-orchestrator/internal/repository"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// memJobStore is an in-memory JobStore with the same claim semantics as
// the Postgres implementation.
type memJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.CallJob
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[uuid.UUID]*domain.CallJob)}
}

func (s *memJobStore) Insert(_ context.Context, job *domain.CallJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return nil
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memJobStore) Get(_ context.Context, id uuid.UUID) (*domain.CallJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *memJobStore) ClaimDue(_ context.Context, now time.Time, limit int, staleAfter time.Duration) ([]domain.CallJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.Status == domain.JobStatusRunning && job.LockedAt != nil && job.LockedAt.Before(now.Add(-staleAfter)) {
			job.Status = domain.JobStatusPending
			job.LockedAt = nil
		}
	}

	var due []*domain.CallJob
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusPending && !job.RunAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.CallJob, 0, len(due))
	for _, job := range due {
		job.Status = domain.JobStatusRunning
		t := now
		job.LockedAt = &t
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

func (s *memJobStore) Reschedule(_ context.Context, id uuid.UUID, runAt time.Time, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = domain.JobStatusPending
	job.RunAt = runAt
	job.Attempts = attempts
	job.LastErr = &lastError
	job.LockedAt = nil
	return nil
}

func (s *memJobStore) Complete(_ context.Context, id uuid.UUID) error {
	return s.setStatus(id, domain.JobStatusCompleted, nil)
}

func (s *memJobStore) Fail(_ context.Context, id uuid.UUID, lastError string) error {
	return s.setStatus(id, domain.JobStatusFailed, &lastError)
}

func (s *memJobStore) setStatus(id uuid.UUID, status domain.JobStatus, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = status
	job.LockedAt = nil
	if lastError != nil {
		job.LastErr = lastError
	}
	return nil
}

func (s *memJobStore) CountByStatus(context.Context) (map[domain.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.JobStatus]int64)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (s *memJobStore) get(id uuid.UUID) domain.CallJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

type memDlqStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*domain.DlqEntry // keyed by job id
}

func newMemDlqStore() *memDlqStore {
	return &memDlqStore{entries: make(map[uuid.UUID]*domain.DlqEntry)}
}

func (s *memDlqStore) Insert(_ context.Context, entry *domain.DlqEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[entry.JobID]; ok {
		existing.Reason = entry.Reason
		existing.Attempts = entry.Attempts
		existing.CreatedAt = entry.CreatedAt
		return nil
	}
	cp := *entry
	s.entries[entry.JobID] = &cp
	return nil
}

func (s *memDlqStore) List(_ context.Context, limit int) ([]domain.DlqEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DlqEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memDlqStore) Replayable(_ context.Context, limit, maxReplays int) ([]domain.DlqEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DlqEntry
	for _, e := range s.entries {
		if len(out) >= limit {
			break
		}
		if e.ReplayCount < maxReplays {
			e.ReplayCount++
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *memDlqStore) BacklogCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

type capturingAlerts struct {
	mu    sync.Mutex
	kinds []string
}

func (a *capturingAlerts) PublishAlert(_ context.Context, kind, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
	return nil
}

func testQueue(t *testing.T) (*Queue, *memJobStore, *memDlqStore, *capturingAlerts, *registry.ManualScheduler) {
	t.Helper()
	lg, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	sched := registry.NewManualScheduler(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newMemJobStore()
	dlq := newMemDlqStore()
	alerts := &capturingAlerts{}
	cfg := config.JobsConfig{
		PassInterval:    5 * time.Second,
		ClaimBatch:      10,
		StaleLockAfter:  5 * time.Minute,
		HandlerTimeout:  45 * time.Second,
		MaxAttempts:     3,
		BackoffBase:     5 * time.Second,
		BackoffMax:      time.Minute,
		MaxReplays:      2,
		DlqAlertBacklog: 1,
	}
	return NewQueue(store, dlq, alerts, cfg, sched, lg), store, dlq, alerts, sched
}

func TestScheduleAndRunToCompletion(t *testing.T) {
	q, store, _, _, sched := testQueue(t)
	ctx := context.Background()

	var ran int
	q.Register(domain.JobTypeOutboundCall, func(context.Context, domain.CallJob) error {
		ran++
		return nil
	})

	id, err := q.Schedule(ctx, domain.JobTypeOutboundCall, json.RawMessage(`{}`), sched.Now())
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	n, err := q.ProcessPass(ctx)
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if n != 1 || ran != 1 {
		t.Fatalf("claimed %d ran %d, want 1 and 1", n, ran)
	}
	if got := store.get(id).Status; got != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
}

func TestFutureJobNotClaimedUntilDue(t *testing.T) {
	q, _, _, _, sched := testQueue(t)
	ctx := context.Background()

	q.Register(domain.JobTypeOutboundCall, func(context.Context, domain.CallJob) error { return nil })
	if _, err := q.Schedule(ctx, domain.JobTypeOutboundCall, nil, sched.Now().Add(30*time.Second)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if n, _ := q.ProcessPass(ctx); n != 0 {
		t.Fatalf("claimed %d before due time, want 0", n)
	}
	sched.Advance(31 * time.Second)
	if n, _ := q.ProcessPass(ctx); n != 1 {
		t.Fatalf("claimed %d after due time, want 1", n)
	}
}

func TestFailedJobBacksOffThenDeadLetters(t *testing.T) {
	q, store, dlq, alerts, sched := testQueue(t)
	ctx := context.Background()

	boom := errors.New("provider refused")
	q.Register(domain.JobTypeOutboundCall, func(context.Context, domain.CallJob) error {
		return boom
	})
	id, err := q.Schedule(ctx, domain.JobTypeOutboundCall, nil, sched.Now())
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Attempt 1 fails, reschedules 5s out.
	if n, _ := q.ProcessPass(ctx); n != 1 {
		t.Fatal("attempt 1 not claimed")
	}
	job := store.get(id)
	if job.Status != domain.JobStatusPending || job.Attempts != 1 {
		t.Fatalf("after attempt 1: status=%s attempts=%d", job.Status, job.Attempts)
	}
	if got := job.RunAt.Sub(sched.Now()); got != 5*time.Second {
		t.Fatalf("backoff after attempt 1 = %s, want 5s", got)
	}

	// Attempt 2 fails, reschedules 10s out.
	sched.Advance(5 * time.Second)
	if n, _ := q.ProcessPass(ctx); n != 1 {
		t.Fatal("attempt 2 not claimed")
	}
	job = store.get(id)
	if got := job.RunAt.Sub(sched.Now()); got != 10*time.Second {
		t.Fatalf("backoff after attempt 2 = %s, want 10s", got)
	}

	// Attempt 3 exhausts the budget.
	sched.Advance(10 * time.Second)
	if n, _ := q.ProcessPass(ctx); n != 1 {
		t.Fatal("attempt 3 not claimed")
	}
	job = store.get(id)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("final status = %s, want failed", job.Status)
	}

	entries, _ := dlq.List(ctx, 10)
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(entries))
	}
	if entries[0].Reason != ReasonMaxAttempts || entries[0].Attempts != 3 {
		t.Fatalf("dlq entry = %+v", entries[0])
	}
	if len(alerts.kinds) == 0 || alerts.kinds[0] != "dlq_backlog" {
		t.Fatalf("alerts = %v, want dlq_backlog", alerts.kinds)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	q, _, _, _, _ := testQueue(t)
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute},
		{12, time.Minute},
	}
	for _, tc := range cases {
		if got := q.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestStaleRunningJobReclaimed(t *testing.T) {
	q, store, _, _, sched := testQueue(t)
	ctx := context.Background()

	var ran int
	q.Register(domain.JobTypeOutboundCall, func(context.Context, domain.CallJob) error {
		ran++
		return nil
	})

	// Simulate a job a crashed worker left locked.
	locked := sched.Now().Add(-6 * time.Minute)
	job := &domain.CallJob{
		ID:       uuid.New(),
		JobType:  domain.JobTypeOutboundCall,
		RunAt:    locked,
		Status:   domain.JobStatusRunning,
		LockedAt: &locked,
		Created:  locked,
		Updated:  locked,
	}
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("insert: %v", err)
	}
	store.jobs[job.ID].Status = domain.JobStatusRunning
	store.jobs[job.ID].LockedAt = &locked

	if n, _ := q.ProcessPass(ctx); n != 1 || ran != 1 {
		t.Fatalf("claimed %d ran %d, want stale job reclaimed and run", n, ran)
	}
}

func TestUnregisteredJobTypeDeadLetters(t *testing.T) {
	q, store, dlq, _, sched := testQueue(t)
	ctx := context.Background()

	id, err := q.Schedule(ctx, domain.JobTypeScheduledMessage, nil, sched.Now())
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := q.ProcessPass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	if got := store.get(id).Status; got != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	entries, _ := dlq.List(ctx, 10)
	if len(entries) != 1 || entries[0].Reason != ReasonNoHandler {
		t.Fatalf("dlq entries = %+v, want one no_handler_registered entry", entries)
	}
}

func TestReplayFromDlqIsBounded(t *testing.T) {
	q, store, dlq, _, sched := testQueue(t)
	ctx := context.Background()

	q.Register(domain.JobTypeOutboundCall, func(context.Context, domain.CallJob) error {
		return errors.New("still broken")
	})
	id, err := q.Schedule(ctx, domain.JobTypeOutboundCall, nil, sched.Now())
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	exhaust := func() {
		for i := 0; i < 3; i++ {
			if _, err := q.ProcessPass(ctx); err != nil {
				t.Fatalf("pass: %v", err)
			}
			sched.Advance(time.Minute)
		}
		if got := store.get(id).Status; got != domain.JobStatusFailed {
			t.Fatalf("status = %s, want failed", got)
		}
	}
	exhaust()

	// MaxReplays is 2: the first two replays requeue the job, the third
	// finds no budget left.
	for cycle := 1; cycle <= 2; cycle++ {
		n, err := q.ReplayFromDlq(ctx, 10)
		if err != nil {
			t.Fatalf("replay cycle %d: %v", cycle, err)
		}
		if n != 1 {
			t.Fatalf("replay cycle %d requeued %d, want 1", cycle, n)
		}
		if got := store.get(id); got.Status != domain.JobStatusPending || got.Attempts != 0 {
			t.Fatalf("replayed job: status=%s attempts=%d", got.Status, got.Attempts)
		}
		exhaust()
	}

	n, err := q.ReplayFromDlq(ctx, 10)
	if err != nil {
		t.Fatalf("final replay: %v", err)
	}
	if n != 0 {
		t.Fatalf("replay past budget requeued %d, want 0", n)
	}
	entries, _ := dlq.List(ctx, 10)
	if len(entries) != 1 || entries[0].ReplayCount != 2 {
		t.Fatalf("dlq entries = %+v, want single entry with replay_count 2", entries)
	}
}
