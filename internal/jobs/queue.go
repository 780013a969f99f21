// Package jobs runs the durable call-job queue: claiming due work from
// Postgres, executing registered handlers under a timeout, backing off
// failed attempts, and dead-lettering jobs that exhaust their budget.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/registry"
	"github.com/acme/call-orchestrator/internal/repository"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// DLQ reasons.
const (
	ReasonMaxAttempts = "max_attempts_exceeded"
	ReasonNoHandler   = "no_handler_registered"
)

// Handler executes one job. A nil return completes the job; an error
// schedules a retry until the attempt budget runs out.
type Handler func(ctx context.Context, job domain.CallJob) error

// AlertPublisher pushes operational alerts, e.g. a growing DLQ backlog.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, kind, detail string) error
}

// NoopAlerts discards alerts.
type NoopAlerts struct{}

func (NoopAlerts) PublishAlert(context.Context, string, string) error { return nil }

// Queue drives the durable job table.
type Queue struct {
	store  repository.JobStore
	dlq    repository.DlqStore
	alerts AlertPublisher
	cfg    config.JobsConfig
	sched  registry.Scheduler
	lg     *logger.Logger

	mu       sync.RWMutex
	handlers map[domain.JobType]Handler
}

// NewQueue wires the queue. Handlers are registered before Run starts.
func NewQueue(store repository.JobStore, dlq repository.DlqStore, alerts AlertPublisher, cfg config.JobsConfig, sched registry.Scheduler, lg *logger.Logger) *Queue {
	if alerts == nil {
		alerts = NoopAlerts{}
	}
	return &Queue{
		store:    store,
		dlq:      dlq,
		alerts:   alerts,
		cfg:      cfg,
		sched:    sched,
		lg:       lg.Named("jobs"),
		handlers: make(map[domain.JobType]Handler),
	}
}

// Register binds a handler to a job type.
func (q *Queue) Register(jobType domain.JobType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Schedule enqueues one job for execution at runAt.
func (q *Queue) Schedule(ctx context.Context, jobType domain.JobType, payload json.RawMessage, runAt time.Time) (uuid.UUID, error) {
	now := q.sched.Now()
	job := &domain.CallJob{
		ID:      uuid.New(),
		JobType: jobType,
		Payload: payload,
		RunAt:   runAt,
		Status:  domain.JobStatusPending,
		Created: now,
		Updated: now,
	}
	if err := q.store.Insert(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("%w: schedule %s: %v", apperrors.ErrJobError, jobType, err)
	}
	return job.ID, nil
}

// Run executes queue passes until cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.PassInterval)
	defer ticker.Stop()

	q.lg.Info("job queue started",
		zap.Duration("pass_interval", q.cfg.PassInterval),
		zap.Int("claim_batch", q.cfg.ClaimBatch))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := q.ProcessPass(ctx); err != nil {
				q.lg.Error("queue pass failed", zap.Error(err))
			}
		}
	}
}

// ProcessPass claims one batch of due jobs and runs them, returning the
// number of jobs executed.
func (q *Queue) ProcessPass(ctx context.Context) (int, error) {
	tracer := otel.Tracer("callorch.jobs")
	ctx, span := tracer.Start(ctx, "jobs.pass")
	defer span.End()

	now := q.sched.Now()
	claimed, err := q.store.ClaimDue(ctx, now, q.cfg.ClaimBatch, q.cfg.StaleLockAfter)
	if err != nil {
		return 0, fmt.Errorf("%w: claim: %v", apperrors.ErrJobError, err)
	}
	span.SetAttributes(attribute.Int("jobs.claimed", len(claimed)))

	for _, job := range claimed {
		q.runOne(ctx, job)
	}
	return len(claimed), nil
}

// runOne executes a single claimed job, then settles its queue state.
func (q *Queue) runOne(ctx context.Context, job domain.CallJob) {
	q.mu.RLock()
	handler, ok := q.handlers[job.JobType]
	q.mu.RUnlock()
	if !ok {
		q.lg.Error("no handler for job type",
			zap.String("job_id", job.ID.String()),
			zap.String("job_type", string(job.JobType)))
		q.moveToDlq(ctx, job, ReasonNoHandler)
		return
	}

	attempt := job.Attempts + 1
	runCtx, cancel := context.WithTimeout(ctx, q.cfg.HandlerTimeout)
	err := handler(runCtx, job)
	cancel()

	if err == nil {
		if cErr := q.store.Complete(ctx, job.ID); cErr != nil {
			q.lg.Error("job completion not recorded",
				zap.String("job_id", job.ID.String()), zap.Error(cErr))
		}
		return
	}

	q.lg.Warn("job attempt failed",
		zap.String("job_id", job.ID.String()),
		zap.String("job_type", string(job.JobType)),
		zap.Int("attempt", attempt),
		zap.Error(err))

	if attempt >= q.cfg.MaxAttempts {
		q.moveToDlq(ctx, job, ReasonMaxAttempts)
		return
	}

	runAt := q.sched.Now().Add(q.Backoff(attempt))
	if rErr := q.store.Reschedule(ctx, job.ID, runAt, attempt, err.Error()); rErr != nil {
		q.lg.Error("job reschedule failed",
			zap.String("job_id", job.ID.String()), zap.Error(rErr))
	}
}

// Backoff returns the delay before retry attempt+1: exponential from
// the base, capped at the maximum.
func (q *Queue) Backoff(attempt int) time.Duration {
	delay := q.cfg.BackoffBase << (attempt - 1)
	if delay > q.cfg.BackoffMax || delay <= 0 {
		delay = q.cfg.BackoffMax
	}
	return delay
}

func (q *Queue) moveToDlq(ctx context.Context, job domain.CallJob, reason string) {
	entry := &domain.DlqEntry{
		ID:        uuid.New(),
		JobID:     job.ID,
		JobType:   job.JobType,
		Payload:   job.Payload,
		Reason:    reason,
		Attempts:  job.Attempts + 1,
		CreatedAt: q.sched.Now(),
	}
	if err := q.dlq.Insert(ctx, entry); err != nil {
		q.lg.Error("dead-letter insert failed",
			zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}
	if err := q.store.Fail(ctx, job.ID, reason); err != nil {
		q.lg.Error("job fail not recorded",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	q.lg.Warn("job dead-lettered",
		zap.String("job_id", job.ID.String()),
		zap.String("job_type", string(job.JobType)),
		zap.String("reason", reason))

	q.checkBacklog(ctx)
}

// checkBacklog raises an alert when the DLQ grows past the configured
// threshold.
func (q *Queue) checkBacklog(ctx context.Context) {
	if q.cfg.DlqAlertBacklog <= 0 {
		return
	}
	n, err := q.dlq.BacklogCount(ctx)
	if err != nil {
		q.lg.Warn("dlq backlog count failed", zap.Error(err))
		return
	}
	if n >= int64(q.cfg.DlqAlertBacklog) {
		detail := fmt.Sprintf("dlq backlog %d >= threshold %d", n, q.cfg.DlqAlertBacklog)
		if err := q.alerts.PublishAlert(ctx, "dlq_backlog", detail); err != nil {
			q.lg.Warn("dlq alert publish failed", zap.Error(err))
		}
	}
}

// ReplayFromDlq requeues up to limit dead-lettered jobs, charging each
// entry's bounded replay budget. A replayed job restarts at attempt
// zero.
func (q *Queue) ReplayFromDlq(ctx context.Context, limit int) (int, error) {
	entries, err := q.dlq.Replayable(ctx, limit, q.cfg.MaxReplays)
	if err != nil {
		return 0, fmt.Errorf("%w: replay: %v", apperrors.ErrJobError, err)
	}

	replayed := 0
	for _, entry := range entries {
		if err := q.store.Reschedule(ctx, entry.JobID, q.sched.Now(), 0, ""); err != nil {
			q.lg.Error("dlq replay reschedule failed",
				zap.String("job_id", entry.JobID.String()), zap.Error(err))
			continue
		}
		replayed++
		q.lg.Info("job replayed from dlq",
			zap.String("job_id", entry.JobID.String()),
			zap.String("job_type", string(entry.JobType)),
			zap.Int("replay_count", entry.ReplayCount))
	}
	return replayed, nil
}
