package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType names the unit of deferred work a CallJob carries.
type JobType string

const (
	JobTypeOutboundCall     JobType = "outbound_call"
	JobTypeCallbackCall     JobType = "callback_call"
	JobTypeScheduledMessage JobType = "scheduled_message"
	JobTypeStreamReconnect  JobType = "stream_reconnect"
)

// JobStatus enumerates queue states for a CallJob.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// CallJob is one scheduled unit of work. The payload is opaque to the
// queue and interpreted by the handler registered for the job type.
type CallJob struct {
	ID       uuid.UUID       `db:"id"`
	JobType  JobType         `db:"job_type"`
	Payload  json.RawMessage `db:"payload"`
	RunAt    time.Time       `db:"run_at"`
	Attempts int             `db:"attempts"`
	Status   JobStatus       `db:"status"`
	LockedAt *time.Time      `db:"locked_at"`
	LastErr  *string         `db:"last_error"`
	Created  time.Time       `db:"created_at"`
	Updated  time.Time       `db:"updated_at"`
}

// DlqEntry is the terminal failure record for a job that exhausted its
// retry budget. Replays are operator-initiated and bounded.
type DlqEntry struct {
	ID          uuid.UUID       `db:"id"`
	JobID       uuid.UUID       `db:"job_id"`
	JobType     JobType         `db:"job_type"`
	Payload     json.RawMessage `db:"payload"`
	Reason      string          `db:"reason"`
	Attempts    int             `db:"attempts"`
	ReplayCount int             `db:"replay_count"`
	CreatedAt   time.Time       `db:"created_at"`
}
