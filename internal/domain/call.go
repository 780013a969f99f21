package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle stages for an individual call.
type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusAnswered   CallStatus = "answered"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"

	CallStatusVoicemail CallStatus = "voicemail"
	CallStatusBusy      CallStatus = "busy"
	CallStatusNoAnswer  CallStatus = "no-answer"
	CallStatusFailed    CallStatus = "failed"
	CallStatusCanceled  CallStatus = "canceled"
)

// statusRanks orders the progression states. Terminal siblings are not
// ranked against the progression; each is simply terminal.
var statusRanks = map[CallStatus]int{
	CallStatusQueued:     1,
	CallStatusInitiated:  2,
	CallStatusRinging:    3,
	CallStatusAnswered:   4,
	CallStatusInProgress: 5,
	CallStatusCompleted:  6,
}

var terminalStatuses = map[CallStatus]bool{
	CallStatusCompleted: true,
	CallStatusVoicemail: true,
	CallStatusBusy:      true,
	CallStatusNoAnswer:  true,
	CallStatusFailed:    true,
	CallStatusCanceled:  true,
}

// Rank returns the progression rank of s and whether s is ranked at all.
func (s CallStatus) Rank() (int, bool) {
	r, ok := statusRanks[s]
	return r, ok
}

// Terminal reports whether a call in status s can make no further progress.
func (s CallStatus) Terminal() bool {
	return terminalStatuses[s]
}

// CallDirection distinguishes who initiated the call.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
	DirectionCallback CallDirection = "callback"
)

// CallSession is the authoritative in-memory record of one active call.
type CallSession struct {
	CallID          uuid.UUID
	Provider        ProviderName
	Direction       CallDirection
	Status          CallStatus
	StatusUpdatedAt time.Time

	// ProviderCallID is the vendor correlation id used to map provider
	// events back to CallID.
	ProviderCallID string

	PhoneNumber string
	CreatedAt   time.Time

	// ScopeKey names the concurrency scope holding a slot for this
	// call; empty when the call is unscoped.
	ScopeKey string

	AnsweredAt *time.Time
	EndedAt    *time.Time

	// Stream holds the timestamps of the live media binding; nil until a
	// transport connection opens. At most one active binding per call; a
	// new connection replaces the older one.
	Stream *StreamBinding

	// Ending is the per-call advisory lock set as soon as termination
	// begins; mutation paths check it before proceeding.
	Ending bool
}

// StreamBinding tracks media observations for the active transport
// connection of a call.
type StreamBinding struct {
	ConnectedAt      time.Time
	FirstMediaSeenAt time.Time
	LastMediaAt      time.Time
	LastSpeechAt     time.Time
}

// MediaSeen reports whether any media frame has arrived on the binding.
func (b *StreamBinding) MediaSeen() bool {
	return b != nil && !b.FirstMediaSeenAt.IsZero()
}

// StatusEvent is a raw provider status signal before lifecycle rules apply.
type StatusEvent struct {
	CallID         uuid.UUID
	ProviderCallID string
	RawStatus      string
	Provider       ProviderName
	Duration       time.Duration
	AnsweredBy     string
	Sequence       string
	Timestamp      string
	ErrorCode      string
	OccurredAt     time.Time
}

// StateAnnotation records a supervision outcome against the call history.
type StateAnnotation struct {
	CallID     uuid.UUID
	Kind       string
	Detail     string
	OccurredAt time.Time
}
