package domain

import "time"

// ProviderName identifies one of the interchangeable telephony back-ends.
type ProviderName string

const (
	ProviderA ProviderName = "provider-a"
	ProviderB ProviderName = "provider-b"
	ProviderC ProviderName = "provider-c"
)

// ProviderPriority is the fixed fallback order used when building
// candidate lists after the preferred provider.
var ProviderPriority = []ProviderName{ProviderA, ProviderB, ProviderC}

// Capability describes a channel feature a call flow may require.
type Capability string

const (
	// CapabilityDigitGather is synchronous DTMF capture on the provider side.
	CapabilityDigitGather Capability = "digit-gather"
	CapabilityMediaStream Capability = "media-stream"
)

// ProviderHealthRecord tracks recent errors for one provider.
type ProviderHealthRecord struct {
	Provider      ProviderName
	ErrorTimes    []time.Time
	DegradedUntil time.Time
	LastErrorAt   time.Time
	LastSuccessAt time.Time
}

// Degraded reports whether the provider is within its cooldown window.
func (r *ProviderHealthRecord) Degraded(now time.Time) bool {
	return r.DegradedUntil.After(now)
}

// ProviderHealthSnapshot is the admin-surface view of one provider.
type ProviderHealthSnapshot struct {
	Provider      ProviderName `json:"provider"`
	Ready         bool         `json:"ready"`
	Degraded      bool         `json:"degraded"`
	RecentErrors  int          `json:"recent_errors"`
	DegradedUntil *time.Time   `json:"degraded_until,omitempty"`
	LastErrorAt   *time.Time   `json:"last_error_at,omitempty"`
	LastSuccessAt *time.Time   `json:"last_success_at,omitempty"`
}
