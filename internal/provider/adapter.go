// Package provider selects among the interchangeable telephony
// back-ends and tracks their health. The per-vendor SDK wrappers stay
// behind the OutboundCallAdapter interface.
package provider

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
)

// PlacementRequest carries everything an adapter needs to start a call.
type PlacementRequest struct {
	CallID      uuid.UUID
	PhoneNumber string
	CallbackURL string
	StreamURL   string
	Metadata    map[string]any
}

// PlacementResult is the adapter's view of a placement attempt.
type PlacementResult struct {
	ProviderCallID string
	Status         domain.CallStatus
	Retryable      bool
}

// OutboundCallAdapter is the capability surface of one telephony
// back-end. Implementations are thin SDK wrappers and carry no
// orchestration logic.
type OutboundCallAdapter interface {
	Name() domain.ProviderName
	Capabilities() []domain.Capability

	PlaceCall(ctx context.Context, req PlacementRequest) (PlacementResult, error)
	Hangup(ctx context.Context, providerCallID string) error
	Redirect(ctx context.Context, providerCallID, target string) error

	// SpeakAndHangup plays a short apology before terminating, used when
	// no recovery path remains.
	SpeakAndHangup(ctx context.Context, providerCallID, message string) error

	// GatherDigits switches the call onto the provider's synchronous
	// digit-capture path. Only meaningful for adapters advertising
	// CapabilityDigitGather.
	GatherDigits(ctx context.Context, providerCallID string, maxDigits int, timeout time.Duration) error
}

// HasCapability reports whether the adapter advertises cap.
func HasCapability(a OutboundCallAdapter, cap domain.Capability) bool {
	for _, c := range a.Capabilities() {
		if c == cap {
			return true
		}
	}
	return false
}
