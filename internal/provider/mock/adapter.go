// Package mock provides a simulated telephony back-end for local runs
// and tests.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/provider"
)

// Adapter simulates one telephony provider.
type Adapter struct {
	name         domain.ProviderName
	capabilities []domain.Capability
	successRate  float64
	rng          *rand.Rand

	mu      sync.Mutex
	nextSeq int
	// Placements records accepted placement phone numbers for assertions.
	Placements []string
	// Hangups records terminated vendor call ids for assertions.
	Hangups []string
	// Spoken records apology messages delivered before hangup.
	Spoken []string
	// Gathered records digit-gather activations.
	Gathered []string
	// Redirects records stream redirect targets.
	Redirects []string
	// FailNext forces the next PlaceCall to fail with a retryable error.
	FailNext bool
}

// NewAdapter constructs a mock with deterministic randomness.
func NewAdapter(name domain.ProviderName, capabilities []domain.Capability) *Adapter {
	return &Adapter{
		name:         name,
		capabilities: capabilities,
		successRate:  1.0,
		rng:          rand.New(rand.NewSource(42)),
	}
}

// WithSuccessRate sets the fraction of placements that succeed.
func (a *Adapter) WithSuccessRate(rate float64) *Adapter {
	a.successRate = rate
	return a
}

func (a *Adapter) Name() domain.ProviderName { return a.name }

func (a *Adapter) Capabilities() []domain.Capability { return a.capabilities }

// PlaceCall simulates a placement attempt.
func (a *Adapter) PlaceCall(ctx context.Context, req provider.PlacementRequest) (provider.PlacementResult, error) {
	if err := ctx.Err(); err != nil {
		return provider.PlacementResult{Status: domain.CallStatusFailed, Retryable: true}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailNext {
		a.FailNext = false
		return provider.PlacementResult{Status: domain.CallStatusFailed, Retryable: true},
			fmt.Errorf("mock %s: simulated placement failure", a.name)
	}
	if a.rng.Float64() > a.successRate {
		return provider.PlacementResult{Status: domain.CallStatusFailed, Retryable: true},
			fmt.Errorf("mock %s: simulated placement failure", a.name)
	}

	a.nextSeq++
	a.Placements = append(a.Placements, req.PhoneNumber)
	return provider.PlacementResult{
		ProviderCallID: fmt.Sprintf("%s-call-%d", a.name, a.nextSeq),
		Status:         domain.CallStatusInitiated,
	}, nil
}

func (a *Adapter) Hangup(ctx context.Context, providerCallID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Hangups = append(a.Hangups, providerCallID)
	return nil
}

func (a *Adapter) Redirect(ctx context.Context, providerCallID, target string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Redirects = append(a.Redirects, target)
	return nil
}

func (a *Adapter) SpeakAndHangup(ctx context.Context, providerCallID, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Spoken = append(a.Spoken, message)
	a.Hangups = append(a.Hangups, providerCallID)
	return nil
}

func (a *Adapter) GatherDigits(ctx context.Context, providerCallID string, maxDigits int, timeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !hasCap(a.capabilities, domain.CapabilityDigitGather) {
		return fmt.Errorf("mock %s: digit gather not supported", a.name)
	}
	a.Gathered = append(a.Gathered, providerCallID)
	return nil
}

func hasCap(caps []domain.Capability, want domain.Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}
