package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/domain"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// OverrideLookup resolves a scoped forced provider. NoopOverrides
// satisfies it when no durable store is wired.
type OverrideLookup interface {
	Lookup(ctx context.Context, scopeKey string) (domain.ProviderName, bool, error)
}

// NoopOverrides never returns an override.
type NoopOverrides struct{}

func (NoopOverrides) Lookup(context.Context, string) (domain.ProviderName, bool, error) {
	return "", false, nil
}

// Selector builds ordered candidate lists of ready, non-degraded
// providers for a placement attempt.
type Selector struct {
	adapters  map[domain.ProviderName]OutboundCallAdapter
	health    *HealthRegistry
	overrides OverrideLookup
	failover  bool
	lg        *logger.Logger
}

// NewSelector wires the selector. overrides must not be nil; pass
// NoopOverrides when no store is configured.
func NewSelector(adapters []OutboundCallAdapter, health *HealthRegistry, overrides OverrideLookup, failover bool, lg *logger.Logger) *Selector {
	byName := make(map[domain.ProviderName]OutboundCallAdapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	return &Selector{
		adapters:  byName,
		health:    health,
		overrides: overrides,
		failover:  failover,
		lg:        lg,
	}
}

// Adapter returns the adapter registered under name.
func (s *Selector) Adapter(name domain.ProviderName) (OutboundCallAdapter, bool) {
	a, ok := s.adapters[name]
	return a, ok
}

// Ready reports which providers have a configured adapter.
func (s *Selector) Ready() map[domain.ProviderName]bool {
	out := make(map[domain.ProviderName]bool, len(s.adapters))
	for name := range s.adapters {
		out[name] = true
	}
	return out
}

// Candidates returns the ordered attempt list for a placement: the
// scoped override first when one is active, then the preferred provider,
// then the remaining providers in fixed priority order. Unready
// providers are dropped; degraded providers are dropped only while a
// non-degraded alternative remains. A required digit-gather capability
// restricts the list further, and an empty result there is an explicit
// failure rather than a silent downgrade.
func (s *Selector) Candidates(ctx context.Context, preferred domain.ProviderName, caps []domain.Capability, scopeKey string) ([]domain.ProviderName, error) {
	if scopeKey != "" {
		if forced, ok, err := s.overrides.Lookup(ctx, scopeKey); err != nil {
			s.lg.Warn("override lookup failed, using default ordering",
				zap.String("scope_key", scopeKey), zap.Error(err))
		} else if ok {
			preferred = forced
		}
	}

	ordered := make([]domain.ProviderName, 0, len(domain.ProviderPriority)+1)
	seen := make(map[domain.ProviderName]bool)
	if preferred != "" {
		ordered = append(ordered, preferred)
		seen[preferred] = true
	}
	for _, name := range domain.ProviderPriority {
		if !seen[name] {
			ordered = append(ordered, name)
			seen[name] = true
		}
	}

	ready := ordered[:0]
	for _, name := range ordered {
		if _, ok := s.adapters[name]; ok {
			ready = append(ready, name)
		}
	}
	if len(ready) == 0 {
		return nil, fmt.Errorf("%w: no ready providers", apperrors.ErrProviderError)
	}

	candidates := ready
	if s.failover {
		healthy := make([]domain.ProviderName, 0, len(ready))
		for _, name := range ready {
			if !s.health.Degraded(name) {
				healthy = append(healthy, name)
			}
		}
		// If every ready provider is degraded, proceed with the full
		// ready list rather than failing closed.
		if len(healthy) > 0 {
			candidates = healthy
		}
	}

	if requiresCapability(caps, domain.CapabilityDigitGather) {
		capable := make([]domain.ProviderName, 0, len(candidates))
		for _, name := range candidates {
			if HasCapability(s.adapters[name], domain.CapabilityDigitGather) {
				capable = append(capable, name)
			}
		}
		if len(capable) == 0 {
			return nil, fmt.Errorf("%w: no provider supports digit gather", apperrors.ErrProviderError)
		}
		candidates = capable
	}

	return candidates, nil
}

// Select returns the first candidate of the ordered attempt list.
func (s *Selector) Select(ctx context.Context, preferred domain.ProviderName, caps []domain.Capability, scopeKey string) (domain.ProviderName, error) {
	candidates, err := s.Candidates(ctx, preferred, caps, scopeKey)
	if err != nil {
		return "", err
	}
	return candidates[0], nil
}

func requiresCapability(caps []domain.Capability, want domain.Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}
