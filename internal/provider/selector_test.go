package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/provider"
	"github.com/acme/call-orchestrator/internal/provider/mock"
	"github.com/acme/call-orchestrator/internal/registry"
	"github.com/acme/call-orchestrator/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	lg, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return lg
}

func newTestSelector(t *testing.T, sched registry.Scheduler, adapters ...provider.OutboundCallAdapter) (*provider.Selector, *provider.HealthRegistry) {
	t.Helper()
	lg := testLogger(t)
	health := provider.NewHealthRegistry(sched, lg, 120*time.Second, 3, 300*time.Second)
	return provider.NewSelector(adapters, health, provider.NoopOverrides{}, true, lg), health
}

func allCaps() []domain.Capability {
	return []domain.Capability{domain.CapabilityMediaStream, domain.CapabilityDigitGather}
}

func TestCandidatesPrefersPreferredThenPriority(t *testing.T) {
	sched := registry.NewManualScheduler(time.Unix(0, 0))
	sel, _ := newTestSelector(t, sched,
		mock.NewAdapter(domain.ProviderA, allCaps()),
		mock.NewAdapter(domain.ProviderB, allCaps()),
		mock.NewAdapter(domain.ProviderC, allCaps()),
	)

	got, err := sel.Candidates(context.Background(), domain.ProviderB, nil, "")
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	want := []domain.ProviderName{domain.ProviderB, domain.ProviderA, domain.ProviderC}
	for i, name := range want {
		if got[i] != name {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestDegradedProviderSkippedWhileAlternativeExists(t *testing.T) {
	sched := registry.NewManualScheduler(time.Unix(0, 0))
	sel, health := newTestSelector(t, sched,
		mock.NewAdapter(domain.ProviderA, allCaps()),
		mock.NewAdapter(domain.ProviderB, allCaps()),
	)

	// Three errors inside the 120s window degrade provider A.
	failure := errors.New("placement failed")
	health.RecordError(domain.ProviderA, failure)
	sched.Advance(10 * time.Second)
	health.RecordError(domain.ProviderA, failure)
	sched.Advance(10 * time.Second)
	health.RecordError(domain.ProviderA, failure)

	got, err := sel.Select(context.Background(), domain.ProviderA, nil, "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != domain.ProviderB {
		t.Fatalf("expected fallback to provider B, got %s", got)
	}
}

func TestAllDegradedFallsBackToFullReadyList(t *testing.T) {
	sched := registry.NewManualScheduler(time.Unix(0, 0))
	sel, health := newTestSelector(t, sched,
		mock.NewAdapter(domain.ProviderA, allCaps()),
		mock.NewAdapter(domain.ProviderB, allCaps()),
	)

	failure := errors.New("placement failed")
	for i := 0; i < 3; i++ {
		health.RecordError(domain.ProviderA, failure)
		health.RecordError(domain.ProviderB, failure)
	}

	got, err := sel.Candidates(context.Background(), domain.ProviderA, nil, "")
	if err != nil {
		t.Fatalf("all-degraded selection should not fail closed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected full ready list, got %v", got)
	}
}

func TestCooldownExpiresNaturally(t *testing.T) {
	sched := registry.NewManualScheduler(time.Unix(0, 0))
	sel, health := newTestSelector(t, sched,
		mock.NewAdapter(domain.ProviderA, allCaps()),
		mock.NewAdapter(domain.ProviderB, allCaps()),
	)

	failure := errors.New("placement failed")
	for i := 0; i < 3; i++ {
		health.RecordError(domain.ProviderA, failure)
	}
	// A success clears the error window but not the active cooldown.
	health.RecordSuccess(domain.ProviderA)
	if !health.Degraded(domain.ProviderA) {
		t.Fatal("success must not clear an active cooldown")
	}

	sched.Advance(301 * time.Second)
	if health.Degraded(domain.ProviderA) {
		t.Fatal("cooldown should have expired")
	}
	got, err := sel.Select(context.Background(), domain.ProviderA, nil, "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != domain.ProviderA {
		t.Fatalf("expected provider A after cooldown expiry, got %s", got)
	}
}

func TestErrorsOutsideWindowDoNotDegrade(t *testing.T) {
	sched := registry.NewManualScheduler(time.Unix(0, 0))
	_, health := newTestSelector(t, sched, mock.NewAdapter(domain.ProviderA, allCaps()))

	failure := errors.New("placement failed")
	health.RecordError(domain.ProviderA, failure)
	sched.Advance(121 * time.Second)
	health.RecordError(domain.ProviderA, failure)
	sched.Advance(121 * time.Second)
	health.RecordError(domain.ProviderA, failure)

	if health.Degraded(domain.ProviderA) {
		t.Fatal("spread-out errors must not degrade the provider")
	}
}

func TestDigitGatherRequirementRestrictsAndFailsExplicitly(t *testing.T) {
	sched := registry.NewManualScheduler(time.Unix(0, 0))
	sel, _ := newTestSelector(t, sched,
		mock.NewAdapter(domain.ProviderA, []domain.Capability{domain.CapabilityMediaStream}),
		mock.NewAdapter(domain.ProviderB, allCaps()),
	)

	caps := []domain.Capability{domain.CapabilityDigitGather}
	got, err := sel.Select(context.Background(), domain.ProviderA, caps, "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != domain.ProviderB {
		t.Fatalf("expected digit-gather capable provider B, got %s", got)
	}

	solo, _ := newTestSelector(t, sched,
		mock.NewAdapter(domain.ProviderA, []domain.Capability{domain.CapabilityMediaStream}),
	)
	if _, err := solo.Select(context.Background(), domain.ProviderA, caps, ""); err == nil {
		t.Fatal("selection must fail explicitly when no provider can gather digits")
	}
}

type fixedOverride struct {
	name domain.ProviderName
}

func (f fixedOverride) Lookup(context.Context, string) (domain.ProviderName, bool, error) {
	return f.name, true, nil
}

func TestScopedOverrideConsultedFirst(t *testing.T) {
	sched := registry.NewManualScheduler(time.Unix(0, 0))
	lg := testLogger(t)
	health := provider.NewHealthRegistry(sched, lg, 120*time.Second, 3, 300*time.Second)
	sel := provider.NewSelector([]provider.OutboundCallAdapter{
		mock.NewAdapter(domain.ProviderA, allCaps()),
		mock.NewAdapter(domain.ProviderC, allCaps()),
	}, health, fixedOverride{name: domain.ProviderC}, true, lg)

	got, err := sel.Select(context.Background(), domain.ProviderA, nil, "script-42")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != domain.ProviderC {
		t.Fatalf("expected forced provider C, got %s", got)
	}
}
