package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/registry"
	"github.com/acme/call-orchestrator/pkg/logger"
)

type capturingNotifier struct {
	mu     sync.Mutex
	events []Notification
}

func (n *capturingNotifier) NotifyStatus(_ context.Context, ev Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *capturingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func testEngine(t *testing.T) (*Engine, *registry.Registry, *registry.ManualScheduler, *capturingNotifier) {
	t.Helper()
	lg, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	sched := registry.NewManualScheduler(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New(sched)
	notifier := &capturingNotifier{}
	cfg := config.LifecycleConfig{
		DedupeWindow:       3 * time.Second,
		DedupeMaxEntries:   64,
		CleanupDelay:       10 * time.Minute,
		ShortCallThreshold: 6 * time.Second,
	}
	return NewEngine(reg, cfg, notifier, NoopStore{}, lg), reg, sched, notifier
}

func seedSession(reg *registry.Registry) uuid.UUID {
	callID := uuid.New()
	reg.Put(&domain.CallSession{
		CallID:    callID,
		Provider:  domain.ProviderA,
		Direction: domain.DirectionOutbound,
	})
	return callID
}

func TestAppliedStatusesAreMonotonic(t *testing.T) {
	e, reg, _, notifier := testEngine(t)
	callID := seedSession(reg)
	ctx := context.Background()

	r := e.ApplyStatus(ctx, domain.StatusEvent{CallID: callID, RawStatus: "ringing"})
	if !r.Applied || r.FinalStatus != domain.CallStatusRinging {
		t.Fatalf("ringing should apply, got %+v", r)
	}
	r = e.ApplyStatus(ctx, domain.StatusEvent{CallID: callID, RawStatus: "answered"})
	if !r.Applied || r.FinalStatus != domain.CallStatusAnswered {
		t.Fatalf("answered should apply, got %+v", r)
	}
	if notifier.count() != 2 {
		t.Fatalf("expected two lifecycle notifications, got %d", notifier.count())
	}

	// Regression to a lower rank is ignored.
	r = e.ApplyStatus(ctx, domain.StatusEvent{CallID: callID, RawStatus: "initiated"})
	if r.Applied {
		t.Fatal("rank regression must not apply")
	}
	if r.FinalStatus != domain.CallStatusAnswered {
		t.Fatalf("final status should stay answered, got %s", r.FinalStatus)
	}
}

func TestDedupeIdempotence(t *testing.T) {
	e, reg, _, notifier := testEngine(t)
	callID := seedSession(reg)
	ctx := context.Background()

	ev := domain.StatusEvent{
		CallID:    callID,
		RawStatus: "completed",
		Duration:  30 * time.Second,
		Sequence:  "7",
		Timestamp: "1767268800",
	}
	r := e.ApplyStatus(ctx, ev)
	if !r.Applied {
		t.Fatal("first delivery should apply")
	}
	for i := 0; i < 3; i++ {
		r = e.ApplyStatus(ctx, ev)
		if r.Applied {
			t.Fatal("redelivery inside the dedupe window must be a no-op")
		}
	}
	if notifier.count() != 1 {
		t.Fatalf("expected exactly one notification, got %d", notifier.count())
	}
}

func TestTerminalStateBlocksFurtherTransitions(t *testing.T) {
	e, reg, _, _ := testEngine(t)
	callID := seedSession(reg)
	ctx := context.Background()

	e.ApplyStatus(ctx, domain.StatusEvent{CallID: callID, RawStatus: "busy"})

	r := e.ApplyStatus(ctx, domain.StatusEvent{CallID: callID, RawStatus: "ringing", Sequence: "9"})
	if r.Applied {
		t.Fatal("ranked status over terminal state must be ignored")
	}

	// The single allowed terminal upgrade: completed over a terminal
	// misclassification.
	r = e.ApplyStatus(ctx, domain.StatusEvent{CallID: callID, RawStatus: "completed", Duration: time.Minute, AnsweredBy: "human"})
	if !r.Applied || r.FinalStatus != domain.CallStatusCompleted {
		t.Fatalf("completed upgrade over busy should apply, got %+v", r)
	}

	// But nothing upgrades out of completed.
	r = e.ApplyStatus(ctx, domain.StatusEvent{CallID: callID, RawStatus: "completed", Sequence: "11"})
	if r.Applied {
		t.Fatal("completed over completed must be ignored")
	}
}

func TestUnrankedStatusAlwaysApplies(t *testing.T) {
	e, reg, _, _ := testEngine(t)
	callID := seedSession(reg)
	ctx := context.Background()

	e.ApplyStatus(ctx, domain.StatusEvent{CallID: callID, RawStatus: "failed"})

	// Preserved quirk: an unknown status string lands even over a
	// terminal state.
	r := e.ApplyStatus(ctx, domain.StatusEvent{CallID: callID, RawStatus: "bridged"})
	if !r.Applied || r.FinalStatus != domain.CallStatus("bridged") {
		t.Fatalf("unranked status should apply, got %+v", r)
	}
}

func TestShortCompletedCallReclassifiedToNoAnswer(t *testing.T) {
	e, reg, _, _ := testEngine(t)
	callID := seedSession(reg)
	ctx := context.Background()

	r := e.ApplyStatus(ctx, domain.StatusEvent{
		CallID:    callID,
		RawStatus: "completed",
		Duration:  3 * time.Second,
	})
	if !r.Applied || r.FinalStatus != domain.CallStatusNoAnswer {
		t.Fatalf("short unanswered completion should reclassify to no-answer, got %+v", r)
	}
}

func TestShortCompletedCallKeptWhenAnswerEvidenceExists(t *testing.T) {
	e, reg, _, _ := testEngine(t)
	callID := seedSession(reg)
	ctx := context.Background()

	// Media was observed on the stream binding.
	s, _ := reg.Get(callID)
	s.Stream = &domain.StreamBinding{FirstMediaSeenAt: time.Now()}

	r := e.ApplyStatus(ctx, domain.StatusEvent{
		CallID:    callID,
		RawStatus: "completed",
		Duration:  3 * time.Second,
	})
	if !r.Applied || r.FinalStatus != domain.CallStatusCompleted {
		t.Fatalf("media evidence should block reclassification, got %+v", r)
	}
}

func TestAnsweringMachineAlwaysNoAnswer(t *testing.T) {
	e, reg, _, _ := testEngine(t)
	callID := seedSession(reg)
	ctx := context.Background()

	r := e.ApplyStatus(ctx, domain.StatusEvent{
		CallID:     callID,
		RawStatus:  "completed",
		Duration:   2 * time.Minute,
		AnsweredBy: "machine_start",
	})
	if !r.Applied || r.FinalStatus != domain.CallStatusNoAnswer {
		t.Fatalf("machine answer should reclassify regardless of duration, got %+v", r)
	}
}

func TestTerminalStatusSchedulesCleanup(t *testing.T) {
	e, reg, sched, _ := testEngine(t)
	callID := seedSession(reg)
	ctx := context.Background()

	e.ApplyStatus(ctx, domain.StatusEvent{CallID: callID, RawStatus: "failed"})
	if _, ok := reg.Get(callID); !ok {
		t.Fatal("session should survive until the cleanup delay elapses")
	}

	sched.Advance(10*time.Minute + time.Second)
	if _, ok := reg.Get(callID); ok {
		t.Fatal("session should be purged after the cleanup delay")
	}
	if e.dedupe.Len() != 0 {
		t.Fatalf("dedupe entries should be forgotten, %d left", e.dedupe.Len())
	}
}

func TestSessionCreatedOnFirstSignalAndResolvedByVendorID(t *testing.T) {
	e, reg, _, _ := testEngine(t)
	ctx := context.Background()

	r := e.ApplyStatus(ctx, domain.StatusEvent{
		ProviderCallID: "CA-first",
		Provider:       domain.ProviderB,
		RawStatus:      "ringing",
	})
	if !r.Applied {
		t.Fatalf("first signal should create a session and apply, got %+v", r)
	}

	s, ok := reg.Resolve("CA-first")
	if !ok {
		t.Fatal("session should be resolvable by vendor call id")
	}
	if s.Status != domain.CallStatusRinging {
		t.Fatalf("expected ringing, got %s", s.Status)
	}

	// Subsequent events correlate to the same session.
	e.ApplyStatus(ctx, domain.StatusEvent{ProviderCallID: "CA-first", RawStatus: "answered"})
	if s.Status != domain.CallStatusAnswered {
		t.Fatalf("expected answered, got %s", s.Status)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected a single session, got %d", reg.Len())
	}
}

func TestNormalizeStatusVariants(t *testing.T) {
	cases := map[string]domain.CallStatus{
		"In_Progress": domain.CallStatusInProgress,
		"no_answer":   domain.CallStatusNoAnswer,
		"cancelled":   domain.CallStatusCanceled,
		"RINGING":     domain.CallStatusRinging,
		"bridged":     domain.CallStatus("bridged"),
	}
	for raw, want := range cases {
		if got := NormalizeStatus(raw); got != want {
			t.Errorf("NormalizeStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}
