package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/lifecycle"
	"github.com/acme/call-orchestrator/internal/provider"
	"github.com/acme/call-orchestrator/internal/provider/mock"
	"github.com/acme/call-orchestrator/internal/registry"
	"github.com/acme/call-orchestrator/pkg/logger"
)

type fakeConn struct {
	mu      sync.Mutex
	id      string
	reasons []string
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
	return nil
}

func (c *fakeConn) closeReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reasons...)
}

type fakeJobs struct {
	mu        sync.Mutex
	scheduled []ReconnectPayload
	runAts    []time.Time
}

func (f *fakeJobs) Schedule(_ context.Context, jobType domain.JobType, payload json.RawMessage, runAt time.Time) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobType != domain.JobTypeStreamReconnect {
		return uuid.Nil, nil
	}
	var p ReconnectPayload
	_ = json.Unmarshal(payload, &p)
	f.scheduled = append(f.scheduled, p)
	f.runAts = append(f.runAts, runAt)
	return uuid.New(), nil
}

func (f *fakeJobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scheduled)
}

type supervisorFixture struct {
	sup     *Supervisor
	reg     *registry.Registry
	sched   *registry.ManualScheduler
	jobs    *fakeJobs
	adapter *mock.Adapter
	engine  *lifecycle.Engine
}

func newFixture(t *testing.T) *supervisorFixture {
	t.Helper()
	sched := registry.NewManualScheduler(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	reg := registry.New(sched)
	lg, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	lcCfg := config.LifecycleConfig{
		DedupeWindow:       3 * time.Second,
		DedupeMaxEntries:   1024,
		CleanupDelay:       10 * time.Minute,
		ShortCallThreshold: 6 * time.Second,
	}
	engine := lifecycle.NewEngine(reg, lcCfg, lifecycle.NoopNotifier{}, lifecycle.NoopStore{}, lg)

	adapter := mock.NewAdapter(domain.ProviderA, []domain.Capability{
		domain.CapabilityMediaStream, domain.CapabilityDigitGather,
	})
	health := provider.NewHealthRegistry(sched, lg, 120*time.Second, 3, 300*time.Second)
	sel := provider.NewSelector([]provider.OutboundCallAdapter{adapter}, health, provider.NoopOverrides{}, true, lg)

	jobs := &fakeJobs{}
	cfg := config.StreamConfig{
		TickInterval:          5 * time.Second,
		FirstMediaTimeout:     8 * time.Second,
		NoMediaWarning:        15 * time.Second,
		NoMediaEscalation:     45 * time.Second,
		SpeechStallWarning:    20 * time.Second,
		SpeechStallEscalation: 60 * time.Second,
		ReconnectMaxAttempts:  3,
		ReconnectBaseDelay:    2 * time.Second,
		ReconnectMaxDelay:     30 * time.Second,
	}
	return &supervisorFixture{
		sup:     NewSupervisor(reg, engine, sel, jobs, cfg, lg),
		reg:     reg,
		sched:   sched,
		jobs:    jobs,
		adapter: adapter,
		engine:  engine,
	}
}

func (f *supervisorFixture) newCall(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.reg.Put(&domain.CallSession{
		CallID:         id,
		Provider:       domain.ProviderA,
		Status:         domain.CallStatusInProgress,
		ProviderCallID: "vendor-" + id.String()[:8],
		CreatedAt:      f.sched.Now(),
	})
	return id
}

func TestBindStreamReplacesPreviousConnection(t *testing.T) {
	f := newFixture(t)
	callID := f.newCall(t)

	first := &fakeConn{id: "conn-1"}
	second := &fakeConn{id: "conn-2"}

	f.sup.BindStream(callID, first)
	f.sup.BindStream(callID, second)

	reasons := first.closeReasons()
	if len(reasons) != 1 || reasons[0] != ReasonReplaced {
		t.Fatalf("first connection close reasons = %v, want [replaced]", reasons)
	}
	if got, ok := f.sup.Connection(callID); !ok || got.ID() != "conn-2" {
		t.Fatalf("active connection = %v, want conn-2", got)
	}
	if len(second.closeReasons()) != 0 {
		t.Fatalf("second connection should stay open, got closes %v", second.closeReasons())
	}
}

func TestFirstMediaWatchdogSchedulesReconnect(t *testing.T) {
	f := newFixture(t)
	callID := f.newCall(t)
	f.sup.BindStream(callID, &fakeConn{id: "conn"})

	f.sched.Advance(8*time.Second + time.Millisecond)

	if f.jobs.count() != 1 {
		t.Fatalf("reconnect jobs = %d, want 1", f.jobs.count())
	}
	if f.jobs.scheduled[0].Reason != ReasonFirstMediaTimeout {
		t.Fatalf("reason = %q, want %q", f.jobs.scheduled[0].Reason, ReasonFirstMediaTimeout)
	}
	if f.jobs.scheduled[0].Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", f.jobs.scheduled[0].Attempt)
	}
	// The call must survive a first-media timeout.
	if f.reg.Ending(callID) {
		t.Fatal("call should not be ending after a first-media timeout")
	}
}

func TestFirstMediaCancelsWatchdog(t *testing.T) {
	f := newFixture(t)
	callID := f.newCall(t)
	f.sup.BindStream(callID, &fakeConn{id: "conn"})

	f.sched.Advance(3 * time.Second)
	f.sup.OnMediaReceived(callID)
	f.sched.Advance(10 * time.Second)

	if f.jobs.count() != 0 {
		t.Fatalf("reconnect jobs = %d, want 0 after media arrived", f.jobs.count())
	}
	session, _ := f.reg.Get(callID)
	if session.Stream == nil || !session.Stream.MediaSeen() {
		t.Fatal("binding should record first media")
	}
}

func TestNoMediaStallWarnsOncePerEpisode(t *testing.T) {
	f := newFixture(t)
	callID := f.newCall(t)
	f.sup.BindStream(callID, &fakeConn{id: "conn"})
	f.sup.OnMediaReceived(callID)

	ctx := context.Background()
	f.sched.Advance(16 * time.Second)
	f.sup.Tick(ctx)
	f.sup.Tick(ctx)
	f.sup.Tick(ctx)

	if f.jobs.count() != 1 {
		t.Fatalf("reconnect jobs = %d, want exactly 1 per stall episode", f.jobs.count())
	}

	// New media resolves the episode; a later stall fires again.
	f.sup.OnMediaReceived(callID)
	f.sched.Advance(16 * time.Second)
	f.sup.Tick(ctx)
	if f.jobs.count() != 2 {
		t.Fatalf("reconnect jobs = %d, want 2 after a second episode", f.jobs.count())
	}
}

func TestNoMediaEscalationSpeaksApologyAndEndsCall(t *testing.T) {
	f := newFixture(t)
	callID := f.newCall(t)
	conn := &fakeConn{id: "conn"}
	f.sup.BindStream(callID, conn)
	f.sup.OnMediaReceived(callID)

	ctx := context.Background()
	f.sched.Advance(16 * time.Second)
	f.sup.Tick(ctx) // warn stage: recovery attempt
	f.sched.Advance(30 * time.Second)
	f.sup.Tick(ctx) // escalation

	session, ok := f.reg.Get(callID)
	if !ok {
		t.Fatal("session should remain until cleanup delay elapses")
	}
	if session.Status != domain.CallStatusFailed {
		t.Fatalf("status = %s, want failed", session.Status)
	}
	if !session.Ending {
		t.Fatal("ending lock should be held after escalation")
	}
	if len(conn.closeReasons()) == 0 {
		t.Fatal("connection should be closed on escalation")
	}
	if len(f.adapter.Spoken) != 1 {
		t.Fatalf("apologies spoken = %d, want 1", len(f.adapter.Spoken))
	}
	// SpeakAndHangup disconnects the vendor leg; no second hangup call.
	if len(f.adapter.Hangups) != 1 {
		t.Fatalf("provider hangups = %d, want 1", len(f.adapter.Hangups))
	}
}

func TestDelayedTickWarnsBeforeEscalating(t *testing.T) {
	f := newFixture(t)
	callID := f.newCall(t)
	f.sup.BindStream(callID, &fakeConn{id: "conn"})
	f.sup.OnMediaReceived(callID)

	// A single late pass crossing both thresholds must still try the
	// recovery path before giving up on the call.
	ctx := context.Background()
	f.sched.Advance(46 * time.Second)
	f.sup.Tick(ctx)

	if f.jobs.count() != 1 {
		t.Fatalf("reconnect jobs = %d, want 1 from the warn stage", f.jobs.count())
	}
	if f.reg.Ending(callID) {
		t.Fatal("call must not be ended on the same pass that warned")
	}
	if len(f.adapter.Spoken) != 0 {
		t.Fatalf("apologies spoken = %d, want 0 before escalation", len(f.adapter.Spoken))
	}

	f.sup.Tick(ctx)
	if !f.reg.Ending(callID) {
		t.Fatal("second pass past the escalation threshold should end the call")
	}
	if len(f.adapter.Spoken) != 1 {
		t.Fatalf("apologies spoken = %d, want 1 after escalation", len(f.adapter.Spoken))
	}
}

func TestSpeechStallSwitchesToKeypad(t *testing.T) {
	f := newFixture(t)
	callID := f.newCall(t)
	f.sup.BindStream(callID, &fakeConn{id: "conn"})
	f.sup.OnMediaReceived(callID)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.sched.Advance(5 * time.Second)
		f.sup.OnMediaReceived(callID) // media keeps flowing, speech does not
		f.sup.Tick(ctx)
	}

	if len(f.adapter.Gathered) != 1 {
		t.Fatalf("digit gather activations = %d, want 1", len(f.adapter.Gathered))
	}
	if f.reg.Ending(callID) {
		t.Fatal("keypad fallback must not end the call")
	}
}

func TestSpeechRecoveryResetsStallEpisode(t *testing.T) {
	f := newFixture(t)
	callID := f.newCall(t)
	f.sup.BindStream(callID, &fakeConn{id: "conn"})
	f.sup.OnMediaReceived(callID)

	ctx := context.Background()
	f.sched.Advance(21 * time.Second)
	f.sup.OnMediaReceived(callID)
	f.sup.Tick(ctx)
	if len(f.adapter.Gathered) != 1 {
		t.Fatalf("gather activations = %d, want 1", len(f.adapter.Gathered))
	}

	f.sup.OnSpeechRecognized(callID)
	f.sched.Advance(21 * time.Second)
	f.sup.OnMediaReceived(callID)
	f.sup.Tick(ctx)
	if len(f.adapter.Gathered) != 2 {
		t.Fatalf("gather activations = %d, want 2 after speech resumed and stalled again", len(f.adapter.Gathered))
	}
}

func TestSpeechEscalationSpeaksApologyAndEndsCall(t *testing.T) {
	f := newFixture(t)
	callID := f.newCall(t)
	f.sup.BindStream(callID, &fakeConn{id: "conn"})
	f.sup.OnMediaReceived(callID)

	ctx := context.Background()
	f.sched.Advance(21 * time.Second)
	f.sup.OnMediaReceived(callID) // media keeps flowing, speech does not
	f.sup.Tick(ctx)
	if len(f.adapter.Gathered) != 1 {
		t.Fatalf("gather activations = %d, want 1 at the warn stage", len(f.adapter.Gathered))
	}

	f.sched.Advance(40 * time.Second)
	f.sup.OnMediaReceived(callID)
	f.sup.Tick(ctx)

	if !f.reg.Ending(callID) {
		t.Fatal("call should be ending after speech stall escalation")
	}
	if len(f.adapter.Spoken) != 1 {
		t.Fatalf("apologies spoken = %d, want 1", len(f.adapter.Spoken))
	}
	session, _ := f.reg.Get(callID)
	if session.Status != domain.CallStatusFailed {
		t.Fatalf("status = %s, want failed", session.Status)
	}
}

func TestReconnectAttemptsExhaustedWithoutHangupLeavesCallConnected(t *testing.T) {
	f := newFixture(t)
	callID := f.newCall(t)
	f.sup.BindStream(callID, &fakeConn{id: "conn"})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.sup.HandleStreamTimeout(ctx, callID, ReasonNoMedia, false)
	}

	if f.jobs.count() != 3 {
		t.Fatalf("reconnect jobs = %d, want max 3", f.jobs.count())
	}
	if f.reg.Ending(callID) {
		t.Fatal("call must stay up when hangup is disallowed")
	}
}

func TestReconnectExhaustionWithHangupSpeaksApology(t *testing.T) {
	f := newFixture(t)
	callID := f.newCall(t)
	f.sup.BindStream(callID, &fakeConn{id: "conn"})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.sup.HandleStreamTimeout(ctx, callID, ReasonNoMedia, true)
	}
	f.sup.HandleStreamTimeout(ctx, callID, ReasonNoMedia, true)

	if len(f.adapter.Spoken) != 1 {
		t.Fatalf("apologies spoken = %d, want 1", len(f.adapter.Spoken))
	}
	if !f.reg.Ending(callID) {
		t.Fatal("call should be ending after exhausted retries with hangup allowed")
	}
	session, _ := f.reg.Get(callID)
	if session.Status != domain.CallStatusFailed {
		t.Fatalf("status = %s, want failed", session.Status)
	}
}

func TestPendingKeypadPrefersDigitGatherOverReconnect(t *testing.T) {
	f := newFixture(t)
	callID := f.newCall(t)
	f.sup.BindStream(callID, &fakeConn{id: "conn"})
	f.sup.ExpectKeypadInput(callID, true)

	f.sup.HandleStreamTimeout(context.Background(), callID, ReasonNoMedia, true)

	if len(f.adapter.Gathered) != 1 {
		t.Fatalf("gather activations = %d, want 1", len(f.adapter.Gathered))
	}
	if f.jobs.count() != 0 {
		t.Fatalf("reconnect jobs = %d, want 0 when keypad fallback succeeds", f.jobs.count())
	}
}

func TestReconnectBackoffDoublesAndCaps(t *testing.T) {
	f := newFixture(t)
	callID := f.newCall(t)
	f.sup.BindStream(callID, &fakeConn{id: "conn"})

	ctx := context.Background()
	f.sup.HandleStreamTimeout(ctx, callID, ReasonDisconnect, false)
	f.sup.HandleStreamTimeout(ctx, callID, ReasonDisconnect, false)
	f.sup.HandleStreamTimeout(ctx, callID, ReasonDisconnect, false)

	if f.jobs.count() != 3 {
		t.Fatalf("reconnect jobs = %d, want 3", f.jobs.count())
	}
	now := f.sched.Now()
	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range wantDelays {
		got := f.jobs.runAts[i].Sub(now)
		if got != want {
			t.Fatalf("attempt %d delay = %s, want %s", i+1, got, want)
		}
	}
}

func TestEndCallRunsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	callID := f.newCall(t)
	conn := &fakeConn{id: "conn"}
	f.sup.BindStream(callID, conn)

	ctx := context.Background()
	f.sup.EndCall(ctx, callID, ReasonDisconnect, domain.CallStatusFailed)
	f.sup.EndCall(ctx, callID, ReasonDisconnect, domain.CallStatusFailed)
	f.sup.OnStreamClosed(ctx, callID)

	if len(f.adapter.Hangups) != 1 {
		t.Fatalf("provider hangups = %d, want exactly 1", len(f.adapter.Hangups))
	}
	if len(conn.closeReasons()) != 1 {
		t.Fatalf("connection closes = %d, want exactly 1", len(conn.closeReasons()))
	}
}

func TestDisconnectOfUnknownCallIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.sup.OnStreamClosed(context.Background(), uuid.New())
	if f.jobs.count() != 0 {
		t.Fatalf("reconnect jobs = %d, want 0", f.jobs.count())
	}
}

func TestFrameRoundTrip(t *testing.T) {
	in := Frame{
		Event: EventStart,
		Start: &StartPayload{
			StreamSID: "ms-1",
			CallSID:   "vendor-1",
			MediaFormat: MediaFormat{
				Encoding:   "audio/x-mulaw",
				SampleRate: 8000,
				Channels:   1,
			},
			CustomParameters: map[string]string{"callId": "abc"},
		},
	}
	data, err := EncodeFrame(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Event != EventStart || out.Start == nil || out.Start.CustomParameters["callId"] != "abc" {
		t.Fatalf("round trip mismatch: %+v", out)
	}

	if _, err := DecodeFrame([]byte(`{"payload":1}`)); err == nil {
		t.Fatal("frame without event should fail to decode")
	}
	if _, err := DecodeFrame([]byte(`not json`)); err == nil {
		t.Fatal("malformed frame should fail to decode")
	}
}
