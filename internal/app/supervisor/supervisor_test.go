package supervisor

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jerryw02/glucobridge/internal/adapters/queue"
	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

const retryDelay = 5 * time.Second

type harness struct {
	sup   *Supervisor
	tr    *fakeTransport
	clock *manualClock
	q     *queue.EventQueue
	audit *spyAudit
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		tr:    &fakeTransport{},
		clock: newManualClock(),
		q:     queue.NewEventQueue(1024),
		audit: &spyAudit{},
	}
	var n int
	opts = append([]Option{
		WithClock(h.clock),
		WithAudit(h.audit),
		WithHandleFunc(func() string { n++; return fmt.Sprintf("handle-%d", n) }),
	}, opts...)
	sup, err := New(h.tr, h.q, opts...)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	h.sup = sup
	t.Cleanup(sup.Stop)
	return h
}

func testConfig() domain.BridgeConfig {
	return domain.BridgeConfig{
		Target: domain.TargetIdentity{
			Package:   domain.DefaultTargetPackage,
			Component: domain.DefaultTargetComponent,
		},
		RetryDelay:  retryDelay,
		BindTimeout: 30 * time.Second,
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.sup.Start(testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

// stop calls Stop and waits for the background release to reach the transport.
func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.sup.Stop()
	h.waitReleased(t)
}

func (h *harness) waitReleased(t *testing.T) {
	t.Helper()
	h.sup.mu.Lock()
	pending := h.sup.releasing
	h.sup.mu.Unlock()
	if pending == nil {
		return
	}
	select {
	case <-pending:
	case <-time.After(2 * time.Second):
		t.Fatal("release did not finish")
	}
}

func (h *harness) drain() []string {
	var out []string
	for _, ev := range h.q.DequeueBatch(0) {
		out = append(out, ev.String())
	}
	return out
}

func (h *harness) retryTimers() int {
	return len(h.clock.armedWithDelay(retryDelay))
}

func expectEvents(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected events:\n got: %v\nwant: %v", got, want)
	}
}

func TestReadingsThenDisconnectScenario(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	ep := h.tr.connect()
	base := time.Date(2024, 3, 1, 7, 55, 0, 0, time.UTC)
	for i, v := range []float64{120, 118, 121} {
		ep.push(payload(v, base.Add(time.Duration(i)*5*time.Minute), "Flat"))
	}
	disconnectedAt := h.clock.Now()
	h.tr.disconnect()

	expectEvents(t, h.drain(),
		"Connected", "Reading(120)", "Reading(118)", "Reading(121)", "Disconnected(remote-disconnected)")

	state := h.sup.State()
	if state.Kind != domain.StateRetryScheduled {
		t.Fatalf("expected RetryScheduled, got %s", state)
	}
	if !state.RetryAt.Equal(disconnectedAt.Add(retryDelay)) {
		t.Fatalf("expected retry at %s, got %s", disconnectedAt.Add(retryDelay), state.RetryAt)
	}

	h.clock.Advance(retryDelay - time.Millisecond)
	if got := h.tr.bindCount(); got != 1 {
		t.Fatalf("retry fired before retry delay elapsed: %d binds", got)
	}
	h.clock.Advance(time.Millisecond)
	if got := h.tr.bindCount(); got != 2 {
		t.Fatalf("expected retry bind after delay, got %d binds", got)
	}
	if got := h.sup.State().Kind; got != domain.StateBinding {
		t.Fatalf("expected Binding after retry, got %s", got)
	}
}

func TestRegistrationFailureSchedulesRetryWithoutConnected(t *testing.T) {
	h := newHarness(t)
	h.tr.registerErr = errors.New("RemoteException: service gone")
	h.start(t)

	ep := h.tr.connect()
	if ep.registers != 1 {
		t.Fatalf("expected one registration attempt, got %d", ep.registers)
	}

	expectEvents(t, h.drain(), "Error(registration-failed)", "Disconnected(registration-failed)")

	if got := h.sup.State().Kind; got != domain.StateRetryScheduled {
		t.Fatalf("expected RetryScheduled, got %s", got)
	}
	if h.retryTimers() != 1 {
		t.Fatalf("expected one retry timer, got %d", h.retryTimers())
	}
	if h.tr.unbindCount() != 1 {
		t.Fatalf("expected binding to be released, got %d unbinds", h.tr.unbindCount())
	}

	var sawFailedState bool
	for _, tr := range h.audit.transitions {
		if tr.To.Kind == domain.StateCallbackRegistered {
			t.Fatalf("registration never succeeded but CallbackRegistered was entered")
		}
		if tr.To.Kind == domain.StateDisconnected && tr.To.Reason == domain.ReasonRegistrationFailed {
			sawFailedState = true
		}
	}
	if !sawFailedState {
		t.Fatalf("expected Disconnected(registration-failed) transition")
	}

	// A disconnect after the failed registration must not arm a second timer.
	h.tr.disconnect()
	if h.retryTimers() != 1 {
		t.Fatalf("expected still one retry timer, got %d", h.retryTimers())
	}
}

func TestDoubleDisconnectArmsSingleRetry(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.tr.connect()

	h.tr.disconnect()
	h.tr.lastListener().OnDisconnected(errors.New("again"))

	if h.retryTimers() != 1 {
		t.Fatalf("expected exactly one retry timer, got %d", h.retryTimers())
	}
	expectEvents(t, h.drain(), "Connected", "Disconnected(remote-disconnected)")

	h.clock.Advance(retryDelay)
	if got := h.tr.bindCount(); got != 2 {
		t.Fatalf("expected exactly one rebind, got %d binds", got)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.start(t)

	if got := h.tr.bindCount(); got != 1 {
		t.Fatalf("expected one bind attempt, got %d", got)
	}
	if got := h.sup.Stats().BindAttempts; got != 1 {
		t.Fatalf("expected stats to report one bind attempt, got %d", got)
	}
}

func TestStartRejectsInvalidTarget(t *testing.T) {
	h := newHarness(t)

	cfg := testConfig()
	cfg.Target.Component = ""
	err := h.sup.Start(cfg)
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if h.tr.bindCount() != 0 || h.sup.Running() {
		t.Fatalf("supervisor must not bind with an invalid config")
	}
	if got := h.sup.State().Kind; got != domain.StateIdle {
		t.Fatalf("expected Idle, got %s", got)
	}

	cfg.Target.Component = "com.example Service"
	if err := h.sup.Start(cfg); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected whitespace target to be rejected, got %v", err)
	}

	h.start(t)
	if h.tr.bindCount() != 1 {
		t.Fatalf("expected bind after corrected config, got %d", h.tr.bindCount())
	}
}

func TestStopCancelsRetryAtTheBoundary(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.tr.connect()
	h.tr.disconnect()

	timers := h.clock.armedWithDelay(retryDelay)
	if len(timers) != 1 {
		t.Fatalf("expected a retry timer, got %d", len(timers))
	}

	h.stop(t)
	// The timer callback was already on its way when Stop ran.
	timers[0].fn()
	h.clock.Advance(time.Minute)

	if got := h.tr.bindCount(); got != 1 {
		t.Fatalf("expected no rebind after Stop, got %d binds", got)
	}
	if got := h.sup.State().Kind; got != domain.StateIdle {
		t.Fatalf("expected Idle after Stop, got %s", got)
	}
	if len(h.clock.armed()) != 0 {
		t.Fatalf("expected no armed timers after Stop")
	}
}

func TestStopUnregistersAndUnbinds(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ep := h.tr.connect()

	h.stop(t)

	if ep.unregisters != 1 || ep.registeredCount() != 0 {
		t.Fatalf("expected callback to be unregistered, unregisters=%d registered=%d", ep.unregisters, ep.registeredCount())
	}
	if h.tr.unbindCount() != 1 {
		t.Fatalf("expected one unbind, got %d", h.tr.unbindCount())
	}
	expectEvents(t, h.drain(), "Connected", "Disconnected(stopped)")

	h.stop(t)
	if h.tr.unbindCount() != 1 || ep.unregisters != 1 {
		t.Fatalf("second Stop must be a no-op")
	}

	ep.push(payload(130, h.clock.Now(), ""))
	if got := h.drain(); len(got) != 0 {
		t.Fatalf("expected no events after Stop, got %v", got)
	}
}

func TestStopToleratesUnregisterFailure(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ep := h.tr.connect()
	ep.mu.Lock()
	ep.unregisterErr = errors.New("DeadObjectException")
	ep.mu.Unlock()

	h.stop(t)

	if h.tr.unbindCount() != 1 {
		t.Fatalf("expected unbind despite unregister failure, got %d", h.tr.unbindCount())
	}
	if got := h.sup.State().Kind; got != domain.StateIdle {
		t.Fatalf("expected Idle, got %s", got)
	}
}

func TestStopDoesNotWaitForStalledUnregister(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ep := h.tr.connect()
	gate := make(chan struct{})
	ep.mu.Lock()
	ep.unregisterGate = gate
	ep.mu.Unlock()

	returned := make(chan struct{})
	go func() {
		h.sup.Stop()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(500 * time.Millisecond):
		close(gate)
		t.Fatal("Stop blocked on a stalled unregister")
	}

	if got := h.sup.State().Kind; got != domain.StateIdle {
		t.Fatalf("expected Idle while the release is pending, got %s", got)
	}
	expectEvents(t, h.drain(), "Connected", "Disconnected(stopped)")
	if h.tr.unbindCount() != 0 {
		t.Fatalf("unbind must wait for the stalled unregister")
	}

	close(gate)
	h.waitReleased(t)
	if h.tr.unbindCount() != 1 || ep.registeredCount() != 0 {
		t.Fatalf("expected unregister and unbind after the remote answered, unbinds=%d registered=%d",
			h.tr.unbindCount(), ep.registeredCount())
	}
}

func TestStartDuringStalledReleaseBindsAfterUnbind(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ep := h.tr.connect()
	gate := make(chan struct{})
	ep.mu.Lock()
	ep.unregisterGate = gate
	ep.mu.Unlock()

	h.sup.Stop()

	returned := make(chan error, 1)
	go func() { returned <- h.sup.Start(testConfig()) }()
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		close(gate)
		t.Fatal("Start blocked behind a stalled release")
	}
	if got := h.sup.State().Kind; got != domain.StateBinding {
		t.Fatalf("expected Binding, got %s", got)
	}
	if got := h.tr.bindCount(); got != 1 {
		t.Fatalf("bind must wait for the previous release, got %d binds", got)
	}

	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for h.tr.bindCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("deferred bind never issued, calls=%s", h.tr.callLog())
		}
		time.Sleep(time.Millisecond)
	}
	if got := h.tr.callLog(); got != "bind,unbind,bind" {
		t.Fatalf("transport calls out of order: %s", got)
	}

	h.tr.connect()
	if got := h.sup.State().Kind; got != domain.StateCallbackRegistered {
		t.Fatalf("expected CallbackRegistered after the deferred bind, got %s", got)
	}
}

func TestLateUnregisterFailureIsLogged(t *testing.T) {
	obs := &spyObs{}
	h := newHarness(t, WithObservability(obs))
	h.tr.onRegister = func(ports.ReadingCallback) {
		h.sup.Stop()
		h.tr.disconnect()
	}
	h.start(t)
	h.tr.connect()
	h.waitReleased(t)

	if got := obs.debugCount("late_unregister_failed"); got != 1 {
		t.Fatalf("expected one late_unregister_failed debug log, got %d", got)
	}
	if got := h.sup.State().Kind; got != domain.StateIdle {
		t.Fatalf("expected Idle, got %s", got)
	}
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.stop(t)
	h.start(t)

	if got := h.tr.bindCount(); got != 2 {
		t.Fatalf("expected a fresh bind after restart, got %d", got)
	}
	h.tr.connect()
	if got := h.sup.State().Kind; got != domain.StateCallbackRegistered {
		t.Fatalf("expected CallbackRegistered, got %s", got)
	}
}

func TestMalformedPayloadsAreDropped(t *testing.T) {
	ts := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	v := 110.0

	cases := []struct {
		name      string
		payload   *ports.RawPayload
		wantEvent bool
	}{
		{name: "nil payload", payload: nil},
		{name: "missing value", payload: &ports.RawPayload{Timestamp: &ts}, wantEvent: true},
		{name: "missing timestamp", payload: &ports.RawPayload{Value: &v}, wantEvent: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.start(t)
			ep := h.tr.connect()
			h.drain()

			before := h.sup.Stats().MalformedPayloads
			ep.push(tc.payload)
			after := h.sup.Stats().MalformedPayloads

			if after-before != 1 {
				t.Fatalf("expected malformed counter to grow by 1, grew by %d", after-before)
			}
			events := h.q.DequeueBatch(0)
			for _, ev := range events {
				if ev.Kind == domain.EventReading {
					t.Fatalf("malformed payload produced a reading: %v", ev)
				}
			}
			if tc.wantEvent && (len(events) != 1 || events[0].Kind != domain.EventMalformed) {
				t.Fatalf("expected one Malformed event, got %v", events)
			}
			if !tc.wantEvent && len(events) != 0 {
				t.Fatalf("expected nil payload to be silent, got %v", events)
			}
		})
	}
}

func TestTrendDegradesToUnknown(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ep := h.tr.connect()
	h.drain()

	ep.push(payload(140, h.clock.Now(), ""))
	ep.push(payload(141, h.clock.Now(), "fortyFiveUp"))

	events := h.q.DequeueBatch(0)
	if len(events) != 2 {
		t.Fatalf("expected two readings, got %v", events)
	}
	if events[0].Reading.Trend != domain.TrendUnknown {
		t.Fatalf("expected Unknown trend, got %s", events[0].Reading.Trend)
	}
	if events[1].Reading.Trend != domain.TrendFortyFiveUp {
		t.Fatalf("expected FortyFiveUp trend, got %s", events[1].Reading.Trend)
	}
	if events[0].Reading.ReceivedAt != h.clock.Now() {
		t.Fatalf("expected receivedAt to come from the clock")
	}
}

func TestOrderingAcrossReconnect(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	ep := h.tr.connect()
	ep.push(payload(100, h.clock.Now(), ""))
	ep.push(payload(101, h.clock.Now(), ""))
	h.tr.disconnect()
	h.clock.Advance(retryDelay)
	ep2 := h.tr.connect()
	ep2.push(payload(102, h.clock.Now(), ""))

	events := h.q.DequeueBatch(0)
	var got []string
	var seqs []uint64
	for _, ev := range events {
		got = append(got, ev.String())
		if ev.Reading != nil {
			seqs = append(seqs, ev.Reading.Seq)
		}
	}
	expectEvents(t, got,
		"Connected", "Reading(100)", "Reading(101)", "Disconnected(remote-disconnected)", "Connected", "Reading(102)")
	if fmt.Sprint(seqs) != "[1 2 3]" {
		t.Fatalf("expected receipt sequence 1..3, got %v", seqs)
	}
}

func TestConcurrentPushesKeepOrderAndStopAtDisconnect(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ep := h.tr.connect()

	const n = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			ep.push(payload(float64(i), h.clock.Now(), ""))
		}
	}()
	time.Sleep(time.Millisecond)
	h.tr.disconnect()
	wg.Wait()

	events := h.q.DequeueBatch(0)
	if len(events) < 2 || events[0].Kind != domain.EventConnected {
		t.Fatalf("expected Connected first, got %v", events)
	}
	last := -1.0
	disconnected := false
	for _, ev := range events[1:] {
		switch ev.Kind {
		case domain.EventReading:
			if disconnected {
				t.Fatalf("reading observed after Disconnected")
			}
			if ev.Reading.Value <= last {
				t.Fatalf("readings out of order: %v after %v", ev.Reading.Value, last)
			}
			last = ev.Reading.Value
		case domain.EventDisconnected:
			disconnected = true
		}
	}
	if !disconnected {
		t.Fatalf("expected Disconnected event")
	}
}

func TestRandomNotificationsNeverDoubleRegister(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	rng := rand.New(rand.NewSource(7))

	for step := 0; step < 2000; step++ {
		switch rng.Intn(6) {
		case 0, 1:
			h.tr.connect()
		case 2:
			h.tr.disconnect()
		case 3:
			// connect delivered on an arbitrary, possibly stale, bind
			h.tr.connectOn(rng.Intn(h.tr.bindCount()))
		case 4:
			h.clock.Advance(time.Duration(rng.Intn(7)) * time.Second)
		case 5:
			h.tr.mu.Lock()
			eps := h.tr.endpoints
			h.tr.mu.Unlock()
			if len(eps) > 0 {
				eps[len(eps)-1].push(payload(float64(step), h.clock.Now(), ""))
			}
		}

		if got := h.tr.outstanding(); got > 1 {
			t.Fatalf("step %d: %d callback registrations outstanding", step, got)
		}
		if got := h.retryTimers(); got > 1 {
			t.Fatalf("step %d: %d retry timers armed", step, got)
		}
	}
}

func TestStaleConnectIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.tr.disconnect()
	h.clock.Advance(retryDelay)
	if h.tr.bindCount() != 2 {
		t.Fatalf("expected second bind, got %d", h.tr.bindCount())
	}

	stale := &fakeEndpoint{}
	h.tr.listener(0).OnConnected(stale)
	if stale.registers != 0 {
		t.Fatalf("stale connect must not register a callback")
	}
	if got := h.sup.State().Kind; got != domain.StateBinding {
		t.Fatalf("expected Binding, got %s", got)
	}
}

func TestBindErrorRoutesToRetry(t *testing.T) {
	h := newHarness(t)
	h.tr.bindErr = errors.New("SecurityException: permission denied")
	h.start(t)

	expectEvents(t, h.drain(), "Error(bind-failed)", "Disconnected(bind-failed)")
	if got := h.sup.State().Kind; got != domain.StateRetryScheduled {
		t.Fatalf("expected RetryScheduled, got %s", got)
	}

	h.clock.Advance(retryDelay)
	if got := h.tr.bindCount(); got != 2 {
		t.Fatalf("expected retry bind, got %d", got)
	}
}

func TestTransportPanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	h.tr.bindPanic = true
	h.start(t)

	events := h.q.DequeueBatch(0)
	if len(events) == 0 || events[0].Kind != domain.EventError {
		t.Fatalf("expected Error event, got %v", events)
	}
	if !strings.Contains(events[0].Err.Error(), "transport panic") {
		t.Fatalf("expected panic to be reported, got %v", events[0].Err)
	}
	if got := h.sup.State().Kind; got != domain.StateRetryScheduled {
		t.Fatalf("expected RetryScheduled, got %s", got)
	}
}

func TestBindTimeout(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.clock.Advance(30 * time.Second)

	expectEvents(t, h.drain(), "Error(bind-timeout)", "Disconnected(bind-timeout)")
	if got := h.sup.State().Kind; got != domain.StateRetryScheduled {
		t.Fatalf("expected RetryScheduled, got %s", got)
	}
	if h.tr.unbindCount() != 1 {
		t.Fatalf("expected timed out bind to be released")
	}

	late := &fakeEndpoint{}
	h.tr.listener(0).OnConnected(late)
	if late.registers != 0 {
		t.Fatalf("late connect after timeout must be ignored")
	}
}

func TestReadingsDuringRegistrationFollowConnected(t *testing.T) {
	h := newHarness(t)
	ts := time.Date(2024, 3, 1, 7, 59, 0, 0, time.UTC)
	h.tr.onRegister = func(cb ports.ReadingCallback) {
		cb.OnNewReading(payload(99, ts, "Flat"))
	}
	h.start(t)
	h.tr.connect()

	expectEvents(t, h.drain(), "Connected", "Reading(99)")
}

func TestAuditMirrorsReadingsAndTransitions(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ep := h.tr.connect()
	ep.push(payload(120, h.clock.Now(), "Flat"))

	h.audit.mu.Lock()
	defer h.audit.mu.Unlock()
	if len(h.audit.readings) != 1 || h.audit.readings[0].Value != 120 {
		t.Fatalf("expected audited reading, got %v", h.audit.readings)
	}
	var states []string
	for _, tr := range h.audit.transitions {
		states = append(states, tr.To.Kind.String())
	}
	if strings.Join(states, ",") != "Binding,Bound,CallbackRegistered" {
		t.Fatalf("unexpected audited transitions: %v", states)
	}
}

func TestIndependentSupervisors(t *testing.T) {
	a := newHarness(t)
	b := newHarness(t)
	a.start(t)

	if b.tr.bindCount() != 0 || b.sup.State().Kind != domain.StateIdle {
		t.Fatalf("starting one supervisor affected another")
	}
}
