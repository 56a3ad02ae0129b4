package supervisor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jerryw02/glucobridge/internal/adapters/audit"
	"github.com/jerryw02/glucobridge/internal/adapters/observability"
	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

var errBindTimeout = errors.New("bind timed out")

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithAudit mirrors readings and transitions to a diagnostic trail.
func WithAudit(a ports.AuditSink) Option {
	return func(s *Supervisor) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithObservability plugs in logging and metrics.
func WithObservability(obs ports.Observability) Option {
	return func(s *Supervisor) {
		if obs != nil {
			s.obs = obs
		}
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithHandleFunc overrides how registration handles are generated.
func WithHandleFunc(fn func() string) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.newHandle = fn
		}
	}
}

// Stats is a point-in-time view of the counters a host can query.
type Stats struct {
	State             domain.ConnectionState
	BindAttempts      uint64
	ReadingsDelivered uint64
	MalformedPayloads uint64
	DroppedEvents     uint64
	AuditFailures     uint64
}

// Supervisor keeps one logical connection to the external process alive.
// State transitions are serialized by mu. Transport calls run outside mu;
// callMu is taken before mu is released so that bind and unbind reach the
// transport in the order they were decided. Stop leaves its transport calls
// to a release goroutine; a bind decided while one is in flight waits for it.
type Supervisor struct {
	transport ports.BindingTransport
	events    ports.EventChannel
	audit     ports.AuditSink
	obs       ports.Observability
	clock     Clock
	newHandle func() string

	readingSeq   atomic.Uint64
	malformed    atomic.Uint64
	bindAttempts atomic.Uint64

	callMu sync.Mutex

	mu          sync.Mutex
	cfg         domain.BridgeConfig
	running     bool
	state       domain.ConnectionState
	session     uint64
	retryGen    uint64
	retryTimer  Timer
	bindTimer   Timer
	bound       bool
	endpoint    ports.RemoteEndpoint
	reg         *registration
	bindStarted time.Time
	failures    int
	releasing   chan struct{}
}

func New(transport ports.BindingTransport, events ports.EventChannel, opts ...Option) (*Supervisor, error) {
	if transport == nil {
		return nil, fmt.Errorf("binding transport is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event channel is required")
	}
	s := &Supervisor{
		transport: transport,
		events:    events,
		audit:     audit.Nop{},
		obs:       observability.Nop{},
		clock:     realClock{},
		newHandle: uuid.NewString,
		state:     domain.Idle(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Start validates cfg and issues the first bind request. Calling Start on a
// running supervisor does nothing. Only configuration errors are returned.
func (s *Supervisor) Start(cfg domain.BridgeConfig) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		s.obs.LogError("start_rejected", err)
		return err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.obs.LogDebug("start_ignored", ports.Field{Key: "reason", Value: "already running"})
		return nil
	}
	s.running = true
	s.cfg = cfg
	s.failures = 0
	s.obs.LogInfo("bridge_started", ports.Field{Key: "target", Value: cfg.Target.String()})
	s.bindLocked()
	return nil
}

// Stop cancels any pending retry and returns to Idle without waiting on the
// remote: unregistering the callback and releasing the binding continue in
// the background and always reach the transport before the next bind. No
// transition happens after Stop returns unless Start is called again.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.session++
	s.retryGen++
	stopTimer(&s.retryTimer)
	stopTimer(&s.bindTimer)

	prev := s.state
	reg, ep := s.reg, s.endpoint
	s.reg, s.endpoint = nil, nil
	live := reg != nil && reg.revoke()
	bound := s.bound
	s.bound = false

	s.transitionLocked(domain.Idle())
	if prev.Kind == domain.StateCallbackRegistered || prev.Kind == domain.StateBound {
		s.events.Publish(domain.Event{
			Kind:   domain.EventDisconnected,
			State:  s.state,
			Reason: domain.ReasonStopped,
			At:     s.clock.Now(),
		})
	}

	if !live && !bound {
		s.mu.Unlock()
		s.obs.LogInfo("bridge_stopped")
		return
	}
	pending := s.releasing
	done := make(chan struct{})
	s.releasing = done
	s.mu.Unlock()

	go s.release(pending, done, reg, ep, live, bound)
	s.obs.LogInfo("bridge_stopped")
}

// release unregisters and unbinds on behalf of Stop, after any earlier
// release has finished. done is closed once the transport calls return.
func (s *Supervisor) release(prev <-chan struct{}, done chan struct{}, reg *registration, ep ports.RemoteEndpoint, live, bound bool) {
	if prev != nil {
		<-prev
	}
	s.callMu.Lock()
	if live && ep != nil {
		if err := guard(func() error { return ep.UnregisterCallback(reg) }); err != nil {
			s.obs.IncCounter(ports.MetricTransportErrors, 1)
			s.obs.LogError("unregister_failed", err, ports.Field{Key: "handle", Value: reg.Handle()})
		} else {
			s.obs.LogInfo("callback_unregistered", ports.Field{Key: "handle", Value: reg.Handle()})
		}
	}
	if bound {
		if err := guard(s.transport.Unbind); err != nil {
			s.obs.IncCounter(ports.MetricTransportErrors, 1)
			s.obs.LogError("unbind_failed", err)
		} else {
			s.obs.LogInfo("service_unbound")
		}
	}
	s.callMu.Unlock()

	close(done)
	s.mu.Lock()
	if s.releasing == done {
		s.releasing = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) Stats() Stats {
	return Stats{
		State:             s.State(),
		BindAttempts:      s.bindAttempts.Load(),
		ReadingsDelivered: s.readingSeq.Load(),
		MalformedPayloads: s.malformed.Load(),
		DroppedEvents:     s.events.Dropped(),
		AuditFailures:     s.audit.Failures(),
	}
}

// bindLocked enters Binding and issues the bind request. It is entered with
// mu held and returns with mu released.
func (s *Supervisor) bindLocked() {
	s.session++
	sess := s.session
	target := s.cfg.Target
	s.transitionLocked(domain.Binding())
	s.bound = true
	s.bindStarted = s.clock.Now()
	s.bindAttempts.Add(1)
	s.obs.IncCounter(ports.MetricBindAttempts, 1)
	if s.cfg.BindTimeout > 0 {
		s.bindTimer = s.clock.AfterFunc(s.cfg.BindTimeout, func() { s.onBindTimeout(sess) })
	}
	l := &sessionListener{s: s, session: sess}

	if pending := s.releasing; pending != nil {
		// A stopped session is still being released; bind once it is gone.
		s.mu.Unlock()
		go func() {
			<-pending
			s.bindDeferred(sess, target, l)
		}()
		return
	}

	s.callMu.Lock()
	s.mu.Unlock()
	s.callBind(sess, target, l)
}

// bindDeferred issues a bind decided while a release was in flight, unless
// the session was superseded or already failed in the meantime.
func (s *Supervisor) bindDeferred(sess uint64, target domain.TargetIdentity, l *sessionListener) {
	s.mu.Lock()
	if !s.running || sess != s.session || s.state.Kind != domain.StateBinding {
		s.mu.Unlock()
		s.obs.LogDebug("bind_skipped", ports.Field{Key: "session", Value: sess})
		return
	}
	s.callMu.Lock()
	s.mu.Unlock()
	s.callBind(sess, target, l)
}

// callBind is entered with callMu held and releases it.
func (s *Supervisor) callBind(sess uint64, target domain.TargetIdentity, l *sessionListener) {
	s.obs.LogInfo("bind_requested",
		ports.Field{Key: "target", Value: target.String()},
		ports.Field{Key: "transport", Value: s.transport.Name()})
	err := guard(func() error { return s.transport.Bind(target, l) })
	s.callMu.Unlock()

	if err != nil {
		s.disconnect(sess, domain.ReasonBindFailed, fmt.Errorf("bind %s: %w", target, err), true)
	}
}

func (s *Supervisor) onConnected(sess uint64, ep ports.RemoteEndpoint) {
	s.mu.Lock()
	if !s.running || sess != s.session || s.state.Kind != domain.StateBinding {
		s.mu.Unlock()
		s.obs.LogDebug("connect_ignored", ports.Field{Key: "session", Value: sess})
		return
	}
	stopTimer(&s.bindTimer)
	s.endpoint = ep
	s.transitionLocked(domain.Bound())
	reg := newRegistration(s, s.newHandle())
	s.reg = reg
	s.mu.Unlock()

	s.obs.LogInfo("service_connected", ports.Field{Key: "handle", Value: reg.Handle()})
	err := guard(func() error { return ep.RegisterCallback(reg) })

	s.mu.Lock()
	if !s.running || sess != s.session || s.reg != reg {
		s.mu.Unlock()
		if err == nil {
			// Lost the race with a disconnect or Stop; do not leave the remote holding it.
			if uerr := guard(func() error { return ep.UnregisterCallback(reg) }); uerr != nil {
				s.obs.LogDebug("late_unregister_failed",
					ports.Field{Key: "handle", Value: reg.Handle()},
					ports.Field{Key: "error", Value: uerr.Error()})
			}
		}
		return
	}
	if err != nil {
		err = fmt.Errorf("register callback: %w", err)
		s.publishErrorLocked(domain.ReasonRegistrationFailed, err)
		bound := s.enterDisconnectedLocked(domain.ReasonRegistrationFailed, err)
		s.mu.Unlock()
		s.finishDisconnect(sess, bound)
		return
	}

	s.transitionLocked(domain.CallbackRegistered())
	s.failures = 0
	s.obs.ObserveLatency(ports.MetricBindLatency, s.clock.Now().Sub(s.bindStarted).Seconds())
	reg.confirm(domain.Event{Kind: domain.EventConnected, State: s.state, At: s.clock.Now()})
	s.mu.Unlock()
	s.obs.LogInfo("callback_registered", ports.Field{Key: "handle", Value: reg.Handle()})
}

// disconnect routes any failure or remote disconnect of session sess to the
// retry path. Repeated notifications while already disconnected are no-ops.
func (s *Supervisor) disconnect(sess uint64, reason string, cause error, asError bool) {
	s.mu.Lock()
	if !s.running || sess != s.session {
		s.mu.Unlock()
		s.obs.LogDebug("disconnect_ignored", ports.Field{Key: "session", Value: sess}, ports.Field{Key: "reason", Value: reason})
		return
	}
	switch s.state.Kind {
	case domain.StateDisconnected, domain.StateRetryScheduled, domain.StateIdle:
		current := s.state
		s.mu.Unlock()
		s.obs.LogDebug("disconnect_ignored", ports.Field{Key: "state", Value: current.String()}, ports.Field{Key: "reason", Value: reason})
		return
	}
	if asError {
		s.publishErrorLocked(reason, cause)
	}
	bound := s.enterDisconnectedLocked(reason, cause)
	s.mu.Unlock()
	s.finishDisconnect(sess, bound)
}

func (s *Supervisor) onBindTimeout(sess uint64) {
	s.mu.Lock()
	if !s.running || sess != s.session || s.state.Kind != domain.StateBinding {
		s.mu.Unlock()
		return
	}
	s.publishErrorLocked(domain.ReasonBindTimeout, errBindTimeout)
	bound := s.enterDisconnectedLocked(domain.ReasonBindTimeout, errBindTimeout)
	s.mu.Unlock()
	s.finishDisconnect(sess, bound)
}

func (s *Supervisor) enterDisconnectedLocked(reason string, cause error) (bound bool) {
	stopTimer(&s.bindTimer)
	if s.reg != nil {
		s.reg.revoke()
		s.reg = nil
	}
	s.endpoint = nil
	s.transitionLocked(domain.Disconnected(reason))
	s.events.Publish(domain.Event{
		Kind:   domain.EventDisconnected,
		State:  s.state,
		Reason: reason,
		Err:    cause,
		At:     s.clock.Now(),
	})

	s.failures++
	fields := []ports.Field{
		{Key: "reason", Value: reason},
		{Key: "consecutive_failures", Value: s.failures},
	}
	if max := s.cfg.MaxConsecutiveFailures; max > 0 && s.failures >= max {
		s.obs.LogCritical("service_disconnected", cause, fields...)
	} else {
		s.obs.LogInfo("service_disconnected", append(fields, ports.Field{Key: "cause", Value: errString(cause)})...)
	}

	bound = s.bound
	s.bound = false
	return bound
}

// finishDisconnect releases the binding and then arms the retry timer, so a
// rebind never overtakes the unbind of the previous session.
func (s *Supervisor) finishDisconnect(sess uint64, bound bool) {
	if bound {
		s.callMu.Lock()
		err := guard(s.transport.Unbind)
		s.callMu.Unlock()
		if err != nil {
			s.mu.Lock()
			if s.running && sess == s.session {
				s.publishErrorLocked(domain.ReasonBindFailed, fmt.Errorf("unbind: %w", err))
			}
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && sess == s.session && s.state.Kind == domain.StateDisconnected {
		s.scheduleRetryLocked()
	}
}

func (s *Supervisor) scheduleRetryLocked() {
	if s.state.Kind == domain.StateRetryScheduled {
		return
	}
	s.retryGen++
	gen := s.retryGen
	delay := s.cfg.RetryDelay
	s.transitionLocked(domain.RetryScheduled(s.clock.Now().Add(delay)))
	s.retryTimer = s.clock.AfterFunc(delay, func() { s.onRetry(gen) })
	s.obs.LogInfo("retry_scheduled", ports.Field{Key: "delay", Value: delay.String()})
}

func (s *Supervisor) onRetry(gen uint64) {
	s.mu.Lock()
	if !s.running || gen != s.retryGen || s.state.Kind != domain.StateRetryScheduled {
		s.mu.Unlock()
		return
	}
	s.retryTimer = nil
	s.bindLocked()
}

func (s *Supervisor) publishErrorLocked(reason string, err error) {
	s.obs.IncCounter(ports.MetricTransportErrors, 1)
	s.obs.LogError("transport_error", err, ports.Field{Key: "reason", Value: reason})
	s.events.Publish(domain.Event{
		Kind:   domain.EventError,
		State:  s.state,
		Reason: reason,
		Err:    err,
		At:     s.clock.Now(),
	})
}

func (s *Supervisor) transitionLocked(to domain.ConnectionState) {
	from := s.state
	s.state = to
	s.audit.RecordTransition(ports.Transition{From: from, To: to})
	s.obs.RecordState(to)
	s.obs.LogDebug("state_transition",
		ports.Field{Key: "from", Value: from.String()},
		ports.Field{Key: "to", Value: to.String()})
}

type sessionListener struct {
	s       *Supervisor
	session uint64
}

func (l *sessionListener) OnConnected(ep ports.RemoteEndpoint) {
	l.s.onConnected(l.session, ep)
}

func (l *sessionListener) OnDisconnected(reason error) {
	l.s.disconnect(l.session, domain.ReasonRemoteDied, reason, false)
}

// guard converts a panicking transport call into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return fn()
}

func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
