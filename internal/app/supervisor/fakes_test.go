package supervisor

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jerryw02/glucobridge/internal/adapters/observability"
	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	c       *manualClock
	at      time.Time
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{c: c, at: c.now.Add(d), delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every timer that became due.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// armed returns timers that are neither stopped nor fired.
func (c *manualClock) armed() []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// armedWithDelay filters armed timers by their requested delay.
func (c *manualClock) armedWithDelay(d time.Duration) []*manualTimer {
	var out []*manualTimer
	for _, t := range c.armed() {
		if t.delay == d {
			out = append(out, t)
		}
	}
	return out
}

type fakeTransport struct {
	mu        sync.Mutex
	binds     int
	unbinds   int
	bindErr   error
	bindPanic bool
	listeners []ports.TransportListener
	endpoints []*fakeEndpoint
	target    domain.TargetIdentity
	calls     []string

	registerErr error
	onRegister  func(cb ports.ReadingCallback)
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Bind(target domain.TargetIdentity, l ports.TransportListener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindPanic {
		panic("binder exploded")
	}
	f.binds++
	f.calls = append(f.calls, "bind")
	f.target = target
	f.listeners = append(f.listeners, l)
	return f.bindErr
}

func (f *fakeTransport) Unbind() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbinds++
	f.calls = append(f.calls, "unbind")
	for _, ep := range f.endpoints {
		ep.kill()
	}
	return nil
}

func (f *fakeTransport) bindCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.binds
}

func (f *fakeTransport) unbindCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unbinds
}

func (f *fakeTransport) callLog() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, ",")
}

func (f *fakeTransport) listener(i int) ports.TransportListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[i]
}

func (f *fakeTransport) lastListener() ports.TransportListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[len(f.listeners)-1]
}

// connect delivers a connect notification on the latest bind.
func (f *fakeTransport) connect() *fakeEndpoint {
	f.mu.Lock()
	i := len(f.listeners) - 1
	f.mu.Unlock()
	return f.connectOn(i)
}

// connectOn delivers a connect notification on the i-th bind, stale or not.
func (f *fakeTransport) connectOn(i int) *fakeEndpoint {
	f.mu.Lock()
	ep := &fakeEndpoint{registerErr: f.registerErr, onRegister: f.onRegister}
	f.endpoints = append(f.endpoints, ep)
	l := f.listeners[i]
	f.mu.Unlock()

	l.OnConnected(ep)
	return ep
}

// disconnect kills every endpoint and notifies the latest bind.
func (f *fakeTransport) disconnect() {
	f.mu.Lock()
	for _, ep := range f.endpoints {
		ep.kill()
	}
	l := f.listeners[len(f.listeners)-1]
	f.mu.Unlock()

	l.OnDisconnected(errors.New("remote process died"))
}

// outstanding counts callbacks registered on endpoints that are still alive.
func (f *fakeTransport) outstanding() int {
	f.mu.Lock()
	eps := append([]*fakeEndpoint(nil), f.endpoints...)
	f.mu.Unlock()

	n := 0
	for _, ep := range eps {
		n += ep.registeredCount()
	}
	return n
}

type fakeEndpoint struct {
	mu            sync.Mutex
	dead          bool
	registered    []ports.ReadingCallback
	registerErr   error
	unregisterErr error
	registers     int
	unregisters   int
	onRegister    func(cb ports.ReadingCallback)
	// unregisterGate, when set, stalls UnregisterCallback until closed.
	unregisterGate chan struct{}
}

func (e *fakeEndpoint) RegisterCallback(cb ports.ReadingCallback) error {
	e.mu.Lock()
	e.registers++
	if e.registerErr != nil {
		e.mu.Unlock()
		return e.registerErr
	}
	if e.dead {
		e.mu.Unlock()
		return ports.ErrNotConnected
	}
	if len(e.registered) > 0 {
		e.mu.Unlock()
		return ports.ErrAlreadyRegistered
	}
	e.registered = append(e.registered, cb)
	hook := e.onRegister
	e.mu.Unlock()

	if hook != nil {
		hook(cb)
	}
	return nil
}

func (e *fakeEndpoint) UnregisterCallback(cb ports.ReadingCallback) error {
	e.mu.Lock()
	gate := e.unregisterGate
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.unregisters++
	if e.unregisterErr != nil {
		return e.unregisterErr
	}
	if e.dead {
		return ports.ErrNotConnected
	}
	for i, r := range e.registered {
		if r.Handle() == cb.Handle() {
			e.registered = append(e.registered[:i], e.registered[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown callback")
}

func (e *fakeEndpoint) kill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dead = true
	e.registered = nil
}

func (e *fakeEndpoint) registeredCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.registered)
}

func (e *fakeEndpoint) callback() ports.ReadingCallback {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.registered) == 0 {
		return nil
	}
	return e.registered[0]
}

// push delivers a payload to the registered callback, if any.
func (e *fakeEndpoint) push(p *ports.RawPayload) {
	if cb := e.callback(); cb != nil {
		cb.OnNewReading(p)
	}
}

type spyAudit struct {
	mu          sync.Mutex
	readings    []domain.Reading
	transitions []ports.Transition
}

func (a *spyAudit) RecordReading(r domain.Reading) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.readings = append(a.readings, r)
}

func (a *spyAudit) RecordTransition(t ports.Transition) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transitions = append(a.transitions, t)
}

func (a *spyAudit) Failures() uint64 { return 0 }

func payload(value float64, ts time.Time, trend string) *ports.RawPayload {
	p := &ports.RawPayload{Value: &value, Timestamp: &ts}
	if trend != "" {
		p.Trend = &trend
	}
	return p
}

// spyObs records debug log messages and discards everything else.
type spyObs struct {
	observability.Nop
	mu    sync.Mutex
	debug []string
}

func (o *spyObs) LogDebug(msg string, _ ...ports.Field) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.debug = append(o.debug, msg)
}

func (o *spyObs) debugCount(msg string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, m := range o.debug {
		if m == msg {
			n++
		}
	}
	return n
}
