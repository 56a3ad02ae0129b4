package glucobridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

// Loopback is an in-process BindingTransport. It connects as soon as it is
// bound and forwards Publish calls to the registered callback, which makes
// it useful for simulators, demos and tests.
type Loopback struct {
	mu       sync.Mutex
	bound    bool
	gen      uint64
	listener ports.TransportListener
	cb       ports.ReadingCallback
	target   domain.TargetIdentity
}

func NewLoopback() *Loopback { return &Loopback{} }

func (l *Loopback) Name() string { return "loopback" }

func (l *Loopback) Bind(target TargetIdentity, listener TransportListener) error {
	l.mu.Lock()
	if l.bound {
		l.mu.Unlock()
		return errors.New("loopback already bound")
	}
	l.bound = true
	l.gen++
	gen := l.gen
	l.listener = listener
	l.target = target
	l.mu.Unlock()

	go func() {
		l.mu.Lock()
		live := l.bound && l.gen == gen
		l.mu.Unlock()
		if live {
			listener.OnConnected(&loopbackEndpoint{l: l, gen: gen})
		}
	}()
	return nil
}

func (l *Loopback) Unbind() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bound = false
	l.listener = nil
	l.cb = nil
	return nil
}

// Connected reports whether a callback is currently registered.
func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cb != nil
}

// Publish pushes a reading to the registered callback. An empty trend is
// sent as absent.
func (l *Loopback) Publish(value float64, ts time.Time, trend string) error {
	p := &RawPayload{Value: &value, Timestamp: &ts}
	if trend != "" {
		p.Trend = &trend
	}
	return l.PublishRaw(p)
}

// PublishRaw pushes p unchanged, including nil or incomplete payloads.
func (l *Loopback) PublishRaw(p *RawPayload) error {
	l.mu.Lock()
	cb := l.cb
	l.mu.Unlock()
	if cb == nil {
		return ErrNotConnected
	}
	cb.OnNewReading(p)
	return nil
}

// Drop simulates the remote process going away. The binding itself stays
// held until the bridge unbinds.
func (l *Loopback) Drop(reason error) {
	l.mu.Lock()
	listener := l.listener
	l.listener = nil
	l.cb = nil
	l.gen++
	l.mu.Unlock()
	if listener != nil {
		listener.OnDisconnected(reason)
	}
}

type loopbackEndpoint struct {
	l   *Loopback
	gen uint64
}

func (e *loopbackEndpoint) RegisterCallback(cb ReadingCallback) error {
	e.l.mu.Lock()
	defer e.l.mu.Unlock()
	if !e.l.bound || e.l.gen != e.gen {
		return ErrNotConnected
	}
	if e.l.cb != nil {
		return ErrAlreadyRegistered
	}
	e.l.cb = cb
	return nil
}

func (e *loopbackEndpoint) UnregisterCallback(cb ReadingCallback) error {
	e.l.mu.Lock()
	defer e.l.mu.Unlock()
	if e.l.cb == nil || e.l.cb.Handle() != cb.Handle() {
		return fmt.Errorf("callback %s is not registered", cb.Handle())
	}
	e.l.cb = nil
	return nil
}

var _ ports.BindingTransport = (*Loopback)(nil)
