package supervisor

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

var (
	errMissingValue     = errors.New("payload missing value")
	errMissingTimestamp = errors.New("payload missing timestamp")
	errInvalidValue     = errors.New("payload value is not a finite number")
)

type regStatus int

const (
	regPending regStatus = iota
	regLive
	regRevoked
)

// registration is the callback handed to the remote endpoint. Events that
// arrive before the supervisor confirms the registration are held so that
// Connected is always observed first.
type registration struct {
	handle string
	s      *Supervisor

	mu     sync.Mutex
	status regStatus
	held   []domain.Event
}

func newRegistration(s *Supervisor, handle string) *registration {
	return &registration{handle: handle, s: s}
}

func (r *registration) Handle() string { return r.handle }

// OnNewReading may be called from any goroutine, concurrently with state
// transitions. It never blocks on I/O and never panics.
func (r *registration) OnNewReading(p *ports.RawPayload) {
	defer func() {
		if rec := recover(); rec != nil {
			r.malformed(p, fmt.Errorf("convert payload: %v", rec))
		}
	}()

	if p == nil {
		r.s.malformed.Add(1)
		r.s.obs.RecordMalformed(nil, nil)
		return
	}

	reading, err := toReading(p, r.s.clock)
	if err != nil {
		r.malformed(p, err)
		return
	}
	r.deliver(domain.ReadingEvent(reading))
}

func (r *registration) malformed(p *ports.RawPayload, err error) {
	r.s.malformed.Add(1)
	r.s.obs.RecordMalformed(p, err)
	r.deliver(domain.Event{
		Kind:   domain.EventMalformed,
		Reason: "malformed-payload",
		Err:    err,
		At:     r.s.clock.Now(),
	})
}

func (r *registration) deliver(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case regPending:
		r.held = append(r.held, ev)
	case regLive:
		r.publishLocked(ev)
	default:
		r.s.obs.LogDebug("revoked_registration_push", ports.Field{Key: "handle", Value: r.handle})
	}
}

func (r *registration) publishLocked(ev domain.Event) {
	if ev.Reading == nil {
		r.s.events.Publish(ev)
		return
	}
	reading := *ev.Reading
	reading.Seq = r.s.readingSeq.Add(1)
	r.s.events.Publish(domain.ReadingEvent(reading))
	r.s.audit.RecordReading(reading)
	r.s.obs.IncCounter(ports.MetricReadingsReceived, 1)
}

// confirm publishes connected, then anything held while pending.
func (r *registration) confirm(connected domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != regPending {
		return
	}
	r.s.events.Publish(connected)
	for _, ev := range r.held {
		r.publishLocked(ev)
	}
	r.held = nil
	r.status = regLive
}

// revoke stops delivery and reports whether the registration was live.
func (r *registration) revoke() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.status == regLive
	if len(r.held) > 0 {
		r.s.obs.LogDebug("held_events_discarded", ports.Field{Key: "count", Value: len(r.held)})
	}
	r.status = regRevoked
	r.held = nil
	return live
}

func toReading(p *ports.RawPayload, clock Clock) (domain.Reading, error) {
	if p.Value == nil {
		return domain.Reading{}, errMissingValue
	}
	if p.Timestamp == nil || p.Timestamp.IsZero() {
		return domain.Reading{}, errMissingTimestamp
	}
	if math.IsNaN(*p.Value) || math.IsInf(*p.Value, 0) {
		return domain.Reading{}, errInvalidValue
	}
	trend := domain.TrendUnknown
	if p.Trend != nil {
		trend = domain.ParseTrend(*p.Trend)
	}
	return domain.Reading{
		Value:      *p.Value,
		Timestamp:  *p.Timestamp,
		Trend:      trend,
		ReceivedAt: clock.Now(),
	}, nil
}

var _ ports.ReadingCallback = (*registration)(nil)
