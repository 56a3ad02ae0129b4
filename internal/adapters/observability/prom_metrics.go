package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

type PromObs struct {
	logger   *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// Option customises a PromObs.
type Option func(*promOptions)

type promOptions struct {
	out   io.Writer
	level slog.Level
}

// WithLogOutput redirects the JSON log stream (stderr by default).
func WithLogOutput(w io.Writer) Option {
	return func(o *promOptions) { o.out = w }
}

// WithLogLevel sets the minimum level: debug, info, warn or error.
func WithLogLevel(level string) Option {
	return func(o *promOptions) { o.level = ParseLevel(level) }
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewPromObs registers the bridge metrics on reg. A nil reg falls back to
// the default registerer.
func NewPromObs(reg prometheus.Registerer, opts ...Option) *PromObs {
	o := promOptions{out: os.Stderr, level: slog.LevelInfo}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	received := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricReadingsReceived,
		Help: "Readings accepted from the external process.",
	})
	persisted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricReadingsPersisted,
		Help: "Readings written to the persistence sink.",
	})
	malformed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricMalformed,
		Help: "Payloads dropped because value or timestamp was missing.",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricEventsDropped,
		Help: "Events evicted from the event channel because the consumer lagged.",
	})
	auditFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricAuditFailures,
		Help: "Audit records that could not be written.",
	})
	binds := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricBindAttempts,
		Help: "Bind requests issued toward the external process.",
	})
	transportErrs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricTransportErrors,
		Help: "Bind, register, unregister and unbind failures.",
	})
	rejected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricFramesRejected,
		Help: "Transport messages that could not be decoded as frames.",
	})
	queueGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.MetricQueueLength,
		Help: "Events waiting in the event channel.",
	})
	stateGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.MetricConnectionState,
		Help: "Current supervisor state (0=Idle 1=Binding 2=Bound 3=CallbackRegistered 4=Disconnected 5=RetryScheduled).",
	})
	bindLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.MetricBindLatency,
		Help:    "Time from bind request to confirmed callback registration.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	sinkLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.MetricSinkLatency,
		Help:    "Time spent writing one batch to the persistence sink.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	reg.MustRegister(received, persisted, malformed, dropped, auditFailures, binds, transportErrs, rejected,
		queueGauge, stateGauge, bindLatency, sinkLatency)

	return &PromObs{
		logger: slog.New(slog.NewJSONHandler(o.out, &slog.HandlerOptions{Level: o.level})),
		counters: map[string]prometheus.Counter{
			ports.MetricReadingsReceived:  received,
			ports.MetricReadingsPersisted: persisted,
			ports.MetricMalformed:         malformed,
			ports.MetricEventsDropped:     dropped,
			ports.MetricAuditFailures:     auditFailures,
			ports.MetricBindAttempts:      binds,
			ports.MetricTransportErrors:   transportErrs,
			ports.MetricFramesRejected:    rejected,
		},
		gauges: map[string]prometheus.Gauge{
			ports.MetricQueueLength:     queueGauge,
			ports.MetricConnectionState: stateGauge,
		},
		histos: map[string]prometheus.Observer{
			ports.MetricBindLatency: bindLatency,
			ports.MetricSinkLatency: sinkLatency,
		},
	}
}

func (p *PromObs) LogDebug(msg string, fields ...ports.Field) {
	p.logger.Debug(msg, attrs(fields)...)
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(attrs(fields), slog.Any("error", err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(attrs(fields), slog.Any("error", err), slog.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordMalformed(payload *ports.RawPayload, err error) {
	p.IncCounter(ports.MetricMalformed, 1)
	if payload == nil {
		p.logger.Debug("empty_payload")
		return
	}
	p.logger.Warn("malformed_payload", slog.Any("error", err))
}

func (p *PromObs) RecordState(s domain.ConnectionState) {
	p.SetGauge(ports.MetricConnectionState, float64(s.Kind))
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
