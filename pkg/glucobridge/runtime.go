package glucobridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jerryw02/glucobridge/internal/adapters/observability"
	"github.com/jerryw02/glucobridge/internal/adapters/opcua"
	"github.com/jerryw02/glucobridge/internal/adapters/sink"
	"github.com/jerryw02/glucobridge/internal/adapters/websocket"
	"github.com/jerryw02/glucobridge/internal/app/pipeline"
	"github.com/jerryw02/glucobridge/internal/ports"
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	transport BindingTransport
	sinks     []ReadingSink
	obs       Observability
	audit     AuditSink
	registry  *prometheus.Registry
	handlers  []pipeline.EventHandler
}

// WithTransport replaces the transport selected by transport.kind.
func WithTransport(t BindingTransport) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.transport = t
	}
}

// WithSink adds a reading sink. Once any sink is given, the TimescaleDB sink
// from the configuration is not opened.
func WithSink(s ReadingSink) RuntimeOption {
	return func(o *runtimeOverrides) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// WithObservability plugs in a custom logging and metrics backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.obs = obs
	}
}

// WithAudit replaces the file audit trail.
func WithAudit(a AuditSink) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.audit = a
	}
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// WithEventHandler observes every event drained by the runtime, in order.
func WithEventHandler(fn func(Event)) RuntimeOption {
	return func(o *runtimeOverrides) {
		if fn != nil {
			o.handlers = append(o.handlers, pipeline.EventHandler(fn))
		}
	}
}

// Runtime wires transport → supervisor → event channel → sinks and serves
// /metrics and /healthz. It is the unit the CLI runs.
type Runtime struct {
	cfg      *Config
	bridge   *Bridge
	obs      ports.Observability
	registry *prometheus.Registry
	sinks    []ports.ReadingSink
	handlers []pipeline.EventHandler
	db       *sql.DB

	mu           sync.Mutex
	started      bool
	metricsSrv   *http.Server
	gaugeStopCh  chan struct{}
	cancelDrain  context.CancelFunc
	drainDoneCh  chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewRuntime bootstraps the default adapters (transport from config, file
// audit, TimescaleDB sink when a connection string is set, Prometheus
// observability). Options override any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var o runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	obs := o.obs
	if obs == nil {
		obs = observability.NewPromObs(reg, observability.WithLogLevel(cfg.Log.Level))
	}

	transport := o.transport
	if transport == nil {
		var err error
		transport, err = transportFromConfig(cfg.Transport, obs)
		if err != nil {
			return nil, err
		}
	}

	rt := &Runtime{
		cfg:      cfg,
		obs:      obs,
		registry: reg,
		sinks:    o.sinks,
		handlers: o.handlers,
	}

	if len(rt.sinks) == 0 && cfg.Timescale.ConnString != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		db, err := sink.OpenPostgres(ctx, cfg.Timescale.ConnString)
		if err != nil {
			return nil, err
		}
		ts, err := sink.NewTimescaleSink(db, cfg.Timescale.Table, cfg.Bridge.Target.String())
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if cfg.Timescale.CreateSchema {
			if err := ts.EnsureSchema(ctx); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		rt.db = db
		rt.sinks = append(rt.sinks, ts)
	}

	bopts := []BridgeOption{
		WithEventCapacity(cfg.Channel.Capacity),
		WithBridgeObservability(obs),
	}
	switch {
	case o.audit != nil:
		bopts = append(bopts, WithAuditSink(o.audit))
	case !cfg.Audit.Disabled:
		bopts = append(bopts, WithAuditFile(cfg.Audit.Dir, cfg.Audit.File, cfg.Audit.Buffer))
	}
	b, err := NewBridge(transport, bopts...)
	if err != nil {
		if rt.db != nil {
			_ = rt.db.Close()
		}
		return nil, err
	}
	rt.bridge = b
	return rt, nil
}

func transportFromConfig(tc TransportConfig, obs ports.Observability) (BindingTransport, error) {
	switch tc.Kind {
	case TransportOPCUA:
		t, err := opcua.NewTransport(tc.OPCUA)
		if err != nil {
			return nil, fmt.Errorf("opcua transport: %w", err)
		}
		return t, nil
	case TransportWebSocket, "":
		t, err := websocket.NewTransport(tc.WebSocket, websocket.WithFrameErrorHandler(func(err error) {
			obs.IncCounter(ports.MetricFramesRejected, 1)
			obs.LogError("frame_rejected", err)
		}))
		if err != nil {
			return nil, fmt.Errorf("websocket transport: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
}

// Bridge exposes the control surface (State, Stats) of the running bridge.
func (r *Runtime) Bridge() *Bridge { return r.bridge }

// Registry is where the runtime's metrics are registered.
func (r *Runtime) Registry() *prometheus.Registry { return r.registry }

// Start begins binding, drains events into the sinks and launches the
// metrics server. It returns immediately.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("runtime already started")
	}
	if err := r.bridge.Start(r.cfg.Bridge); err != nil {
		return err
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancelDrain = cancel
	r.drainDoneCh = make(chan struct{})
	go func() {
		defer close(r.drainDoneCh)
		if err := pipeline.RunPersistPipeline(ctx, r.bridge.queue, r.sinks, r.cfg.Channel, r.obs, r.handlers...); err != nil {
			r.obs.LogError("persist_pipeline_exited", err)
		}
	}()

	r.startMetrics()
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled, then shuts down
// gracefully.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Shutdown stops the bridge, lets the pipeline drain what is already queued
// and closes the metrics server and database.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		var errs []error

		r.mu.Lock()
		gaugeStop, srv, cancel, done := r.gaugeStopCh, r.metricsSrv, r.cancelDrain, r.drainDoneCh
		r.mu.Unlock()

		if gaugeStop != nil {
			close(gaugeStop)
		}
		if err := r.bridge.Close(); err != nil {
			errs = append(errs, err)
		}
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				cancel()
				<-done
				errs = append(errs, fmt.Errorf("drain events: %w", ctx.Err()))
			}
			cancel()
		}
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs = append(errs, err)
			}
		}
		if r.db != nil {
			if err := r.db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		r.shutdownErr = errors.Join(errs...)
	})
	return r.shutdownErr
}

func (r *Runtime) startMetrics() {
	r.gaugeStopCh = make(chan struct{})
	go r.recordGauges(r.gaugeStopCh, time.Second)

	if r.cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry}))
	mux.HandleFunc("/healthz", r.healthz)

	r.metricsSrv = &http.Server{
		Addr:              r.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := r.metricsSrv
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.obs.LogError("metrics_server_exited", err, ports.Field{Key: "addr", Value: srv.Addr})
		}
	}()
}

// healthz is green only while a callback is registered.
func (r *Runtime) healthz(w http.ResponseWriter, _ *http.Request) {
	state := r.bridge.State()
	if state.Kind != StateCallbackRegistered {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, _ = w.Write([]byte(state.String()))
}

func (r *Runtime) recordGauges(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.obs.SetGauge(ports.MetricQueueLength, float64(r.bridge.queue.Len()))
		}
	}
}
