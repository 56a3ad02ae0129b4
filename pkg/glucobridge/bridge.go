package glucobridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jerryw02/glucobridge/internal/adapters/audit"
	"github.com/jerryw02/glucobridge/internal/adapters/observability"
	"github.com/jerryw02/glucobridge/internal/adapters/queue"
	"github.com/jerryw02/glucobridge/internal/app/supervisor"
	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

// BridgeOption customizes a Bridge.
type BridgeOption func(*bridgeOptions)

type bridgeOptions struct {
	capacity    int
	obs         ports.Observability
	audit       ports.AuditSink
	auditDir    string
	auditFile   string
	auditBuffer int
}

// WithEventCapacity bounds the number of undelivered events (default 1024).
func WithEventCapacity(n int) BridgeOption {
	return func(o *bridgeOptions) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithBridgeObservability plugs in logging and metrics.
func WithBridgeObservability(obs Observability) BridgeOption {
	return func(o *bridgeOptions) {
		if obs != nil {
			o.obs = obs
		}
	}
}

// WithAuditSink mirrors readings and transitions to a custom sink.
func WithAuditSink(a AuditSink) BridgeOption {
	return func(o *bridgeOptions) {
		if a != nil {
			o.audit = a
		}
	}
}

// WithAuditFile appends the diagnostic trail to dir/file. An empty file
// name selects xdrip_aidl_log.txt.
func WithAuditFile(dir, file string, buffer int) BridgeOption {
	return func(o *bridgeOptions) {
		o.auditDir, o.auditFile, o.auditBuffer = dir, file, buffer
	}
}

// Bridge is the host control surface: it owns the event channel, the
// supervisor and the audit trail for one external service.
type Bridge struct {
	queue     *queue.EventQueue
	sup       *supervisor.Supervisor
	obs       ports.Observability
	fileAudit *audit.FileAudit
	closeOnce sync.Once
	closeErr  error
}

func NewBridge(transport BindingTransport, opts ...BridgeOption) (*Bridge, error) {
	o := bridgeOptions{capacity: 1024, obs: observability.Nop{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	q := queue.NewEventQueue(o.capacity)
	q.OnDrop(func(ev domain.Event) {
		o.obs.IncCounter(ports.MetricEventsDropped, 1)
		o.obs.LogDebug("event_dropped", ports.Field{Key: "event", Value: ev.String()})
	})

	b := &Bridge{queue: q, obs: o.obs}
	auditSink := o.audit
	if auditSink == nil && o.auditDir != "" {
		b.fileAudit = audit.NewFileAudit(o.auditDir, o.auditFile, o.auditBuffer, func(err error) {
			o.obs.IncCounter(ports.MetricAuditFailures, 1)
			o.obs.LogDebug("audit_write_failed", ports.Field{Key: "error", Value: err.Error()})
		})
		auditSink = b.fileAudit
	}

	sup, err := supervisor.New(transport, q,
		supervisor.WithObservability(o.obs),
		supervisor.WithAudit(auditSink),
	)
	if err != nil {
		if b.fileAudit != nil {
			_ = b.fileAudit.Close(context.Background())
		}
		return nil, err
	}
	b.sup = sup
	return b, nil
}

// Start begins binding. It only fails on configuration errors; transport
// failures are reported as events and retried.
func (b *Bridge) Start(cfg BridgeConfig) error { return b.sup.Start(cfg) }

// Stop releases the binding and cancels any pending retry. Start may be
// called again afterwards.
func (b *Bridge) Stop() { b.sup.Stop() }

func (b *Bridge) State() ConnectionState { return b.sup.State() }

func (b *Bridge) Running() bool { return b.sup.Running() }

func (b *Bridge) Stats() Stats { return b.sup.Stats() }

// Subscribe streams events until ctx is done or the bridge is closed. The
// event channel has a single consumer: do not combine Subscribe with a
// Runtime draining the same bridge.
func (b *Bridge) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			ev, err := b.queue.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close stops the bridge, closes the event channel once drained and
// flushes the audit trail.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.sup.Stop()
		b.queue.Close()
		if b.fileAudit != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.fileAudit.Close(ctx); err != nil {
				b.closeErr = fmt.Errorf("flush audit %s: %w", b.fileAudit.Path(), err)
			}
		}
	})
	return b.closeErr
}
