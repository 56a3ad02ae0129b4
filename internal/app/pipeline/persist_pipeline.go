package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

const sinkAttempts = 3

// EventHandler observes every drained event in channel order.
type EventHandler func(domain.Event)

// RunPersistPipeline drains events until ctx is cancelled or the channel is
// closed and empty. Readings are written to every sink in batches of at most
// pol.MaxBatchSize. Each sink retries on its own, so a failing sink never
// causes duplicates in the others.
func RunPersistPipeline(ctx context.Context, events ports.EventChannel, sinks []ports.ReadingSink, pol ports.ChannelPolicy, obs ports.Observability, handlers ...EventHandler) error {
	max := pol.MaxBatchSize
	if max <= 0 {
		max = 1
	}

	for {
		first, err := events.Next(ctx)
		if err != nil {
			if errors.Is(err, ports.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		batch := []domain.Event{first}
		if max > 1 {
			batch = append(batch, events.DequeueBatch(max-1)...)
		}
		readings := make([]domain.Reading, 0, len(batch))
		for _, ev := range batch {
			for _, h := range handlers {
				h(ev)
			}
			if ev.Kind == domain.EventReading && ev.Reading != nil {
				readings = append(readings, *ev.Reading)
				continue
			}
			logLifecycle(obs, ev)
		}
		obs.SetGauge(ports.MetricQueueLength, float64(events.Len()))

		if len(readings) == 0 {
			continue
		}
		for _, sink := range sinks {
			if sink != nil {
				persist(ctx, sink, readings, pol, obs)
			}
		}
	}
}

// persist retries a failed batch a few times before giving up on it; the
// audit trail still holds every reading.
func persist(ctx context.Context, sink ports.ReadingSink, readings []domain.Reading, pol ports.ChannelPolicy, obs ports.Observability) {
	backoff := pol.IdleSleep
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}

	var err error
	for attempt := 1; attempt <= sinkAttempts; attempt++ {
		start := time.Now()
		if err = sink.WriteBatch(readings); err == nil {
			obs.ObserveLatency(ports.MetricSinkLatency, time.Since(start).Seconds())
			obs.IncCounter(ports.MetricReadingsPersisted, float64(len(readings)))
			return
		}
		obs.LogError("sink_write_failed", err,
			ports.Field{Key: "sink", Value: sink.Name()},
			ports.Field{Key: "attempt", Value: attempt},
			ports.Field{Key: "readings", Value: len(readings)})

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff * time.Duration(attempt)):
		}
	}
	obs.LogCritical("sink_batch_dropped", err,
		ports.Field{Key: "sink", Value: sink.Name()},
		ports.Field{Key: "readings", Value: len(readings)})
}

func logLifecycle(obs ports.Observability, ev domain.Event) {
	fields := []ports.Field{{Key: "state", Value: ev.State.String()}}
	if ev.Reason != "" {
		fields = append(fields, ports.Field{Key: "reason", Value: ev.Reason})
	}
	switch ev.Kind {
	case domain.EventConnected, domain.EventDisconnected:
		obs.LogInfo("bridge_"+strings.ToLower(ev.Kind.String()), fields...)
	case domain.EventError:
		obs.LogError("bridge_error", ev.Err, fields...)
	case domain.EventMalformed:
		obs.LogDebug("bridge_malformed", append(fields, ports.Field{Key: "error", Value: errString(ev.Err)})...)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
