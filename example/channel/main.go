package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jerryw02/glucobridge"
)

// Uses the Bridge directly: no runtime, no sinks, just the event stream.
func main() {
	sim := glucobridge.NewLoopback()
	bridge, err := glucobridge.NewBridge(sim, glucobridge.WithAuditFile("./data", "", 64))
	if err != nil {
		log.Fatalf("new bridge: %v", err)
	}
	defer bridge.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := bridge.Subscribe(ctx)
	if err := bridge.Start(glucobridge.BridgeConfig{RetryDelay: time.Second}); err != nil {
		log.Fatalf("start: %v", err)
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for n := 0; ; n++ {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n > 0 && n%5 == 0 {
					sim.Drop(errors.New("simulated service crash"))
					continue
				}
				_ = sim.Publish(float64(100+n), now, "Flat")
			}
		}
	}()

	for ev := range events {
		switch ev.Kind {
		case glucobridge.EventReading:
			fmt.Printf("reading #%d %.0f mg/dL (%s)\n", ev.Reading.Seq, ev.Reading.Value, ev.Reading.Trend)
		default:
			fmt.Printf("[%s] %s stats=%+v\n", ev.At.Format(time.TimeOnly), ev, bridge.Stats())
		}
	}
}
