package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os/signal"
	"syscall"
	"time"

	"github.com/jerryw02/glucobridge/pkg/glucobridge"
)

// Runs the full runtime against an in-process simulator instead of a real
// glucose service.
func main() {
	cfg := glucobridge.DefaultConfig()
	cfg.Audit.Disabled = true
	cfg.Metrics.Addr = "127.0.0.1:9100"

	flow, err := glucobridge.ConfFromConfig(cfg)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := glucobridge.NewLoopback()
	go simulate(ctx, sim)

	printReadings := func(batch []glucobridge.Reading) error {
		for _, r := range batch {
			fmt.Printf("%s seq=%d value=%.0f trend=%s\n",
				r.Timestamp.Format(time.RFC3339), r.Seq, r.Value, r.Trend)
		}
		return nil
	}
	printLifecycle := func(ev glucobridge.Event) {
		if ev.IsLifecycle() {
			fmt.Printf("-- %s\n", ev)
		}
	}

	err = flow.StreamIN(glucobridge.StreamInTransport(sim)).Run(ctx,
		glucobridge.StreamOutCallback("stdout", printReadings),
		glucobridge.StreamOutEvents(printLifecycle),
	)
	if err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

func simulate(ctx context.Context, sim *glucobridge.Loopback) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			value := 120 + 30*math.Sin(float64(i)/10)
			trend := "Flat"
			if math.Cos(float64(i)/10) > 0.5 {
				trend = "FortyFiveUp"
			} else if math.Cos(float64(i)/10) < -0.5 {
				trend = "FortyFiveDown"
			}
			// Not connected yet or between retries; the next tick tries again.
			_ = sim.Publish(math.Round(value), now, trend)
		}
	}
}
