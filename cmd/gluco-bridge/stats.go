package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var stateNames = []string{"Idle", "Binding", "Bound", "CallbackRegistered", "Disconnected", "RetryScheduled"}

// Metrics printed by the stats command, in output order.
var statsMetrics = []struct {
	name  string
	label string
}{
	{"glucobridge_connection_state", "state"},
	{"glucobridge_readings_received_total", "received"},
	{"glucobridge_readings_persisted_total", "persisted"},
	{"glucobridge_malformed_payloads_total", "malformed"},
	{"glucobridge_events_dropped_total", "dropped"},
	{"glucobridge_bind_attempts_total", "binds"},
	{"glucobridge_event_queue_length", "queue"},
}

func newStatsCommand() *cobra.Command {
	var (
		url      string
		interval time.Duration
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Poll the metrics endpoint and print live counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if once {
				return printMetricsSnapshot(cmd.Context(), out, url)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			fmt.Fprintf(out, "Streaming metrics from %s (Ctrl+C to stop)\n", url)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := printMetricsSnapshot(ctx, out, url); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "stats error: %v\n", err)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	cmd.Flags().BoolVar(&once, "once", false, "print a single snapshot and exit")
	return cmd
}

func printMetricsSnapshot(ctx context.Context, out io.Writer, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values, err := scanMetrics(resp.Body)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, formatSnapshot(time.Now(), values))
	return nil
}

// scanMetrics picks the unlabelled samples of statsMetrics out of a text
// exposition.
func scanMetrics(r io.Reader) (map[string]float64, error) {
	values := make(map[string]float64, len(statsMetrics))
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, m := range statsMetrics {
			if !strings.HasPrefix(line, m.name+" ") {
				continue
			}
			var value float64
			if _, err := fmt.Sscanf(line, m.name+" %g", &value); err == nil {
				values[m.name] = value
			}
		}
	}
	return values, scanner.Err()
}

func formatSnapshot(at time.Time, values map[string]float64) string {
	var b strings.Builder
	b.WriteString("[" + at.Format(time.RFC3339) + "]")
	for _, m := range statsMetrics {
		v := values[m.name]
		if m.label == "state" {
			state := "unknown"
			if i := int(v); i >= 0 && i < len(stateNames) && float64(i) == v {
				state = stateNames[i]
			}
			fmt.Fprintf(&b, " %s=%s", m.label, state)
			continue
		}
		fmt.Fprintf(&b, " %s=%g", m.label, v)
	}
	return b.String()
}
