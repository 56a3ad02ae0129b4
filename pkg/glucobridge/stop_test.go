package glucobridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	glucows "github.com/jerryw02/glucobridge/internal/adapters/websocket"
)

// silentCompanion acks register requests, optionally follows the ack with
// push, and never answers anything else.
func silentCompanion(t *testing.T, push string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f struct {
				Type string `json:"type"`
				ID   string `json:"id"`
			}
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Type == "register" {
				_ = conn.WriteJSON(map[string]any{"type": "ack", "id": f.ID, "ok": true})
				if push != "" {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(push))
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/bgdata"
}

func TestStopReturnsWhileRemoteIgnoresUnregister(t *testing.T) {
	tr, err := glucows.NewTransport(glucows.Config{URL: silentCompanion(t, ""), RequestTimeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	b, err := NewBridge(tr)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := b.Subscribe(ctx)
	if err := b.Start(fastConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ev := nextEvent(t, events); ev.Kind != EventConnected {
		t.Fatalf("expected Connected, got %s", ev)
	}

	began := time.Now()
	b.Stop()
	if took := time.Since(began); took > 500*time.Millisecond {
		t.Fatalf("Stop took %s waiting on the remote", took)
	}
	if b.State().Kind != StateIdle {
		t.Fatalf("expected Idle, got %s", b.State())
	}
	if ev := nextEvent(t, events); ev.Kind != EventDisconnected || ev.Reason != ReasonStopped {
		t.Fatalf("expected Disconnected(stopped), got %s", ev)
	}
}

func TestMistypedWebSocketReadingIsReportedMalformed(t *testing.T) {
	push := `{"type":"reading","reading":{"value":"abc","timestamp":1700000000000}}`
	tr, err := glucows.NewTransport(glucows.Config{URL: silentCompanion(t, push)})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	b, err := NewBridge(tr)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := b.Subscribe(ctx)
	if err := b.Start(fastConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ev := nextEvent(t, events); ev.Kind != EventConnected {
		t.Fatalf("expected Connected, got %s", ev)
	}
	if ev := nextEvent(t, events); ev.Kind != EventMalformed {
		t.Fatalf("expected Malformed, got %s", ev)
	}
	if got := b.Stats().MalformedPayloads; got != 1 {
		t.Fatalf("expected one malformed payload, got %d", got)
	}
}
