package websocket

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/jerryw02/glucobridge/internal/ports"
)

const (
	frameRegister   = "register"
	frameUnregister = "unregister"
	frameAck        = "ack"
	frameReading    = "reading"
)

// frame is the JSON envelope exchanged with the companion.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Handle  string          `json:"handle,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Reading json.RawMessage `json:"reading,omitempty"`
}

// readingFrame mirrors BgData: timestamp is epoch milliseconds.
type readingFrame struct {
	Value     *float64 `json:"value"`
	Timestamp *int64   `json:"timestamp"`
	Trend     *string  `json:"trend,omitempty"`
}

// decodeReading converts the reading member of a frame field by field. A
// field of the wrong type is left nil so the callback reports the payload
// as malformed; a missing or null reading yields nil.
func decodeReading(raw json.RawMessage) *ports.RawPayload {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return &ports.RawPayload{}
	}

	var (
		r readingFrame
		p ports.RawPayload
	)
	if json.Unmarshal(fields["value"], &r.Value) == nil {
		p.Value = r.Value
	}
	if json.Unmarshal(fields["timestamp"], &r.Timestamp) == nil && r.Timestamp != nil {
		ts := time.UnixMilli(*r.Timestamp)
		p.Timestamp = &ts
	}
	if json.Unmarshal(fields["trend"], &r.Trend) == nil {
		p.Trend = r.Trend
	}
	return &p
}
