package domain

import (
	"strings"
	"time"
)

// Trend is the direction reported alongside a glucose value.
type Trend string

const (
	TrendUnknown        Trend = "Unknown"
	TrendDoubleUp       Trend = "DoubleUp"
	TrendSingleUp       Trend = "SingleUp"
	TrendFortyFiveUp    Trend = "FortyFiveUp"
	TrendFlat           Trend = "Flat"
	TrendFortyFiveDown  Trend = "FortyFiveDown"
	TrendSingleDown     Trend = "SingleDown"
	TrendDoubleDown     Trend = "DoubleDown"
	TrendNotComputable  Trend = "NotComputable"
	TrendRateOutOfRange Trend = "RateOutOfRange"
)

var knownTrends = map[string]Trend{
	"doubleup":       TrendDoubleUp,
	"singleup":       TrendSingleUp,
	"fortyfiveup":    TrendFortyFiveUp,
	"flat":           TrendFlat,
	"fortyfivedown":  TrendFortyFiveDown,
	"singledown":     TrendSingleDown,
	"doubledown":     TrendDoubleDown,
	"notcomputable":  TrendNotComputable,
	"none":           TrendNotComputable,
	"rateoutofrange": TrendRateOutOfRange,
}

// ParseTrend maps the slope names xDrip publishes onto Trend. Names it does
// not recognise are kept verbatim; empty input becomes TrendUnknown.
func ParseTrend(raw string) Trend {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TrendUnknown
	}
	key := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(raw))
	if t, ok := knownTrends[key]; ok {
		return t
	}
	return Trend(raw)
}

// Reading is one glucose data point as observed by the bridge. It is never
// modified after the callback builds it.
type Reading struct {
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Trend      Trend     `json:"trend"`
	ReceivedAt time.Time `json:"received_at"`
	Seq        uint64    `json:"seq"`
}
