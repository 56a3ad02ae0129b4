package observability

import (
	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

// Nop satisfies ports.Observability without recording anything.
type Nop struct{}

func (Nop) LogDebug(string, ...ports.Field)           {}
func (Nop) LogInfo(string, ...ports.Field)            {}
func (Nop) LogError(string, error, ...ports.Field)    {}
func (Nop) LogCritical(string, error, ...ports.Field) {}
func (Nop) IncCounter(string, float64)                {}
func (Nop) ObserveLatency(string, float64)            {}
func (Nop) SetGauge(string, float64)                  {}
func (Nop) RecordMalformed(*ports.RawPayload, error)  {}
func (Nop) RecordState(domain.ConnectionState)        {}

var _ ports.Observability = Nop{}
