package ports

import (
	"context"
	"errors"

	"github.com/jerryw02/glucobridge/internal/domain"
)

// ErrQueueClosed is returned by Next once the channel is closed and drained.
var ErrQueueClosed = errors.New("event queue closed")

// EventChannel carries readings and lifecycle events to a single consumer.
type EventChannel interface {
	Publish(ev domain.Event)
	Next(ctx context.Context) (domain.Event, error)
	DequeueBatch(max int) []domain.Event
	Len() int
	Dropped() uint64
	Close()
}
