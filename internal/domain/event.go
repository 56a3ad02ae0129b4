package domain

import (
	"fmt"
	"time"
)

// EventKind separates data readings from lifecycle notifications.
type EventKind int

const (
	EventReading EventKind = iota
	EventConnected
	EventDisconnected
	EventError
	EventMalformed
)

func (k EventKind) String() string {
	switch k {
	case EventReading:
		return "Reading"
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventError:
		return "Error"
	case EventMalformed:
		return "Malformed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is what consumers drain from the event channel.
type Event struct {
	Kind    EventKind
	Reading *Reading
	State   ConnectionState
	Reason  string
	Err     error
	At      time.Time
}

// IsLifecycle reports whether the event describes bridge health rather than data.
func (e Event) IsLifecycle() bool { return e.Kind != EventReading }

func (e Event) String() string {
	if e.Kind == EventReading && e.Reading != nil {
		return fmt.Sprintf("Reading(%g)", e.Reading.Value)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s)", e.Kind, e.Reason)
	}
	return e.Kind.String()
}

func ReadingEvent(r Reading) Event {
	return Event{Kind: EventReading, Reading: &r, At: r.ReceivedAt}
}
