package ports

import (
	"errors"
	"time"

	"github.com/jerryw02/glucobridge/internal/domain"
)

var (
	// ErrNotConnected is returned by remote calls on an endpoint that is gone.
	ErrNotConnected = errors.New("remote endpoint not connected")
	// ErrAlreadyRegistered is returned when an endpoint already holds a callback.
	ErrAlreadyRegistered = errors.New("callback already registered")
)

// RawPayload is a reading as pushed by the external process. Nil fields were
// absent on the wire.
type RawPayload struct {
	Value     *float64
	Timestamp *time.Time
	Trend     *string
}

// ReadingCallback is the sink the external process invokes per new reading.
type ReadingCallback interface {
	// Handle identifies the registration on the remote side.
	Handle() string
	OnNewReading(p *RawPayload)
}

// RemoteEndpoint is the connected external service.
type RemoteEndpoint interface {
	RegisterCallback(cb ReadingCallback) error
	UnregisterCallback(cb ReadingCallback) error
}

// TransportListener receives the asynchronous outcome of a bind request.
// Implementations may be invoked from any goroutine.
type TransportListener interface {
	OnConnected(ep RemoteEndpoint)
	OnDisconnected(reason error)
}

// BindingTransport issues bind requests toward the external process. Bind
// must return promptly; the connection outcome is reported to the listener
// from another goroutine, never from within Bind or Unbind. After Unbind
// returns the listener of that bind receives nothing further.
type BindingTransport interface {
	Bind(target domain.TargetIdentity, l TransportListener) error
	Unbind() error
	Name() string
}
