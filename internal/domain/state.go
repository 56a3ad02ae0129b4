package domain

import (
	"fmt"
	"time"
)

// StateKind enumerates the supervisor states.
type StateKind int

const (
	StateIdle StateKind = iota
	StateBinding
	StateBound
	StateCallbackRegistered
	StateDisconnected
	StateRetryScheduled
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "Idle"
	case StateBinding:
		return "Binding"
	case StateBound:
		return "Bound"
	case StateCallbackRegistered:
		return "CallbackRegistered"
	case StateDisconnected:
		return "Disconnected"
	case StateRetryScheduled:
		return "RetryScheduled"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

// Disconnect reasons used by the supervisor.
const (
	ReasonRegistrationFailed = "registration-failed"
	ReasonBindFailed         = "bind-failed"
	ReasonBindTimeout        = "bind-timeout"
	ReasonRemoteDied         = "remote-disconnected"
	ReasonStopped            = "stopped"
)

// ConnectionState is the active supervisor state. Reason is set for
// Disconnected, RetryAt for RetryScheduled.
type ConnectionState struct {
	Kind    StateKind
	Reason  string
	RetryAt time.Time
}

func Idle() ConnectionState               { return ConnectionState{Kind: StateIdle} }
func Binding() ConnectionState            { return ConnectionState{Kind: StateBinding} }
func Bound() ConnectionState              { return ConnectionState{Kind: StateBound} }
func CallbackRegistered() ConnectionState { return ConnectionState{Kind: StateCallbackRegistered} }

func Disconnected(reason string) ConnectionState {
	return ConnectionState{Kind: StateDisconnected, Reason: reason}
}

func RetryScheduled(at time.Time) ConnectionState {
	return ConnectionState{Kind: StateRetryScheduled, RetryAt: at}
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case StateDisconnected:
		return fmt.Sprintf("Disconnected(%s)", s.Reason)
	case StateRetryScheduled:
		return fmt.Sprintf("RetryScheduled(%s)", s.RetryAt.Format(time.RFC3339Nano))
	default:
		return s.Kind.String()
	}
}
