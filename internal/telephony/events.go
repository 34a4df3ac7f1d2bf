package telephony

import (
	"errors"
	"time"
)

// EventKind is the fixed vocabulary the Adapter publishes.
type EventKind string

const (
	EventRegistered     EventKind = "registered"
	EventIncoming       EventKind = "incoming"
	EventConnect        EventKind = "connect"
	EventDisconnect     EventKind = "disconnect"
	EventCancel         EventKind = "cancel"
	EventError          EventKind = "error"
	EventOffline        EventKind = "offline"
	EventUnregistered   EventKind = "unregistered"
	EventTokenRefreshed EventKind = "tokenRefreshed"
)

// EventKinds lists every kind, in declaration order.
var EventKinds = []EventKind{
	EventRegistered,
	EventIncoming,
	EventConnect,
	EventDisconnect,
	EventCancel,
	EventError,
	EventOffline,
	EventUnregistered,
	EventTokenRefreshed,
}

var (
	// ErrCredentialFetchFailed wraps non-2xx or malformed credential responses.
	ErrCredentialFetchFailed = errors.New("telephony: credential fetch failed")
	// ErrProvider wraps transport and provider level failures.
	ErrProvider = errors.New("telephony: provider error")

	ErrNoActiveLeg     = errors.New("telephony: no active call leg")
	ErrLegInProgress   = errors.New("telephony: a call leg is already in progress")
	ErrNeverRegistered = errors.New("telephony: adapter was never brought online")
	ErrClosed          = errors.New("telephony: adapter closed")
)

// Event is one normalised notification. Leg is set for call level kinds.
type Event struct {
	Kind EventKind
	Leg  *LegInfo
	Err  error
	At   time.Time
}

// Handler consumes an Event. A returned error is logged and does not stop
// delivery to other handlers.
type Handler func(Event) error

// RegistrationStatus of the adapter's transport.
type RegistrationStatus string

const (
	StatusUnregistered RegistrationStatus = "unregistered"
	StatusRegistering  RegistrationStatus = "registering"
	StatusRegistered   RegistrationStatus = "registered"
)
