package pairing

import (
	"context"
	"encoding/json"

	"pairlink/cmd/internal/authstate"
)

// StatusUnauthorized marks a close that rejects the credentials outright.
const StatusUnauthorized = 401

// ConnectionState is the transport connection state reported by an Event.
type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClose      ConnectionState = "close"
)

// ConnectionUpdate describes a connection state transition.
type ConnectionUpdate struct {
	State      ConnectionState
	StatusCode int
	Err        error
}

// Unauthorized reports whether this close is an explicit credential rejection.
func (u ConnectionUpdate) Unauthorized() bool {
	return u.State == ConnectionClose && u.StatusCode == StatusUnauthorized
}

// EventKind discriminates Event.
type EventKind uint8

const (
	EventConnection EventKind = iota + 1
	EventCreds
	EventKeys
)

// Event is one notification from a TransportSession.
type Event struct {
	Kind       EventKind
	Connection ConnectionUpdate
	Creds      json.RawMessage
	Keys       authstate.KeyUpdate
}

// TransportSession is a live connection to the messaging platform.
type TransportSession interface {
	// RequestPairingCode asks the remote side for a numeric code for phone.
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	// Events streams connection, credential and key updates. The channel is
	// closed once the session can no longer produce events.
	Events() <-chan Event
	// SendText sends a text message and returns once the remote side acknowledged it.
	SendText(ctx context.Context, to, text string) error
	// Close tears the session down. It is idempotent.
	Close() error
}

// TransportInput binds a new TransportSession to a session's auth state.
type TransportInput struct {
	SessionID string
	State     authstate.State
}

// TransportFactory creates TransportSessions.
type TransportFactory interface {
	Create(ctx context.Context, in TransportInput) (TransportSession, error)
}
