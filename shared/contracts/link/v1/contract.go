// Package v1 defines the pairlink link protocol v1 contract.
//
// It is shared between the transport client and the in-process test gateway so the
// wire format stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = 1

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "pairlink.link.v1"

// CloseUnauthorized is the WebSocket close code a gateway uses to reject stale or
// revoked credentials. Clients map it to StatusUnauthorized.
const CloseUnauthorized = 4401

// StatusUnauthorized is the connection.update status code for explicit rejection.
const StatusUnauthorized = 401

// Type constants (wire-stable).
const (
	// TypeHello starts a link handshake (client -> gateway).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (gateway -> client).
	TypeHelloAck = "hello.ack"

	// TypePairCodeRequest asks for a numeric pairing code (client -> gateway).
	TypePairCodeRequest = "pair.code.request"
	// TypePairCode answers a pairing code request (gateway -> client).
	TypePairCode = "pair.code"

	// TypeConnectionUpdate reports a connection state transition (gateway -> client).
	TypeConnectionUpdate = "connection.update"
	// TypeCredsUpdate carries the full, current credential document (gateway -> client).
	TypeCredsUpdate = "creds.update"
	// TypeKeysUpdate carries incremental key material (gateway -> client).
	TypeKeysUpdate = "keys.update"

	// TypeMessageSend sends a text message to a paired identity (client -> gateway).
	TypeMessageSend = "message.send"
	// TypeMessageAck acknowledges a send (gateway -> client).
	TypeMessageAck = "message.ack"

	// TypeError is a generic error envelope, usually a reply.
	TypeError = "error"
)

// AllowedTypes lists every wire-stable envelope type.
var AllowedTypes = map[string]struct{}{
	TypeHello:            {},
	TypeHelloAck:         {},
	TypePairCodeRequest:  {},
	TypePairCode:         {},
	TypeConnectionUpdate: {},
	TypeCredsUpdate:      {},
	TypeKeysUpdate:       {},
	TypeMessageSend:      {},
	TypeMessageAck:       {},
	TypeError:            {},
}

// Envelope is the canonical wire wrapper. ReplyTo correlates a reply with the ID of
// the request envelope.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// NewEnvelope builds an envelope around payload. A payload that fails to marshal
// yields an empty JSON object so the envelope still validates.
func NewEnvelope(typ, id, replyTo string, payload any, ts time.Time) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil || payload == nil {
		raw = json.RawMessage(`{}`)
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		ReplyTo: replyTo,
		TS:      ts,
		Payload: raw,
	}
}
