package v1

import "encoding/json"

// Connection states carried by ConnectionUpdatePayload.State.
const (
	StateConnecting = "connecting"
	StateOpen       = "open"
	StateClose      = "close"
)

type HelloPayload struct {
	SessionID string          `json:"session_id"`
	Creds     json.RawMessage `json:"creds,omitempty"`
	Browser   []string        `json:"browser,omitempty"`
}

type HelloAckPayload struct {
	Registered bool `json:"registered"`
}

type PairCodeRequestPayload struct {
	Phone string `json:"phone"`
}

type PairCodePayload struct {
	Code string `json:"code"`
}

type ConnectionUpdatePayload struct {
	State      string `json:"state"`
	StatusCode int    `json:"status_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type CredsUpdatePayload struct {
	Creds json.RawMessage `json:"creds"`
}

// KeysUpdatePayload maps category -> key id -> value. A null value deletes the key.
type KeysUpdatePayload struct {
	Keys map[string]map[string]json.RawMessage `json:"keys"`
}

type MessageSendPayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type MessageAckPayload struct {
	MessageID string `json:"message_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
