package v1

import (
	"strings"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	ok := NewEnvelope(TypePairCodeRequest, "01J0000000000000000000000A", "", PairCodeRequestPayload{Phone: "234567"}, now)
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid envelope: %v", err)
	}

	cases := []struct {
		name string
		mut  func(e *Envelope)
		want string
	}{
		{name: "version", mut: func(e *Envelope) { e.V = 2 }, want: "version"},
		{name: "type", mut: func(e *Envelope) { e.Type = "" }, want: "missing type"},
		{name: "unknown type", mut: func(e *Envelope) { e.Type = "presence" }, want: "unsupported type"},
		{name: "id", mut: func(e *Envelope) { e.ID = "" }, want: "missing id"},
		{name: "ts", mut: func(e *Envelope) { e.TS = time.Time{} }, want: "missing ts"},
		{name: "payload", mut: func(e *Envelope) { e.Payload = nil }, want: "missing payload"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := ok
			tc.mut(&e)
			err := e.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate()=%v want error containing %q", err, tc.want)
			}
		})
	}
}

func TestNewEnvelope_NilPayload(t *testing.T) {
	t.Parallel()

	e := NewEnvelope(TypeHelloAck, "x", "y", nil, time.Now())
	if string(e.Payload) != "{}" {
		t.Fatalf("payload=%s want {}", e.Payload)
	}
	if e.ReplyTo != "y" {
		t.Fatalf("reply_to=%q", e.ReplyTo)
	}
}
