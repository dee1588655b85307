package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"pairlink/cmd/internal/pairing"
	v1 "pairlink/shared/contracts/link/v1"

	"github.com/coder/websocket"
)

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "bad json: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var bj errBadJSON
	if errors.As(err, &bj) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// closeUpdate maps a terminal read error to the connection update the controller sees.
// The gateway's unauthorized close code becomes pairing.StatusUnauthorized; every
// other ending carries the raw close code (or 0 when the socket just died).
func closeUpdate(err error) pairing.ConnectionUpdate {
	up := pairing.ConnectionUpdate{State: pairing.ConnectionClose, Err: err}

	switch code := websocket.CloseStatus(err); {
	case code == websocket.StatusCode(v1.CloseUnauthorized):
		up.StatusCode = pairing.StatusUnauthorized
	case code != -1:
		up.StatusCode = int(code)
	}
	return up
}
