package pairing

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned when the transport session could not be set up.
	ErrUnavailable = errors.New("pairing: service unavailable")

	// ErrRetriesExhausted is returned when reconnect attempts ran out before pairing.
	ErrRetriesExhausted = errors.New("pairing: unable to reconnect after multiple attempts")

	// ErrRejected is returned when the remote side explicitly rejected the credentials.
	ErrRejected = errors.New("pairing: rejected by remote")

	// ErrTimeout is returned when the session deadline passes before settlement.
	ErrTimeout = errors.New("pairing: timed out")

	// ErrSessionActive is returned when a session with the same id is running.
	ErrSessionActive = errors.New("pairing: session already active")

	// ErrBusy is returned when the controller is at its session limit.
	ErrBusy = errors.New("pairing: too many active sessions")

	// ErrNoCredentials is returned when there is nothing to export.
	ErrNoCredentials = errors.New("pairing: no credentials to export")

	// ErrExportFailed wraps any failure of the export step.
	ErrExportFailed = errors.New("pairing: export failed")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind is one of the sentinels above; Err carries the underlying cause.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e OpError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func opErr(op string, kind, err error) error {
	return OpError{Op: op, Kind: kind, Err: err}
}
