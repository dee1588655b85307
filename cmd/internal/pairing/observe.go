package pairing

import (
	"context"
	"time"
)

// Outcome labels used for metrics and audit.
const (
	OutcomeCompleted    = "completed"
	OutcomeExportFailed = "export_failed"
	OutcomeRejected     = "rejected"
	OutcomeExhausted    = "retries_exhausted"
	OutcomeSetupFailed  = "setup_failed"
	OutcomeTimeout      = "timeout"
	OutcomeAborted      = "aborted"
)

// Metrics receives lifecycle counters. Implementations must be safe for concurrent use.
type Metrics interface {
	SessionStarted()
	SessionFinished(outcome string)
	CodeIssued()
	ReconnectScheduled()
	ExportFinished(err error)
	ActiveSessions(delta int)
}

type nopMetrics struct{}

func (nopMetrics) SessionStarted()          {}
func (nopMetrics) SessionFinished(string)   {}
func (nopMetrics) CodeIssued()              {}
func (nopMetrics) ReconnectScheduled()      {}
func (nopMetrics) ExportFinished(error)     {}
func (nopMetrics) ActiveSessions(delta int) {}

// AuditEvent is one lifecycle record.
type AuditEvent struct {
	SessionID  string
	AttemptID  string
	Action     string
	Status     Status
	RetryCount int
	Meta       map[string]any
	At         time.Time
}

// Recorder persists lifecycle records. Record must not block the session for long
// and must not return errors; failures are the recorder's to log.
type Recorder interface {
	Record(ctx context.Context, ev AuditEvent)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, AuditEvent) {}

// Terminator ends the process once a session finished exporting: code 0 after a
// successful export, non-zero after a failed one.
type Terminator interface {
	Terminate(code int)
}

type nopTerminator struct{}

func (nopTerminator) Terminate(int) {}
