package pairing

import (
	"fmt"
	"sync"
)

// DefaultSessionID is used when the caller identifier has no digits.
const DefaultSessionID = "session"

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusInitializing         Status = "initializing"
	StatusAwaitingRegistration Status = "awaiting_registration"
	StatusPairingCodeIssued    Status = "pairing_code_issued"
	StatusConnected            Status = "connected"
	StatusExporting            Status = "exporting"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
)

var statusRank = map[Status]int{
	StatusInitializing:         0,
	StatusAwaitingRegistration: 1,
	StatusPairingCodeIssued:    2,
	StatusConnected:            3,
	StatusExporting:            4,
	StatusCompleted:            5,
	StatusFailed:               5,
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Session is the in-memory state of one pairing session. Only the goroutine
// running the session mutates it; Snapshot may be called from anywhere.
type Session struct {
	ID        string
	StorePath string

	mu         sync.Mutex
	status     Status
	retryCount int
}

func newSession(id, storePath string) *Session {
	return &Session{ID: id, StorePath: storePath, status: StatusInitializing}
}

// SessionSnapshot is a point-in-time copy of a Session.
type SessionSnapshot struct {
	ID         string
	StorePath  string
	Status     Status
	RetryCount int
}

// Snapshot returns a consistent copy of the session state.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{ID: s.ID, StorePath: s.StorePath, Status: s.status, RetryCount: s.retryCount}
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RetryCount returns the number of reconnect attempts made so far.
func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// advance moves the session forward. Statuses only move forward, except that a
// non-terminal session may restart at StatusInitializing when a retry begins.
func (s *Session) advance(next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.status
	switch {
	case cur == next:
		return nil
	case cur.Terminal():
		return fmt.Errorf("pairing: session %s is %s, cannot move to %s", s.ID, cur, next)
	case next == StatusInitializing:
	case statusRank[next] < statusRank[cur]:
		return fmt.Errorf("pairing: session %s cannot move from %s to %s", s.ID, cur, next)
	}
	s.status = next
	return nil
}

func (s *Session) incRetry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount++
	return s.retryCount
}
