package pairing

import "time"

const (
	// DefaultMaxRetries bounds reconnect attempts per session.
	DefaultMaxRetries = 5
	// DefaultRetryDelay is the fixed pause before each reconnect attempt.
	DefaultRetryDelay = 10 * time.Second
)

// Decision is the outcome of a RetryPolicy evaluation.
type Decision struct {
	Retry bool
	After time.Duration
}

// RetryPolicy is a fixed-delay, bounded-attempt policy. It holds no state.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, Delay: DefaultRetryDelay}
}

// Decide returns Retry(Delay) while retryCount < MaxRetries, else GiveUp.
func (p RetryPolicy) Decide(retryCount int) Decision {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= p.MaxRetries {
		return Decision{}
	}
	delay := p.Delay
	if delay < 0 {
		delay = 0
	}
	return Decision{Retry: true, After: delay}
}
