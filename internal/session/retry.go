package session

import "time"

// RetryPolicy decides whether and when to re-establish a session after a
// transient disconnect. attempt starts at 1 for the first reconnect.
type RetryPolicy interface {
	Next(attempt int) (delay time.Duration, retry bool)
}

// EagerRetry reconnects immediately and indefinitely on every transient
// disconnect, with no backoff and no cap. A flapping transport therefore
// produces a tight reconnect loop; bound it by injecting a different policy.
type EagerRetry struct{}

func (EagerRetry) Next(int) (time.Duration, bool) {
	return 0, true
}

// BoundedRetry retries immediately up to Max attempts, then gives up.
type BoundedRetry struct {
	Max int
}

func (b BoundedRetry) Next(attempt int) (time.Duration, bool) {
	return 0, attempt <= b.Max
}
