package wsconn

import "time"

// Backoff bounds the delay between reconnect attempts.
type Backoff struct {
	RetryDelay    time.Duration // delay before the first retry
	MaxRetryDelay time.Duration // cap; equal to RetryDelay means a fixed delay
}

// DefaultBackoff retries every 3 seconds.
func DefaultBackoff() Backoff {
	return Backoff{
		RetryDelay:    3 * time.Second,
		MaxRetryDelay: 3 * time.Second,
	}
}

// Delay returns the wait before the given attempt (1-based):
// RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.RetryDelay <= 0 {
		b.RetryDelay = DefaultBackoff().RetryDelay
	}
	maxDelay := b.MaxRetryDelay
	if maxDelay < b.RetryDelay {
		maxDelay = b.RetryDelay
	}
	// Past 2^20 the cap has long been reached; avoids overflowing the shift.
	if attempt > 21 {
		return maxDelay
	}
	delay := b.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}
