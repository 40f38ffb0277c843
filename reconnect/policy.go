// Package reconnect implements the Reconnect Policy (§4.4): a function from
// attempt count and last error to either a delay before the next connect
// attempt, or a halt signal that ends the session loop.
package reconnect

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy decides how long the session loop should wait before its next
// reconnect attempt, or whether it should give up entirely.
type Policy interface {
	// NextDelay returns the delay to wait before the next reconnect attempt.
	// attemptCount is the number of consecutive failed attempts so far (0
	// resets any internal backoff state, signalling a fresh connected
	// streak). halt is true when the policy has given up; the returned
	// duration is meaningless in that case.
	NextDelay(attemptCount int, lastErr error) (delay time.Duration, halt bool)
}

// ExponentialPolicy is the default Reconnect Policy: exponential backoff
// with jitter between Base and Cap, giving up after MaxAttempts consecutive
// failures (0 means never give up).
type ExponentialPolicy struct {
	bo          *backoff.ExponentialBackOff
	maxAttempts int
}

// New constructs an ExponentialPolicy. base is the first retry delay (before
// jitter), cap bounds how large any single delay can grow, and maxAttempts
// halts the policy after that many consecutive failures (0 = unbounded).
func New(base, cap time.Duration, maxAttempts int) *ExponentialPolicy {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = cap
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0
	eb.Reset()
	return &ExponentialPolicy{bo: eb, maxAttempts: maxAttempts}
}

// NextDelay implements Policy.
func (p *ExponentialPolicy) NextDelay(attemptCount int, lastErr error) (time.Duration, bool) {
	if attemptCount == 0 {
		p.bo.Reset()
	}
	if p.maxAttempts > 0 && attemptCount >= p.maxAttempts {
		return 0, true
	}
	d := p.bo.NextBackOff()
	if d == backoff.Stop {
		return 0, true
	}
	// The backoff library applies jitter after capping the interval, so a
	// randomized delay can exceed MaxInterval; clamp it to cap.
	if d > p.bo.MaxInterval {
		d = p.bo.MaxInterval
	}
	return d, false
}
