package coap

import (
	"context"
	"math/rand/v2"
	"time"
)

// Retry defaults applied when retries are enabled but a field is unset.
const (
	defaultRetryInitialDelay = 100 * time.Millisecond
	defaultRetryMaxDelay     = 2 * time.Second
	defaultRetryMultiplier   = 2.0
	maxRetryMultiplier       = 1000
)

// RetryPolicy controls how the dispatcher retries failed exchanges.
//
// The zero value makes a single attempt. Only timeouts and transport
// failures are retried; a decode error or a caller error never is.
type RetryPolicy struct {
	MaxAttempts  int           // Total attempts including the first (<=1 means no retry)
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Upper bound for the backoff delay
	Multiplier   float64       // Backoff multiplier
	AddJitter    bool          // Add up to 25% random jitter to each delay
}

// NoRetry returns a policy that makes exactly one attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// normalized fills unset fields with defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultRetryInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultRetryMaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = defaultRetryMultiplier
	}
	if p.Multiplier > maxRetryMultiplier {
		p.Multiplier = maxRetryMultiplier
	}
	return p
}

// retryable reports whether a failure kind may be retried.
func retryable(kind FailureKind) bool {
	return kind == KindTimeout || kind == KindTransport
}

// sleepDuration returns delay with optional jitter applied.
func (p RetryPolicy) sleepDuration(delay time.Duration) time.Duration {
	if !p.AddJitter || delay < 4 {
		return delay
	}
	return delay + time.Duration(rand.Int64N(int64(delay/4)))
}

// next returns the delay that follows delay, capped at MaxDelay.
func (p RetryPolicy) next(delay time.Duration) time.Duration {
	nextDelay := float64(delay) * p.Multiplier
	if nextDelay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(nextDelay)
}

// wait blocks for d or until ctx is done. It reports whether the full
// delay elapsed.
func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
