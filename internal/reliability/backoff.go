package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes how long a failed delivery waits before its next
// attempt
type BackoffPolicy interface {
	// Delay returns the wait before the n-th retry; n starts at 1
	Delay(n int) time.Duration
}

// ExponentialBackoff waits Base * Multiplier^(n-1), capped at Cap. Jitter is
// off unless enabled, so delays are reproducible.
type ExponentialBackoff struct {
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
	Jitter     bool
}

// NewExponentialBackoff creates a deterministic exponential policy
func NewExponentialBackoff(base, cap time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:       base,
		Cap:        cap,
		Multiplier: multiplier,
	}
}

// Delay implements BackoffPolicy
func (e *ExponentialBackoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(e.Base) * math.Pow(e.Multiplier, float64(n-1))

	if e.Cap > 0 && delay > float64(e.Cap) {
		delay = float64(e.Cap)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// LinearBackoff waits Base + Step*(n-1), capped at Cap
type LinearBackoff struct {
	Base time.Duration
	Step time.Duration
	Cap  time.Duration
}

// NewLinearBackoff creates a linear policy
func NewLinearBackoff(base, step, cap time.Duration) *LinearBackoff {
	return &LinearBackoff{
		Base: base,
		Step: step,
		Cap:  cap,
	}
}

// Delay implements BackoffPolicy
func (l *LinearBackoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := l.Base + l.Step*time.Duration(n-1)
	if l.Cap > 0 && delay > l.Cap {
		delay = l.Cap
	}
	return delay
}

// FixedDelay always waits the same time
type FixedDelay struct {
	Interval time.Duration
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(interval time.Duration) *FixedDelay {
	return &FixedDelay{Interval: interval}
}

// Delay implements BackoffPolicy
func (f *FixedDelay) Delay(int) time.Duration {
	return f.Interval
}

// Retry runs fn up to maxAttempts times, sleeping policy.Delay between
// attempts. Errors that report themselves as not retryable stop early.
func Retry(ctx context.Context, policy BackoffPolicy, maxAttempts int, fn func() error) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= maxAttempts {
			return &RetryError{Op: "retry", Attempts: attempt, MaxAttempts: maxAttempts, LastError: lastErr}
		}
		if !IsRetryableError(err) {
			return lastErr
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// RetryableError marks whether an error is worth retrying
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
