package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen          = errors.New("circuit breaker: circuit is open")
	ErrCircuitHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")

	// Retry errors
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	ErrNonRetryable       = errors.New("retry: error is not retryable")

	// Dead letter errors
	ErrDeadLetterWrite = errors.New("dlq: failed to persist dead letter")
)

// CircuitBreakerError represents a circuit breaker rejection with context
type CircuitBreakerError struct {
	State            CircuitState
	Name             string
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case CircuitOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Second)
		return fmt.Sprintf("circuit breaker %s open: blocked (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	case CircuitHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: limited", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s error in state %v", e.Name, e.State)
	}
}

// Is matches the sentinel for the rejecting state
func (e *CircuitBreakerError) Is(target error) bool {
	switch target {
	case ErrCircuitOpen:
		return e.State == CircuitOpen
	case ErrCircuitHalfOpenLimit:
		return e.State == CircuitHalfOpen
	}
	return false
}

// RetryError represents a retry operation that ran out of attempts
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastError}
}

// DeadLetterError reports a dead letter that could not be persisted; the
// delivery stays in flight
type DeadLetterError struct {
	DeliveryID string
	Attempts   int
	Err        error
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("dlq error: failed to dead-letter %s after %d attempts: %v",
		e.DeliveryID, e.Attempts, e.Err)
}

func (e *DeadLetterError) Unwrap() []error {
	return []error{ErrDeadLetterWrite, e.Err}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrNonRetryable):
		return false
	case errors.Is(err, ErrMaxRetriesExceeded):
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Circuit breaker errors are retryable once the open timeout passes
	var cbErr *CircuitBreakerError
	if errors.As(err, &cbErr) {
		return cbErr.State != CircuitOpen || time.Now().After(cbErr.NextRetry)
	}

	return true
}
