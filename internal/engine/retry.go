package engine

import (
	"math"
	"time"

	"github.com/t77yq/flowplane/internal/model"
)

// Backoff computes the wait before retry number attempt (1-based)
type Backoff interface {
	Delay(attempt int) time.Duration
}

// LinearBackoff waits InitialDelay * attempt, saturating at the largest
// duration
type LinearBackoff struct {
	InitialDelay time.Duration
}

// Delay implements Backoff
func (b LinearBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.InitialDelay > 0 && int64(attempt) > math.MaxInt64/int64(b.InitialDelay) {
		return time.Duration(math.MaxInt64)
	}
	return b.InitialDelay * time.Duration(attempt)
}

// ExponentialBackoff doubles InitialDelay per attempt, capped at MaxDelay
// when MaxDelay is positive
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Delay implements Backoff
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := b.InitialDelay
	for i := 1; i < attempt; i++ {
		if b.MaxDelay > 0 && delay >= b.MaxDelay {
			break
		}
		// stop doubling before the duration overflows
		if delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
	}

	if b.MaxDelay > 0 && delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

// NewBackoff returns the backoff a retry policy asks for. Unknown strategies
// fall back to linear.
func NewBackoff(policy model.RetryPolicy) Backoff {
	if policy.BackoffStrategy == model.BackoffExponential {
		return ExponentialBackoff{InitialDelay: policy.InitialDelay, MaxDelay: policy.MaxDelay}
	}
	return LinearBackoff{InitialDelay: policy.InitialDelay}
}

// CalculateRetryDelay returns the wait before retry number attempt
func CalculateRetryDelay(policy model.RetryPolicy, attempt int) time.Duration {
	return NewBackoff(policy).Delay(attempt)
}
