package events

import (
	"math"
	"time"
)

// RetryPolicy defines sequential retry behavior with exponential backoff.
// It drives both patch-debug attempts and queue redelivery pacing.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int `json:"max_retries"`

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration `json:"initial_delay"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `json:"max_delay"`

	// BackoffMultiplier is the exponential backoff multiplier.
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// DefaultRetryPolicy returns the retry policy used by the patch debug
// engine: three attempts, 2s base delay, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      2 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// CalculateDelay calculates the delay applied after the given zero-based
// attempt: InitialDelay * BackoffMultiplier^attempt, capped at MaxDelay.
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}

	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Exhausted returns true once the given one-based attempt count has
// consumed the retry budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxRetries
}
