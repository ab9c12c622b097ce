package agent

import (
	"math"
	"time"
)

// RetryContext carries the attempt history of one step. It is a value type:
// Next returns a new context and never touches the receiver.
type RetryContext struct {
	AttemptNumber       int      `json:"attempt_number"`
	MaxAttempts         int      `json:"max_attempts"`
	PreviousErrors      []string `json:"previous_errors,omitempty"`
	SuggestedAdjustment string   `json:"suggested_adjustment,omitempty"`
}

// NewRetryContext starts at attempt 1.
func NewRetryContext(maxAttempts int) RetryContext {
	return RetryContext{AttemptNumber: 1, MaxAttempts: maxAttempts}
}

// Next records err as the outcome of the current attempt and moves to the next one.
func (rc RetryContext) Next(err, adjustment string) RetryContext {
	prev := make([]string, len(rc.PreviousErrors), len(rc.PreviousErrors)+1)
	copy(prev, rc.PreviousErrors)
	return RetryContext{
		AttemptNumber:       rc.AttemptNumber + 1,
		MaxAttempts:         rc.MaxAttempts,
		PreviousErrors:      append(prev, err),
		SuggestedAdjustment: adjustment,
	}
}

func (rc RetryContext) CanRetry() bool {
	return rc.AttemptNumber < rc.MaxAttempts
}

// RetryStrategy computes exponential backoff. It holds configuration only.
type RetryStrategy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
	}
}

// NewContext returns a fresh context bounded by the strategy's attempt limit.
func (s RetryStrategy) NewContext() RetryContext {
	return NewRetryContext(s.MaxAttempts)
}

// Delay returns min(MaxDelay, BaseDelay * Multiplier^(attempt-1)). Attempt 1
// waits exactly BaseDelay.
func (s RetryStrategy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := s.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(s.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if s.MaxDelay > 0 && d > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(d)
}

// ShouldRetry is false once the attempt number reaches the limit.
func (s RetryStrategy) ShouldRetry(rc RetryContext) bool {
	return rc.CanRetry()
}
