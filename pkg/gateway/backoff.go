package gateway

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap on the delay between retries
	Multiplier float64       // exponential backoff factor
	Jitter     bool          // randomize delays to avoid thundering herd
}

// DefaultRetryPolicy returns the default backoff schedule: 1s base, doubling,
// capped at 30s, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay calculates the delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if max := float64(p.MaxDelay); delay > max {
		delay = max
	}
	if p.Jitter {
		// +/- 50% jitter
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay)
}
