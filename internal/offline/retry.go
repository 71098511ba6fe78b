package offline

import (
	"math"
	"time"

	"goldrock/internal/models"
)

// RetryPolicy caps failed delivery attempts and spaces optional re-drains.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy allows 1 + models.DefaultMaxRetries attempts per action.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    models.DefaultMaxRetries,
		InitialDelay:  5 * time.Second,
		MaxDelay:      2 * time.Minute,
		BackoffFactor: 2,
	}
}

// Exhausted reports whether an action that just failed with this retry count must be dropped.
func (r RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= r.MaxRetries
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	d := time.Duration(delay)
	if d <= 0 {
		d = time.Second
	}
	return d
}
