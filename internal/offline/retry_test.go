package offline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyExhausted(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestRetryPolicyNextDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicyNextDelayDefaults(t *testing.T) {
	var p RetryPolicy
	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
}
