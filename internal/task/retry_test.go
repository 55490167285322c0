package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedRand(v int64) func(int64) int64 {
	return func(n int64) int64 {
		if v >= n {
			return n - 1
		}
		return v
	}
}

func TestDecideRetriesTransientUnderBudget(t *testing.T) {
	policy := NewRetryPolicy(time.Second, time.Minute, 0)

	decision, delay := policy.Decide(0, 3, Transientf("blip"))
	assert.Equal(t, DecisionRetry, decision)
	assert.Equal(t, time.Second, delay)

	decision, delay = policy.Decide(2, 3, Transientf("blip"))
	assert.Equal(t, DecisionRetry, decision)
	assert.Equal(t, 4*time.Second, delay)
}

func TestDecideDeadLettersPermanentImmediately(t *testing.T) {
	policy := NewRetryPolicy(time.Second, time.Minute, 0)

	// No value in retrying a bug, whatever the remaining budget.
	decision, _ := policy.Decide(0, 5, errors.New("validation failure"))
	assert.Equal(t, DecisionDeadLetter, decision)
}

func TestDecideDeadLettersAtBudget(t *testing.T) {
	policy := NewRetryPolicy(time.Second, time.Minute, 0)

	decision, _ := policy.Decide(3, 3, Transientf("blip"))
	assert.Equal(t, DecisionDeadLetter, decision)

	decision, _ = policy.Decide(7, 3, Transientf("blip"))
	assert.Equal(t, DecisionDeadLetter, decision)
}

func TestDecideZeroBudgetNeverRetries(t *testing.T) {
	policy := NewRetryPolicy(time.Second, time.Minute, 0)

	decision, _ := policy.Decide(0, 0, Transientf("blip"))
	assert.Equal(t, DecisionDeadLetter, decision)
}

func TestBackoffExponentialGrowth(t *testing.T) {
	policy := NewRetryPolicy(time.Second, time.Hour, 0)

	assert.Equal(t, 1*time.Second, policy.Backoff(0))
	assert.Equal(t, 2*time.Second, policy.Backoff(1))
	assert.Equal(t, 4*time.Second, policy.Backoff(2))
	assert.Equal(t, 8*time.Second, policy.Backoff(3))
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	policy := NewRetryPolicy(500*time.Millisecond, 10*time.Second, 0)

	prev := time.Duration(0)
	for attempt := 0; attempt < 64; attempt++ {
		delay := policy.Backoff(attempt)
		assert.GreaterOrEqual(t, delay, prev, "delay regressed at attempt %d", attempt)
		assert.LessOrEqual(t, delay, 10*time.Second)
		prev = delay
	}
	assert.Equal(t, 10*time.Second, policy.Backoff(63))
}

func TestBackoffJitterBounded(t *testing.T) {
	policy := NewRetryPolicy(time.Second, time.Hour, time.Second)
	policy.randFn = fixedRand(250 * int64(time.Millisecond))

	assert.Equal(t, 1250*time.Millisecond, policy.Backoff(0))
	assert.Equal(t, 2250*time.Millisecond, policy.Backoff(1))
}

func TestBackoffJitterNeverExceedsCap(t *testing.T) {
	policy := NewRetryPolicy(4*time.Second, 8*time.Second, 10*time.Second)
	policy.randFn = fixedRand(int64(9 * time.Second))

	assert.LessOrEqual(t, policy.Backoff(1), 8*time.Second)
}

func TestBackoffNegativeAttempt(t *testing.T) {
	policy := NewRetryPolicy(time.Second, time.Minute, 0)
	assert.Equal(t, time.Second, policy.Backoff(-3))
}
