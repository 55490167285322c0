package task

import (
	"math/rand"
	"time"
)

// Decision is the retry policy engine's verdict on a failed execution.
type Decision int

const (
	// DecisionRetry requeues the message with a backoff delay.
	DecisionRetry Decision = iota

	// DecisionDeadLetter routes the message to the dead-letter queue and
	// records a FAILURE result.
	DecisionDeadLetter
)

func (d Decision) String() string {
	if d == DecisionRetry {
		return "retry"
	}
	return "dead-letter"
}

// RetryPolicy decides, on handler failure, whether to requeue with a
// delay or dead-letter, based on attempt count and error classification.
type RetryPolicy struct {
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration

	// BackoffMax caps the computed delay.
	BackoffMax time.Duration

	// Jitter is the upper bound of the random jitter added to each delay.
	Jitter time.Duration

	// randFn returns a pseudo-random int64 in [0, n); overridable in tests.
	randFn func(n int64) int64
}

// NewRetryPolicy builds a RetryPolicy with the given backoff parameters.
func NewRetryPolicy(base, max, jitter time.Duration) RetryPolicy {
	return RetryPolicy{
		BackoffBase: base,
		BackoffMax:  max,
		Jitter:      jitter,
		randFn:      rand.Int63n,
	}
}

// Decide applies the decision table:
//
//	attempt < maxRetries and transient  -> retry with backoff(attempt)
//	attempt < maxRetries and permanent  -> dead-letter immediately
//	attempt >= maxRetries               -> dead-letter
//
// The returned delay is meaningful only for DecisionRetry.
func (p RetryPolicy) Decide(attempt, maxRetries int, err error) (Decision, time.Duration) {
	if attempt >= maxRetries {
		return DecisionDeadLetter, 0
	}
	if Classify(err) == ClassPermanent {
		return DecisionDeadLetter, 0
	}
	return DecisionRetry, p.Backoff(attempt)
}

// Backoff computes base * 2^attempt + random(0, jitter), capped at
// BackoffMax. The pre-jitter component is non-decreasing in attempt and
// the result never exceeds the cap.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.BackoffMax || delay < 0 {
			delay = p.BackoffMax
			break
		}
	}
	if delay > p.BackoffMax {
		delay = p.BackoffMax
	}

	if p.Jitter > 0 && delay < p.BackoffMax {
		randFn := p.randFn
		if randFn == nil {
			randFn = rand.Int63n
		}
		delay += time.Duration(randFn(int64(p.Jitter)))
		if delay > p.BackoffMax {
			delay = p.BackoffMax
		}
	}

	return delay
}
