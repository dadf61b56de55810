package transactions

import (
	"errors"
	"math/rand"
	"time"
)

// errRetryOperation signals that the enclosing retry loop should run the
// operation again. It never escapes a retry helper.
var errRetryOperation = errors.New("retry operation")

const maxRetryAttempts = 1024

// retryOp runs op until it succeeds, returns a non-retry error, or the
// attempt cap is hit. The cap exists only to stop a logic bug from looping
// forever; well-formed callers terminate long before it.
func retryOp(op func() error) error {
	var err error
	for i := 0; i < maxRetryAttempts; i++ {
		err = op()
		if !errors.Is(err, errRetryOperation) {
			return err
		}
	}
	return err
}

// retryOpExponentialBackoff runs op with exponentially growing sleeps
// between retries, until op stops asking for a retry or budget elapses.
// On budget exhaustion the last retry request is surfaced as timedOut.
func retryOpExponentialBackoff(clock Clock, start, cap, budget time.Duration, timedOut error, op func() error) error {
	deadline := clock.Now().Add(budget)
	delay := start
	for {
		err := op()
		if !errors.Is(err, errRetryOperation) {
			return err
		}
		if clock.Now().After(deadline) {
			return timedOut
		}
		clock.Sleep(delay)
		delay *= 2
		if delay > cap {
			delay = cap
		}
	}
}

// Attempt-retry backoff: start at 1ms, double per iteration, cap at 100ms,
// jitter the result by +/-50%.
const (
	retryBackoffStart = 1 * time.Millisecond
	retryBackoffCap   = 100 * time.Millisecond
)

func retryBackoff(iteration int) time.Duration {
	delay := retryBackoffStart
	for i := 0; i < iteration; i++ {
		delay *= 2
		if delay >= retryBackoffCap {
			delay = retryBackoffCap
			break
		}
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func durationToMS(d time.Duration) uint64 {
	return uint64(d / time.Millisecond)
}
