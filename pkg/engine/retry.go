package engine

import (
	"context"
	"time"
)

// RetryPolicy is a bounded retry budget with a fixed interval between
// attempts.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// Interval is the fixed wait between attempts.
	Interval time.Duration
}

// Do calls fn until it reports done, the budget is exhausted, or the
// context is cancelled. It returns the number of attempts made and the
// error from the last attempt. Exhausting the budget is not itself an
// error; callers decide what exhaustion means.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) (done bool, err error)) (int, bool, error) {
	attempts := 0
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		attempts = attempt

		done, err := fn(attempt)
		if err != nil {
			return attempts, false, err
		}
		if done {
			return attempts, true, nil
		}
		if attempt == p.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return attempts, false, ctx.Err()
		case <-time.After(p.Interval):
		}
	}
	return attempts, false, nil
}
