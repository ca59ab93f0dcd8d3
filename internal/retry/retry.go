// Package retry runs a unit of work with bounded retries. A Classifier tags
// each failure as Transient or Fatal; only transient failures are retried,
// after an exponentially growing, jittered delay.
package retry

import (
	"context"
	"time"
)

// DefaultMaxAttempts is the number of retries after the first attempt.
const DefaultMaxAttempts = 3

// Policy configures Do.
type Policy struct {
	// MaxAttempts is the number of retries after the initial attempt, so the
	// unit of work runs at most MaxAttempts+1 times. Zero disables retries.
	MaxAttempts int
	Backoff     *Backoff   // nil means NewBackoff()
	Classifier  Classifier // nil means SQLServerClassifier
	// OnRetry, if set, is called before each wait with the retry number
	// (1-based), the failure being retried and the delay about to be slept.
	OnRetry func(retry int, err error, delay time.Duration)
	// Sleep waits for d or until ctx is done. nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do runs op until it succeeds, fails fatally or the retry budget is spent.
// The last failure is returned unchanged on exhaustion.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		classifier = p.Classifier
		backoff    = p.Backoff
		sleep      = p.Sleep
	)
	if classifier == nil {
		classifier = SQLServerClassifier{}
	}
	if backoff == nil {
		backoff = NewBackoff()
	}
	if sleep == nil {
		sleep = timerSleep
	}

	out, err := op(ctx)
	for retry := 0; err != nil; retry++ {
		if classifier.Classify(err) != Transient || retry >= p.MaxAttempts {
			return out, err
		}
		delay := backoff.NextDelay(retry)
		if p.OnRetry != nil {
			p.OnRetry(retry+1, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			var zero T
			return zero, serr
		}
		out, err = op(ctx)
	}
	return out, nil
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
