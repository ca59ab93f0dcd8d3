package retry

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: the base delay starts at the initial value,
// doubles after every retry and is capped, then a uniform jitter in
// [0, maxJitter) is added on top.
type Backoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	maxJitter    time.Duration

	// jitterFunc returns values in [0, 1); tests pin it.
	jitterFunc func() float64
}

// BackoffOption configures a Backoff.
type BackoffOption func(*Backoff)

// WithInitialDelay sets the delay before the first retry.
func WithInitialDelay(d time.Duration) BackoffOption {
	return func(b *Backoff) { b.initialDelay = d }
}

// WithMaxDelay caps the base delay.
func WithMaxDelay(d time.Duration) BackoffOption {
	return func(b *Backoff) { b.maxDelay = d }
}

// WithMaxJitter sets the exclusive upper bound of the added jitter.
func WithMaxJitter(d time.Duration) BackoffOption {
	return func(b *Backoff) { b.maxJitter = d }
}

// WithJitterFunc replaces the random source used for jitter.
func WithJitterFunc(f func() float64) BackoffOption {
	return func(b *Backoff) { b.jitterFunc = f }
}

// NewBackoff returns a Backoff with defaults of 1s initial delay, 30s
// ceiling and up to 250ms jitter.
func NewBackoff(opts ...BackoffOption) *Backoff {
	b := &Backoff{
		initialDelay: time.Second,
		maxDelay:     30 * time.Second,
		maxJitter:    250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Base returns the un-jittered delay before retry number retry (0-based).
func (b *Backoff) Base(retry int) time.Duration {
	d := b.initialDelay
	for i := 0; i < retry; i++ {
		if d >= b.maxDelay/2 {
			return b.maxDelay
		}
		d *= 2
	}
	if d > b.maxDelay {
		return b.maxDelay
	}
	return d
}

// NextDelay returns the jittered delay before retry number retry (0-based).
func (b *Backoff) NextDelay(retry int) time.Duration {
	d := b.Base(retry)
	if b.maxJitter > 0 {
		f := b.jitterFunc
		if f == nil {
			f = rand.Float64
		}
		d += time.Duration(f() * float64(b.maxJitter))
	}
	return d
}
