// Package retry runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first. Values below 1 mean 1.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Multiplier grows the delay between attempts. Values below 1 mean 2.
	Multiplier float64
	// Jitter spreads each delay by up to ±25%.
	Jitter bool
}

// Default returns the policy used for paid image APIs: three attempts,
// waiting 2s then 4s, never more than 16s.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    16 * time.Second,
		Multiplier:  2,
	}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before retry number n (n >= 1).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := float64(p.BaseDelay) * math.Pow(mult, float64(n-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay += (rand.Float64()*2 - 1) * delay * 0.25
	}
	return time.Duration(delay)
}

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// Option configures Do.
type Option func(*options)

type options struct {
	onRetry func(attempt int, err error, delay time.Duration)
}

// OnRetry registers a hook called before each wait.
func OnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do calls fn until it succeeds, returns an error the classifier rejects,
// the policy is exhausted or ctx is done. It returns the number of calls made
// and the last error, unwrapped.
func Do(ctx context.Context, p Policy, retryable Classifier, fn func(ctx context.Context, attempt int) error, opts ...Option) (int, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	max := p.attempts()
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt == max || retryable == nil || !retryable(err) || ctx.Err() != nil {
			return attempt, err
		}

		delay := p.Delay(attempt)
		if o.onRetry != nil {
			o.onRetry(attempt, err, delay)
		}
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
	}
	return max, err
}
