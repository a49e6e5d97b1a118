package errors

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the retry policy for upstream calls. MaxRetries counts retries,
// not attempts: MaxRetries = 3 allows up to four calls.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the randomization factor in [0, 1) that Retry applies to
	// the delay chosen by Decide. Decide itself ignores it.
	Jitter float64
}

// DefaultPolicy returns 3 retries starting at 500ms, doubling, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

// Decide reports whether a call that has failed attempt times with an error
// of the given kind should be tried again, and how long to wait first. The
// result depends only on the policy, attempt and kind.
func (p Policy) Decide(attempt int, kind Kind) (bool, time.Duration) {
	if attempt < 1 || !kind.Retryable() || attempt > p.MaxRetries {
		return false, 0
	}

	b := p.newBackOff()
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop {
		return false, 0
	}
	return true, delay
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = backoff.DefaultInitialInterval
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = backoff.DefaultMultiplier
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Jittered spreads delay uniformly over [delay*(1-Jitter), delay*(1+Jitter)].
func (p Policy) Jittered(delay time.Duration) time.Duration {
	if p.Jitter <= 0 || delay <= 0 {
		return delay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.MaxInterval = delay
	b.Multiplier = 1
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b.NextBackOff()
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real-time Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryNotify is called before each retry with the failed attempt number,
// its error and the chosen delay.
type RetryNotify func(attempt int, err error, delay time.Duration)

// Retry runs op until it succeeds, fails with a non-retryable error, or the
// policy gives up. The delay from Decide is jittered, and upstream
// Retry-After hints lengthen it, bounded by MaxDelay. A nil sleeper means
// SleepContext.
func Retry(ctx context.Context, p Policy, sleep Sleeper, notify RetryNotify, op func(attempt int) error) error {
	if sleep == nil {
		sleep = SleepContext
	}

	for attempt := 1; ; attempt++ {
		err := op(attempt)
		if err == nil {
			return nil
		}

		retry, delay := p.Decide(attempt, KindOf(err))
		if !retry {
			if attempt > 1 {
				return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
			}
			return err
		}
		delay = p.Jittered(delay)

		if hint := RetryAfterOf(err); hint > delay {
			delay = hint
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		if notify != nil {
			notify(attempt, err, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			return Permanent("retry wait", fmt.Errorf("interrupted after %d attempts: %w", attempt, err))
		}
	}
}
