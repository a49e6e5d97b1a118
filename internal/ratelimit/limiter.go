// Package ratelimit provides the process-wide gate that every upstream call
// passes through. One Limiter is shared by all workers, so the aggregate
// request rate is bounded no matter how many jobs run concurrently.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Gate is what the fetcher needs from a limiter.
type Gate interface {
	Acquire(ctx context.Context) error
}

// Limiter is a token bucket shared by all fetch calls.
type Limiter struct {
	limiter  *rate.Limiter
	acquired atomic.Int64
	waited   atomic.Int64 // nanoseconds spent blocked
}

// New creates a limiter allowing requestsPerSecond on average with the given
// burst. A burst below 1 is raised to 1.
func New(requestsPerSecond float64, burst int) (*Limiter, error) {
	if requestsPerSecond <= 0 {
		return nil, fmt.Errorf("requests per second must be positive, got %v", requestsPerSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}, nil
}

// Unlimited returns a limiter that never blocks.
func Unlimited() *Limiter {
	return &Limiter{limiter: rate.NewLimiter(rate.Inf, 1)}
}

// Acquire blocks until a slot is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}
	l.waited.Add(int64(time.Since(start)))
	l.acquired.Add(1)
	return nil
}

// Acquired returns how many slots have been handed out.
func (l *Limiter) Acquired() int64 {
	return l.acquired.Load()
}

// Waited returns the total time callers spent blocked in Acquire.
func (l *Limiter) Waited() time.Duration {
	return time.Duration(l.waited.Load())
}

// Limit returns the configured rate in requests per second.
func (l *Limiter) Limit() float64 {
	return float64(l.limiter.Limit())
}

// Burst returns the bucket size.
func (l *Limiter) Burst() int {
	return l.limiter.Burst()
}
