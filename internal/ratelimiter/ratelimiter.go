package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a single shared token bucket, wrapping golang.org/x/time/rate.
//
// Where KeyedLimiter gives every key its own budget, RateLimiter enforces one
// global budget: the gateway uses it as the outer cap on total authentication
// traffic across all front-ends, behind the per-username buckets.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter with the given sustained rate and burst capacity.
//
// Parameters:
//   - requestsPerSecond: Tokens added per second
//   - burst: Bucket capacity; how far traffic may spike above the sustained rate
//
// Special cases:
//   - requestsPerSecond = 0: No rate limiting (every request admitted)
//
// Returns a configured RateLimiter.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		// rate.Inf disables Wait's deadline math, so stand in a bound no
		// real workload reaches.
		requestsPerSecond = 1_000_000_000
		burst = requestsPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow consumes one token if available and reports whether it did.
//
// This is the reject-fast path: callers that cannot queue work, like a login
// handler answering a live connection, use it and turn false into an error.
//
// Thread safety:
// Safe to call concurrently.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
//
// Returns nil once a token was acquired, or the context's error if it was
// cancelled first. Use this on paths that would rather throttle than fail.
//
// Thread safety:
// Safe to call concurrently.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
