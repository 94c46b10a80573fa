package ratelimiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter maintains an independent token bucket per key.
//
// It is used to throttle authentication attempts per username: one client
// hammering a single account must not consume the budget of every other
// account, and a distributed guesser must not bypass the limit by rotating
// usernames within one connection.
//
// Buckets are created lazily on first use and evicted after being idle for
// the configured TTL, so the map does not grow without bound under a
// username-spraying attack.
//
// Thread safety:
// All methods are safe for concurrent use.
type KeyedLimiter struct {
	perSecond rate.Limit
	burst     int
	ttl       time.Duration

	mu      sync.Mutex
	buckets map[string]*keyedBucket
}

type keyedBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyed creates a KeyedLimiter giving each key the specified sustained
// rate and burst capacity.
//
// Parameters:
//   - requestsPerSecond: Maximum sustained rate per key
//   - burst: Maximum burst size per key
//   - ttl: How long an idle key's bucket is retained
//
// Special cases:
//   - requestsPerSecond = 0: No rate limiting (every Allow returns true)
//
// Returns a configured KeyedLimiter.
func NewKeyed(requestsPerSecond float64, burst int, ttl time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		perSecond: rate.Limit(requestsPerSecond),
		burst:     burst,
		ttl:       ttl,
		buckets:   make(map[string]*keyedBucket),
	}
}

// Allow checks if a request for the given key is allowed, consuming one
// token from that key's bucket.
//
// Returns:
//   - true if the request is allowed
//   - false if the key has exhausted its budget
//
// Thread safety:
// Safe to call concurrently.
func (k *KeyedLimiter) Allow(key string) bool {
	if k.perSecond == 0 {
		return true
	}

	now := time.Now()
	k.mu.Lock()
	bucket, ok := k.buckets[key]
	if !ok {
		bucket = &keyedBucket{limiter: rate.NewLimiter(k.perSecond, k.burst)}
		k.buckets[key] = bucket
		k.evictIdleLocked(now)
	}
	bucket.lastSeen = now
	k.mu.Unlock()

	return bucket.limiter.Allow()
}

// Len returns the number of live buckets. Exposed for tests.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// evictIdleLocked drops buckets idle for longer than the TTL. Caller holds
// the mutex. Runs on the bucket-creation path only, so steady-state traffic
// with a stable key set never pays for it.
func (k *KeyedLimiter) evictIdleLocked(now time.Time) {
	if k.ttl <= 0 {
		return
	}
	for key, bucket := range k.buckets {
		if now.Sub(bucket.lastSeen) > k.ttl {
			delete(k.buckets, key)
		}
	}
}
