package ratelimiter

import (
	"testing"
	"time"
)

// TestKeyedIsolation verifies that exhausting one key's bucket leaves other
// keys unaffected.
func TestKeyedIsolation(t *testing.T) {
	limiter := NewKeyed(1, 3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("alice") {
			t.Fatalf("alice request %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow("alice") {
		t.Error("alice should be exhausted after the burst")
	}

	if !limiter.Allow("bob") {
		t.Error("bob must have an independent bucket")
	}
}

// TestKeyedUnlimited verifies that a zero rate disables limiting.
func TestKeyedUnlimited(t *testing.T) {
	limiter := NewKeyed(0, 0, time.Minute)
	for i := 0; i < 1000; i++ {
		if !limiter.Allow("anyone") {
			t.Fatalf("request %d should be allowed with limiting disabled", i)
		}
	}
	if limiter.Len() != 0 {
		t.Errorf("unlimited mode should not allocate buckets, got %d", limiter.Len())
	}
}

// TestKeyedEviction verifies that idle buckets are dropped after the TTL.
func TestKeyedEviction(t *testing.T) {
	limiter := NewKeyed(1, 1, 10*time.Millisecond)

	limiter.Allow("stale")
	if limiter.Len() != 1 {
		t.Fatalf("expected 1 bucket, got %d", limiter.Len())
	}

	time.Sleep(20 * time.Millisecond)

	// Eviction runs when a new bucket is created.
	limiter.Allow("fresh")
	if limiter.Len() != 1 {
		t.Errorf("stale bucket should have been evicted, got %d buckets", limiter.Len())
	}
}

// TestKeyedRefill verifies that a key recovers tokens over time.
func TestKeyedRefill(t *testing.T) {
	limiter := NewKeyed(100, 1, time.Minute)

	if !limiter.Allow("key") {
		t.Fatal("first request should be allowed")
	}
	if limiter.Allow("key") {
		t.Error("second immediate request should be rejected")
	}

	time.Sleep(20 * time.Millisecond)

	if !limiter.Allow("key") {
		t.Error("request after refill interval should be allowed")
	}
}
