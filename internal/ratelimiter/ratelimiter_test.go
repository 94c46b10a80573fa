package ratelimiter

import (
	"context"
	"testing"
	"time"
)

func TestAllowEnforcesBurstThenRefills(t *testing.T) {
	limiter := New(10, 10)

	for i := 0; i < 10; i++ {
		if !limiter.Allow() {
			t.Fatalf("request %d should fit in the burst", i)
		}
	}
	if limiter.Allow() {
		t.Fatal("burst exhausted, request should be rejected")
	}

	// At 10 req/s one token lands every 100ms.
	time.Sleep(110 * time.Millisecond)
	if !limiter.Allow() {
		t.Fatal("refilled token should admit one more request")
	}
}

func TestWaitBlocksForNextToken(t *testing.T) {
	limiter := New(10, 1)
	ctx := context.Background()

	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("burst token should be immediate: %v", err)
	}

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("second token should arrive: %v", err)
	}
	elapsed := time.Since(start)

	// Expect roughly the 100ms refill interval, with jitter margin.
	if elapsed < 50*time.Millisecond || elapsed > 200*time.Millisecond {
		t.Fatalf("waited %v, expected about 100ms", elapsed)
	}
}

func TestWaitHonorsContextDeadline(t *testing.T) {
	limiter := New(1, 1)
	if !limiter.Allow() {
		t.Fatal("burst token should be available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx); err == nil {
		t.Fatal("Wait should fail once the deadline passes")
	}
}

func TestZeroRateMeansUnlimited(t *testing.T) {
	limiter := New(0, 0)

	for i := 0; i < 1000; i++ {
		if !limiter.Allow() {
			t.Fatalf("request %d rejected by an unlimited limiter", i)
		}
	}
}

func BenchmarkAllow(b *testing.B) {
	limiter := New(1_000_000, 1_000_000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow()
	}
}
