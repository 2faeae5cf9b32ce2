package p2p

import (
	"testing"
	"time"
)

func TestTokenBucketAllowsBurstThenThrottles(t *testing.T) {
	b := newTokenBucket(1, 3)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !b.allow(now) {
			t.Fatalf("expected burst token %d to be allowed", i)
		}
	}
	if b.allow(now) {
		t.Fatal("expected bucket to be exhausted after burst")
	}
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	b := newTokenBucket(2, 1) // burst is raised to match rate, capacity == 2
	now := time.Now()

	if !b.allow(now) || !b.allow(now) {
		t.Fatal("expected both initial tokens to be allowed")
	}
	if b.allow(now) {
		t.Fatal("expected bucket to be exhausted immediately after")
	}

	later := now.Add(600 * time.Millisecond)
	if !b.allow(later) {
		t.Fatal("expected bucket to have refilled after 600ms at rate 2/s")
	}
}

func TestPoolRateLimiterAllowsWithinBudget(t *testing.T) {
	l := newPoolRateLimiter(100, 10)
	for i := 0; i < 10; i++ {
		if !l.allow() {
			t.Fatalf("expected call %d within burst to be allowed", i)
		}
	}
}
