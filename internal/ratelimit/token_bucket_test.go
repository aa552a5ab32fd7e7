package ratelimit

import (
	"testing"
	"time"

	"github.com/lawlink/consult-signaling/internal/clock"
)

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	b := NewTokenBucket(clk, 5, 5) // 5 tokens capacity, 5 tokens/sec.

	if !b.Allow(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(200 * time.Millisecond) // 1 token refilled (5 tokens/sec).
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
}

func TestTokenBucket_DoesNotExceedCapacity(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	b := NewTokenBucket(clk, 1, 1) // capacity 1 token.

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}

	clk.Advance(10 * time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("expected capacity clamp (only 1 token available)")
	}
}

func TestTokenBucket_ZeroRateNeverRefills(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	b := NewTokenBucket(clk, 2, 0)

	if !b.Allow(2) {
		t.Fatalf("expected initial capacity")
	}
	clk.Advance(time.Hour)
	if b.Allow(1) {
		t.Fatalf("expected no refill with zero fill rate")
	}
}
