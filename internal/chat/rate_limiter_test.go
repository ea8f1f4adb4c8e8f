package chat

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(now.Add(time.Duration(i) * time.Millisecond)) {
			t.Fatalf("event %d denied within limit", i)
		}
	}
	if rl.Allow(now.Add(10 * time.Millisecond)) {
		t.Fatal("event over limit allowed")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if !rl.Allow(now) || !rl.Allow(now.Add(100*time.Millisecond)) {
		t.Fatal("events within limit denied")
	}
	if rl.Allow(now.Add(200 * time.Millisecond)) {
		t.Fatal("third event in window allowed")
	}

	// First event expires; capacity frees up.
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatal("event denied after window slid")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults limit=%d window=%v", rl.limit, rl.window)
	}
}
