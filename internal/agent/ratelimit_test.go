package agent

import (
	"testing"
	"time"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("expected first two requests to pass")
	}
	if rl.Allow("u1") {
		t.Fatal("expected third request to be limited")
	}
	if !rl.Allow("u2") {
		t.Fatal("limits must be per key")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("u1") {
		t.Fatal("expected window to slide")
	}
}
