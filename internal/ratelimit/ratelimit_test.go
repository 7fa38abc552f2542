package ratelimit

import (
	"testing"
	"time"
)

func TestKeyedAllowsUpToBurstThenRejects(t *testing.T) {
	k := NewKeyed(3, time.Minute, 0)

	for i := 0; i < 3; i++ {
		if !k.Allow("device1") {
			t.Fatalf("expected attempt %d to be allowed", i)
		}
	}
	if k.Allow("device1") {
		t.Fatalf("expected 4th attempt within the window to be rejected")
	}
}

func TestKeyedTracksKeysIndependently(t *testing.T) {
	k := NewKeyed(1, time.Minute, 0)

	if !k.Allow("a") {
		t.Fatalf("expected first attempt for key a to be allowed")
	}
	if !k.Allow("b") {
		t.Fatalf("expected first attempt for key b to be allowed, independent of a")
	}
	if k.Allow("a") {
		t.Fatalf("expected second attempt for key a to be rejected")
	}
	if k.Count() != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", k.Count())
	}
}

func TestKeyedSweepEvictsStaleEntries(t *testing.T) {
	k := NewKeyed(1, time.Minute, 1)
	k.Allow("stale")
	// Force the entry to look old enough to be swept on the next attempt.
	k.mu.Lock()
	k.limiters["stale"].lastUsed = time.Now().Add(-time.Hour)
	k.mu.Unlock()

	k.Allow("fresh")

	if k.Count() != 1 {
		t.Fatalf("expected stale entry to be swept, leaving 1 key, got %d", k.Count())
	}
}
