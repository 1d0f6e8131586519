package dedup

import (
	"testing"
	"time"
)

func TestSeenWithinWindow(t *testing.T) {
	d := NewDeduplicator(10 * time.Minute)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	if d.Seen(1, "abc") {
		t.Fatalf("first delivery reported as duplicate")
	}
	if !d.Seen(1, "abc") {
		t.Fatalf("redelivery not suppressed")
	}
	if d.Seen(1, "other") {
		t.Fatalf("different hash must be a different event")
	}
	now = now.Add(11 * time.Minute)
	if d.Seen(1, "abc") {
		t.Fatalf("expired entry still suppressed")
	}
	processed, dups, size := d.GetStats()
	if processed != 4 || dups != 1 || size != 2 {
		t.Fatalf("stats processed=%d dups=%d size=%d", processed, dups, size)
	}
}

func TestZeroWindowDisables(t *testing.T) {
	d := NewDeduplicator(0)
	d.Seen(5, "h")
	if d.Seen(5, "h") {
		t.Fatalf("zero window should never suppress")
	}
}

func TestForgetAndCleanup(t *testing.T) {
	d := NewDeduplicator(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }
	d.Seen(1, "a")
	d.Seen(2, "b")
	d.Forget(1, "a")
	if d.Seen(1, "a") {
		t.Fatalf("forgotten event still suppressed")
	}
	now = now.Add(2 * time.Minute)
	if removed := d.cleanup(); removed != 2 {
		t.Fatalf("expected 2 expired entries, got %d", removed)
	}
	d.Stop()
	d.Stop()
}

func TestKeyStable(t *testing.T) {
	if Key(123, "abc") != Key(123, "abc") || Key(123, "abc") == Key(12, "3abc") {
		t.Fatalf("key must be stable and separate id from hash")
	}
}
