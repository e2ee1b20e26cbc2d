package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(time.Minute, 3, 100, time.Hour)
	defer l.Close()

	for i := 0; i < 3; i++ {
		if r := l.Allow("k1"); !r.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	r := l.Allow("k1")
	if r.Allowed {
		t.Fatal("4th request should be rate limited")
	}
	if r.RetryAfterMs <= 0 {
		t.Fatalf("RetryAfterMs should be positive, got %d", r.RetryAfterMs)
	}
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := New(20*time.Millisecond, 1, 100, time.Hour)
	defer l.Close()

	if r := l.Allow("k1"); !r.Allowed {
		t.Fatal("first request should be allowed")
	}
	if r := l.Allow("k1"); r.Allowed {
		t.Fatal("second request within window should be denied")
	}
	time.Sleep(30 * time.Millisecond)
	if r := l.Allow("k1"); !r.Allowed {
		t.Fatal("request after window elapsed should be allowed")
	}
}

func TestTrackedKeysNeverExceedsCap(t *testing.T) {
	const cap = 5
	l := New(time.Minute, 10, cap, time.Hour)
	defer l.Close()

	for i := 0; i < cap*4; i++ {
		l.Allow(string(rune('a' + i%26)))
		if got := l.TrackedKeys(); got > cap {
			t.Fatalf("tracked keys = %d, want <= %d", got, cap)
		}
	}
}

func TestSweepExpiresStaleWindows(t *testing.T) {
	l := New(10*time.Millisecond, 10, 100, 15*time.Millisecond)
	defer l.Close()

	l.Allow("k1")
	if got := l.TrackedKeys(); got != 1 {
		t.Fatalf("tracked keys = %d, want 1", got)
	}

	time.Sleep(80 * time.Millisecond)
	if got := l.TrackedKeys(); got != 0 {
		t.Fatalf("tracked keys after sweep = %d, want 0", got)
	}
}
