package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("anyone"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestLimiter_BurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("caller"); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i, err)
		}
	}
	if err := l.Allow("caller"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited after burst", err)
	}
}

func TestLimiter_CallersIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("caller a should be limited, got %v", err)
	}
	if err := l.Allow("b"); err != nil {
		t.Errorf("caller b should have an independent bucket: %v", err)
	}
}

func TestLimiter_Refill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 600, BurstSize: 1})

	if err := l.Allow("caller"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("caller"); !errors.Is(err, ErrRateLimited) {
		t.Fatal("bucket should be empty")
	}

	// Backdate the last fill instead of sleeping: 600/min = 10 tokens/sec,
	// so 200ms buys two tokens (capped at the burst of 1).
	l.mu.Lock()
	l.callers["caller"].lastFill = l.callers["caller"].lastFill.Add(-200 * time.Millisecond)
	l.mu.Unlock()

	if err := l.Allow("caller"); err != nil {
		t.Errorf("expected refill to admit the request: %v", err)
	}
}
