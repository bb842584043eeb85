package domain

import (
	"testing"
	"time"
)

func TestDelay_NoBackoff(t *testing.T) {
	p := RetryPolicy{
		AllowRetryBackOff: false,
		RetryDelay:        2 * time.Second,
		MaxRetryDelay:     30 * time.Second,
	}
	for _, attempt := range []int{1, 5, 100} {
		if d := Delay(attempt, p); d != 2*time.Second {
			t.Fatalf("Delay(%d) = %v, want 2s", attempt, d)
		}
	}
}

func TestDelay_LinearBackoff(t *testing.T) {
	p := RetryPolicy{
		AllowRetryBackOff: true,
		RetryDelay:        time.Second,
		MaxRetryDelay:     30 * time.Second,
	}
	if d := Delay(1, p); d != time.Second {
		t.Fatalf("Delay(1) = %v, want 1s", d)
	}
	if d := Delay(3, p); d != 3*time.Second {
		t.Fatalf("Delay(3) = %v, want 3s", d)
	}
	if d := Delay(100, p); d != 30*time.Second {
		t.Fatalf("Delay(100) = %v, want cap 30s", d)
	}
}

func TestDelay_MonotoneUpToCap(t *testing.T) {
	p := RetryPolicy{
		AllowRetryBackOff: true,
		RetryDelay:        500 * time.Millisecond,
		MaxRetryDelay:     10 * time.Second,
	}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 50; attempt++ {
		d := Delay(attempt, p)
		if d < prev {
			t.Fatalf("Delay(%d) = %v decreased from %v", attempt, d, prev)
		}
		if d > p.MaxRetryDelay {
			t.Fatalf("Delay(%d) = %v exceeds cap %v", attempt, d, p.MaxRetryDelay)
		}
		prev = d
	}
}

func TestVisibilitySeconds(t *testing.T) {
	p := RetryPolicy{
		AllowRetryBackOff: true,
		RetryDelay:        60 * time.Second,
		MaxRetryDelay:     50_000_000 * time.Millisecond,
	}
	if s := VisibilitySeconds(10, p); s != 600 {
		t.Fatalf("VisibilitySeconds(10) = %d, want 600", s)
	}
	// 1000 x 60s = 60,000s, capped by the policy at 50,000s, then clamped
	// to the broker maximum of 43,200s.
	if s := VisibilitySeconds(1000, p); s != 43200 {
		t.Fatalf("VisibilitySeconds(1000) = %d, want 43200", s)
	}
}

func TestVisibilitySeconds_RoundsDown(t *testing.T) {
	p := RetryPolicy{
		AllowRetryBackOff: false,
		RetryDelay:        1500 * time.Millisecond,
	}
	if s := VisibilitySeconds(1, p); s != 1 {
		t.Fatalf("VisibilitySeconds = %d, want 1", s)
	}
}

func TestDecide(t *testing.T) {
	p := RetryPolicy{MaxRetryAttempts: 3, AllowRetry: true}
	if d := Decide(p, 0); d != DecideRetry {
		t.Fatalf("Decide(0) = %v, want retry", d)
	}
	if d := Decide(p, 2); d != DecideRetry {
		t.Fatalf("Decide(2) = %v, want retry", d)
	}
	if d := Decide(p, 3); d != DecideExceeded {
		t.Fatalf("Decide(3) = %v, want exceeded", d)
	}
	if d := Decide(p, 7); d != DecideExceeded {
		t.Fatalf("Decide(7) = %v, want exceeded", d)
	}

	p.AllowRetry = false
	if d := Decide(p, 1); d != DecideDrop {
		t.Fatalf("Decide with retries disabled = %v, want drop", d)
	}
	if d := Decide(p, 3); d != DecideExceeded {
		t.Fatalf("Decide exhausted with retries disabled = %v, want exceeded", d)
	}
}

func TestQueueSpecPolicy(t *testing.T) {
	q := QueueSpec{
		Name:              "orders",
		MaxRetryAttempts:  5,
		AllowRetry:        true,
		AllowRetryBackOff: true,
		RetryDelay:        time.Second,
		MaxRetryDelay:     30 * time.Second,
	}
	p := q.Policy()
	if p.MaxRetryAttempts != 5 || !p.AllowRetry || !p.AllowRetryBackOff {
		t.Fatalf("policy flags not carried over: %+v", p)
	}
	if p.RetryDelay != time.Second || p.MaxRetryDelay != 30*time.Second {
		t.Fatalf("policy delays not carried over: %+v", p)
	}
}
