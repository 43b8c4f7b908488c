package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestLimiterAllow(t *testing.T) {
	// 10 tokens/sec, capacity 5
	limiter := New(clock.NewMock(), 10, 5)

	// Should allow 5 requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow() {
			t.Errorf("request %d should be allowed", i)
		}
	}

	// 6th request should be denied
	if limiter.Allow() {
		t.Error("6th request should be denied")
	}
}

func TestLimiterRefill(t *testing.T) {
	mock := clock.NewMock()
	limiter := New(mock, 100, 10)

	for i := 0; i < 10; i++ {
		limiter.Allow()
	}
	if limiter.Allow() {
		t.Error("should be empty")
	}

	mock.Add(5 * time.Millisecond)
	if limiter.Allow() {
		t.Error("half a token should not be enough")
	}

	mock.Add(100 * time.Millisecond)
	if !limiter.Allow() {
		t.Error("should have tokens after refill")
	}
}

func TestLimiterRefillCapsAtCapacity(t *testing.T) {
	mock := clock.NewMock()
	limiter := New(mock, 10, 3)
	limiter.AllowN(3)

	mock.Add(time.Hour)
	if got := limiter.Tokens(); got != 3 {
		t.Errorf("Tokens() = %f, want 3", got)
	}
}

func TestLimiterAllowN(t *testing.T) {
	limiter := New(clock.NewMock(), 10, 10)

	if !limiter.AllowN(5) {
		t.Error("should allow 5 requests")
	}
	if !limiter.AllowN(5) {
		t.Error("should allow 5 more requests")
	}
	if limiter.AllowN(1) {
		t.Error("should deny after capacity reached")
	}
}

func TestLimiterTokens(t *testing.T) {
	limiter := New(clock.NewMock(), 10, 5)
	if tokens := limiter.Tokens(); tokens != 5 {
		t.Errorf("expected 5 tokens, got %f", tokens)
	}

	limiter.Allow()
	if tokens := limiter.Tokens(); tokens != 4 {
		t.Errorf("expected 4 tokens, got %f", tokens)
	}
}

func TestLimiterConcurrent(t *testing.T) {
	limiter := New(clock.NewMock(), 1000, 100)

	var wg sync.WaitGroup
	allowed := make(chan bool, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- limiter.Allow()
		}()
	}

	wg.Wait()
	close(allowed)

	count := 0
	for a := range allowed {
		if a {
			count++
		}
	}

	// The mock clock never advances, so exactly the burst gets through.
	if count != 100 {
		t.Errorf("expected 100 allowed, got %d", count)
	}
}

func TestEvery(t *testing.T) {
	tests := []struct {
		interval time.Duration
		want     float64
	}{
		{time.Second, 1},
		{500 * time.Millisecond, 2},
		{0, 0},
		{-time.Second, 0},
	}

	for _, tt := range tests {
		if got := Every(tt.interval); got != tt.want {
			t.Errorf("Every(%v) = %f, want %f", tt.interval, got, tt.want)
		}
	}
}

func TestKeyedLimiterIsolatesKeys(t *testing.T) {
	mock := clock.NewMock()
	kl := NewKeyed(mock, Every(time.Minute), 1, 16)

	if !kl.Allow("peer-a") {
		t.Error("first peer-a event should be allowed")
	}
	if kl.Allow("peer-a") {
		t.Error("second peer-a event should be throttled")
	}
	if !kl.Allow("peer-b") {
		t.Error("peer-b should not share peer-a's bucket")
	}

	mock.Add(time.Minute)
	if !kl.Allow("peer-a") {
		t.Error("peer-a should be allowed again after the interval")
	}
}

func TestKeyedLimiterPrune(t *testing.T) {
	mock := clock.NewMock()
	kl := NewKeyed(mock, Every(time.Minute), 1, 16)

	kl.Allow("a")
	kl.Allow("b")
	if got := kl.Prune(); got != 2 {
		t.Errorf("Prune() = %d, want 2 busy keys", got)
	}

	mock.Add(time.Minute)
	if got := kl.Prune(); got != 0 {
		t.Errorf("Prune() = %d, want 0 after refill", got)
	}
}

func TestKeyedLimiterBounded(t *testing.T) {
	mock := clock.NewMock()
	kl := NewKeyed(mock, Every(time.Minute), 1, 2)

	kl.Allow("a")
	kl.Allow("b")
	if kl.Allow("c") {
		t.Error("a third key should be refused while the table is full of busy keys")
	}
	if got := kl.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}

	mock.Add(time.Minute)
	if !kl.Allow("c") {
		t.Error("idle keys should be pruned to make room")
	}
	if got := kl.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1 after pruning", got)
	}
}
