// Package ratelimit provides token bucket rate limiters driven by an
// injectable clock. meshd uses them to keep recurring per-peer warnings
// from flooding the log on every billing cycle.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Limiter is a token bucket rate limiter.
type Limiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	rate     float64   // tokens per second
	capacity float64   // max tokens
	tokens   float64   // current tokens
	lastTime time.Time // last refill time
}

// New creates a new rate limiter.
// rate is tokens per second, capacity is the maximum burst size.
// A nil clock uses the wall clock.
func New(clk clock.Clock, rate float64, capacity int) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		clock:    clk,
		rate:     rate,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		lastTime: clk.Now(),
	}
}

// Every converts a minimum interval between events into a rate.
func Every(interval time.Duration) float64 {
	if interval <= 0 {
		return 0
	}
	return 1 / interval.Seconds()
}

// Allow returns true if a request is allowed, consuming one token.
// Returns false if rate limit is exceeded.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN returns true if n requests are allowed.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()

	needed := float64(n)
	if l.tokens >= needed {
		l.tokens -= needed
		return true
	}
	return false
}

// refill adds tokens based on elapsed time. Must be called with lock held.
func (l *Limiter) refill() {
	now := l.clock.Now()
	elapsed := now.Sub(l.lastTime).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
	}
	l.lastTime = now
}

// Tokens returns the current number of available tokens.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

// full reports whether the bucket has refilled. Must be called with lock held.
func (l *Limiter) full() bool {
	l.refill()
	return l.tokens >= l.capacity
}

// KeyedLimiter provides per-key rate limiting. Idle keys are pruned
// whenever the table grows past its bound, so no background goroutine
// is needed.
type KeyedLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	limiters map[string]*Limiter
	rate     float64
	capacity int
	maxKeys  int
}

// NewKeyed creates a per-key rate limiter tracking at most maxKeys busy keys.
func NewKeyed(clk clock.Clock, rate float64, capacity, maxKeys int) *KeyedLimiter {
	if clk == nil {
		clk = clock.New()
	}
	if maxKeys < 1 {
		maxKeys = 1
	}
	return &KeyedLimiter{
		clock:    clk,
		limiters: make(map[string]*Limiter),
		rate:     rate,
		capacity: capacity,
		maxKeys:  maxKeys,
	}
}

// Allow checks if a request for the given key is allowed.
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	limiter, ok := kl.limiters[key]
	if !ok {
		if len(kl.limiters) >= kl.maxKeys {
			kl.pruneLocked()
		}
		if len(kl.limiters) >= kl.maxKeys {
			// Every tracked key is still throttled; refuse to grow.
			kl.mu.Unlock()
			return false
		}
		limiter = New(kl.clock, kl.rate, kl.capacity)
		kl.limiters[key] = limiter
	}
	kl.mu.Unlock()

	return limiter.Allow()
}

// Prune drops keys whose buckets have fully refilled and returns how many
// remain.
func (kl *KeyedLimiter) Prune() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	kl.pruneLocked()
	return len(kl.limiters)
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

func (kl *KeyedLimiter) pruneLocked() {
	for key, limiter := range kl.limiters {
		limiter.mu.Lock()
		idle := limiter.full()
		limiter.mu.Unlock()
		if idle {
			delete(kl.limiters, key)
		}
	}
}
