// Package ratelimit provides a deterministic token bucket, used to cap the
// rate of inbound signaling frames per session.
package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens. Fixed-point refill avoids float drift when a
// bucket is probed at a high rate.
const nanosPerToken int64 = int64(time.Second)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at an integer rate of tokens per second up to a fixed
// capacity. A fresh bucket starts full, so bursts up to the capacity pass
// before the rate applies.
type TokenBucket struct {
	clock    Clock
	capacity int64 // nano-tokens
	rate     int64 // tokens/sec, equal to nano-tokens per nanosecond

	mu        sync.Mutex
	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, tokensPerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if tokensPerSecond < 0 {
		tokensPerSecond = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacityTokens * nanosPerToken,
		rate:      tokensPerSecond,
		available: capacityTokens * nanosPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < nanosPerToken {
		return false
	}
	b.available -= nanosPerToken
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate <= 0 {
		return
	}

	need := b.capacity - b.available
	if need <= 0 {
		return
	}
	// Clamp before multiplying so a long idle period cannot overflow.
	if elapsed >= need/b.rate+1 {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.rate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}
