package p2p

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// tokenBucket is a per-peer inbound rate limiter. Many of these exist at
// once (one per connected peer), so it is kept cheap and hand-rolled
// rather than backed by an x/time/rate.Limiter per instance.
type tokenBucket struct {
	capacity float64
	tokens   float64
	rate     float64
	last     time.Time
	mu       sync.Mutex
}

func newTokenBucket(r float64, burst float64) *tokenBucket {
	if r <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	if burst < r {
		burst = r
	}
	return &tokenBucket{capacity: burst, tokens: burst, rate: r, last: time.Now()}
}

func (b *tokenBucket) allow(now time.Time) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) refillLocked(now time.Time) {
	if now.Before(b.last) {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}

// poolRateLimiter bounds total inbound message throughput across every
// connected peer, independent of each peer's individual allowance. It is
// the pool-wide ceiling sitting above the per-peer tokenBucket tier.
type poolRateLimiter struct {
	limiter *rate.Limiter
}

func newPoolRateLimiter(perSecond float64, burst int) *poolRateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &poolRateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *poolRateLimiter) allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}
