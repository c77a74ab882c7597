package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether a principal may issue another request.
type Limiter interface {
	Allow(ctx context.Context, p *Principal) error
}

// TierLimit is the budget of one tier. A zero RequestsPerMinute means
// unlimited. Burst defaults to RequestsPerMinute.
type TierLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// TokenBucketLimiter keeps one token bucket per subject and tier in memory.
// Buckets idle for longer than the idle TTL are dropped on the next sweep.
type TokenBucketLimiter struct {
	tiers    map[string]TierLimit
	fallback TierLimit

	mu       sync.Mutex
	buckets  map[string]*bucket
	lastScan time.Time
	idleTTL  time.Duration
	now      func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucketLimiter creates a limiter. Principals whose tier is not in
// tiers use fallback.
func NewTokenBucketLimiter(tiers map[string]TierLimit, fallback TierLimit) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		tiers:    tiers,
		fallback: fallback,
		buckets:  make(map[string]*bucket),
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Allow takes a token from the principal's bucket.
func (l *TokenBucketLimiter) Allow(_ context.Context, p *Principal) error {
	tier := p.Tier
	if tier == "" {
		tier = "default"
	}
	lim, ok := l.tiers[tier]
	if !ok {
		lim = l.fallback
	}
	if lim.RequestsPerMinute <= 0 {
		return nil
	}
	burst := lim.Burst
	if burst <= 0 {
		burst = lim.RequestsPerMinute
	}

	key := p.Subject + "\x00" + tier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(lim.RequestsPerMinute)/60), burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	if !b.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// sweep drops idle buckets at most once per idle TTL. l.mu must be held.
func (l *TokenBucketLimiter) sweep(now time.Time) {
	if now.Sub(l.lastScan) < l.idleTTL {
		return
	}
	l.lastScan = now
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.idleTTL {
			delete(l.buckets, k)
		}
	}
}

// Len returns the number of live buckets.
func (l *TokenBucketLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
