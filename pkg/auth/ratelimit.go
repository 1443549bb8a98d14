package auth

import (
	"context"
	"sync"
	"time"
)

// RateLimiter decides whether an authenticated caller's request may
// proceed. Implementations must be safe for concurrent use.
type RateLimiter interface {
	// Allow reports nil when the request may proceed, or
	// ErrTooManyRequests when the caller is over its limit.
	Allow(ctx context.Context, identity *Identity) error
}

// TierConfig holds the limit settings for one service tier.
type TierConfig struct {
	// RequestsPerMinute is the sustained refill rate. Zero or negative
	// disables limiting for the tier.
	RequestsPerMinute int

	// Burst is the bucket capacity. Zero means RequestsPerMinute.
	Burst int
}

// TokenBucketLimiter enforces per-identity token buckets in process
// memory. Each caller gets a bucket sized to its tier's burst that
// refills continuously at the tier's sustained rate, so short spikes
// pass while sustained overload is rejected.
//
// State is per process. Behind a load balancer each replica enforces
// its own share.
type TokenBucketLimiter struct {
	tiers       map[string]TierConfig
	defaultTier TierConfig

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewTokenBucketLimiter creates a limiter with per-tier configuration.
// defaultTier applies to identities whose tier has no entry in tiers.
func NewTokenBucketLimiter(tiers map[string]TierConfig, defaultTier TierConfig) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		tiers:       tiers,
		defaultTier: defaultTier,
		buckets:     make(map[string]*bucket),
	}
}

// Allow takes one token from the caller's bucket.
func (l *TokenBucketLimiter) Allow(_ context.Context, identity *Identity) error {
	return l.allowAt(time.Now(), identity)
}

// allowAt is the clock-injected core of Allow.
func (l *TokenBucketLimiter) allowAt(now time.Time, identity *Identity) error {
	tier := identity.ServiceTier
	if tier == "" {
		tier = "default"
	}
	cfg, ok := l.tiers[tier]
	if !ok {
		cfg = l.defaultTier
	}
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}
	burst := float64(cfg.Burst)
	if burst <= 0 {
		burst = float64(cfg.RequestsPerMinute)
	}

	key := identity.Subject + ":" + tier

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, lastFill: now}
		l.buckets[key] = b
	}

	// Continuous refill at the sustained rate, capped at burst.
	if elapsed := now.Sub(b.lastFill); elapsed > 0 {
		b.tokens = min(b.tokens+elapsed.Minutes()*float64(cfg.RequestsPerMinute), burst)
		b.lastFill = now
	}

	if b.tokens < 1 {
		return ErrTooManyRequests
	}
	b.tokens--
	return nil
}
