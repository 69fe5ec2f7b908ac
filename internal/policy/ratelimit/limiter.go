// Package ratelimit implements a per-identity token bucket admission policy.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/scanengine/internal/scan"
)

// AnonymousIdentity buckets callers that present no identity.
const AnonymousIdentity = "anonymous"

// DefaultIdleTTL is how long an unused bucket is kept.
const DefaultIdleTTL = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-identity submission quotas.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	lastScan time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	RPS     float64
	Burst   int
	IdleTTL time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// New creates a new Limiter. RPS <= 0 means unlimited.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = DefaultIdleTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    r,
		burst:   burst,
		idleTTL: idle,
		now:     now,
	}
}

// Admit consumes one token for identity without blocking.
func (l *Limiter) Admit(_ context.Context, identity string) error {
	if identity == "" {
		identity = AnonymousIdentity
	}
	now := l.now()

	l.mu.Lock()
	l.evictIdle(now)
	b, ok := l.buckets[identity]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[identity] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	l.mu.Unlock()

	if !allowed {
		return fmt.Errorf("%w: identity %q", scan.ErrQuotaExceeded, identity)
	}
	return nil
}

// Len reports the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// evictIdle drops buckets unused for idleTTL. Caller holds l.mu.
func (l *Limiter) evictIdle(now time.Time) {
	if now.Sub(l.lastScan) < l.idleTTL/2 {
		return
	}
	l.lastScan = now
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.idleTTL {
			delete(l.buckets, id)
		}
	}
}
