// Package ratelimit throttles external scrape calls with a token bucket per owner.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/firescrape/internal/metrics"
)

const defaultIdleTTL = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-owner rate limits. Owners idle for longer than the
// idle TTL are forgotten.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*entry
	defaultRate  rate.Limit
	defaultBurst int
	idleTTL      time.Duration
	lastSweep    time.Time
	now          func() time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	RPS   float64
	Burst int
	// IdleTTL is how long an owner's bucket is kept without calls. It is
	// raised to the bucket's refill time so eviction never resets a debt.
	IdleTTL time.Duration
}

// New creates a new Limiter. A non-positive RPS disables throttling.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	if cfg.RPS > 0 {
		if refill := time.Duration(float64(burst) / cfg.RPS * float64(time.Second)); ttl < refill {
			ttl = refill
		}
	}
	return &Limiter{
		limiters:     make(map[string]*entry),
		defaultRate:  r,
		defaultBurst: burst,
		idleTTL:      ttl,
		now:          time.Now,
	}
}

// Wait blocks until a token is available for the given owner, respecting the context.
func (l *Limiter) Wait(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		ownerID = "anonymous"
	}
	e := l.acquire(ownerID)

	start := time.Now()
	err := e.limiter.Wait(ctx)
	l.touch(e)
	if err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not delays.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

func (l *Limiter) acquire(ownerID string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweepLocked(now)
	e, ok := l.limiters[ownerID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.defaultRate, l.defaultBurst)}
		l.limiters[ownerID] = e
	}
	e.lastSeen = now
	return e
}

func (l *Limiter) touch(e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.lastSeen = l.now()
}

// sweepLocked drops idle owners at most once per idle TTL.
func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	l.lastSweep = now
	for owner, e := range l.limiters {
		if now.Sub(e.lastSeen) >= l.idleTTL {
			delete(l.limiters, owner)
		}
	}
}

// Owners reports how many owners currently hold a bucket.
func (l *Limiter) Owners() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
