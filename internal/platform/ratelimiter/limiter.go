// Package ratelimiter provides per-principal token buckets for the
// directory's authenticated surface.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PrincipalLimiter keeps one token bucket per authenticated principal and
// evicts buckets that have been idle past the TTL. The zero-size map grows
// only for principals actually seen.
type PrincipalLimiter struct {
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-principal limiter; invalid arguments yield nil, which
// Allow treats as unlimited.
func New(rps float64, burst int, idleTTL time.Duration) *PrincipalLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &PrincipalLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether the principal may consume one token at now. Unknown
// principals start with a full bucket.
func (l *PrincipalLimiter) Allow(principal string, now time.Time) bool {
	if l == nil {
		return true
	}
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[principal]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[principal] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweepLocked(now)
		l.lastSweep = now
	}
	return allowed
}

// Size returns the number of live buckets.
func (l *PrincipalLimiter) Size() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *PrincipalLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for principal, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, principal)
		}
	}
}
