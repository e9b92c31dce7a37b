package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the per-caller spawn limiter
type RateLimitConfig struct {
	Enabled   bool
	PerMinute float64
	Burst     int
	IdleTTL   time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyedLimiter keeps one token bucket per caller key
type keyedLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newKeyedLimiter(config RateLimitConfig) *keyedLimiter {
	if config.PerMinute <= 0 {
		config.PerMinute = 6
	}
	if config.Burst <= 0 {
		config.Burst = 3
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}

	return &keyedLimiter{
		limit:   rate.Limit(config.PerMinute / 60),
		burst:   config.Burst,
		idleTTL: config.IdleTTL,
		now:     time.Now,
		entries: make(map[string]*limiterEntry),
	}
}

// Allow consumes one token of key's bucket
func (l *keyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Prune forgets callers idle for longer than the idle TTL
func (l *keyedLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idleTTL)
	pruned := 0
	for key, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of tracked callers
func (l *keyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
