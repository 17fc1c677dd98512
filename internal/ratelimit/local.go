package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalBuckets keeps one in-process token bucket per key. Idle buckets are
// dropped by Sweep.
type LocalBuckets struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

func NewLocalBuckets(perSecond float64, burst int) *LocalBuckets {
	return &LocalBuckets{
		entries: make(map[string]*localEntry),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

func (b *LocalBuckets) Allow(key string) Result {
	now := b.now()

	b.mu.Lock()
	entry := b.entries[key]
	if entry == nil {
		entry = &localEntry{limiter: rate.NewLimiter(b.limit, b.burst)}
		b.entries[key] = entry
	}
	entry.lastSeen = now
	b.mu.Unlock()

	allowed := entry.limiter.AllowN(now, 1)
	remaining := entry.limiter.TokensAt(now)
	return Result{
		Allowed:    allowed,
		Limit:      b.burst,
		Remaining:  int(remaining),
		RetryAfter: retryAfter(allowed, remaining, float64(b.limit)),
	}
}

// Sweep drops buckets idle for longer than idle and returns how many remain.
func (b *LocalBuckets) Sweep(idle time.Duration) int {
	cutoff := b.now().Add(-idle)

	b.mu.Lock()
	defer b.mu.Unlock()
	for key, entry := range b.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(b.entries, key)
		}
	}
	return len(b.entries)
}
