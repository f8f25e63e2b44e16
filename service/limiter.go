package service

import (
	"sync"
	"time"

	"github.com/layer-3/wcsap/core"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ChallengeLimiter throttles challenge requests per identity with a token bucket
type ChallengeLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	entries map[core.Identity]*limiterEntry
	now     func() time.Time
	lastGC  time.Time
}

// NewChallengeLimiter allows perMinute challenges per identity with the given burst.
// It returns nil when perMinute is not positive, and a nil limiter allows everything.
func NewChallengeLimiter(perMinute float64, burst int) *ChallengeLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perMinute / 60)
	idleTTL := limiterIdleTTL
	if refill := time.Duration(float64(burst) / float64(limit) * float64(time.Second)); refill > idleTTL {
		idleTTL = refill
	}
	return &ChallengeLimiter{
		limit:   limit,
		burst:   burst,
		idleTTL: idleTTL,
		entries: make(map[core.Identity]*limiterEntry),
		now:     time.Now,
	}
}

// Allow reports whether identity may receive another challenge now
func (l *ChallengeLimiter) Allow(identity core.Identity) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.collectLocked(now)

	entry, ok := l.entries[identity]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[identity] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// collectLocked drops buckets that have been idle long enough to be full again
func (l *ChallengeLimiter) collectLocked(now time.Time) {
	if now.Sub(l.lastGC) < l.idleTTL {
		return
	}
	for identity, entry := range l.entries {
		if now.Sub(entry.lastSeen) >= l.idleTTL {
			delete(l.entries, identity)
		}
	}
	l.lastGC = now
}
