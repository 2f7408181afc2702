package http

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// decideLimiter throttles approve/reject to 1 req/s with burst 1 per
// (operator, trade) key, absorbing double-click double-submits before they
// reach the store.
type decideLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const limiterIdleTTL = 10 * time.Minute

func newDecideLimiter() *decideLimiter {
	return &decideLimiter{entries: make(map[string]*limiterEntry)}
}

// Allow reports whether this (operator, trade) pair may submit now.
func (l *decideLimiter) Allow(operatorID, tradeID string) bool {
	key := operatorID + "|" + tradeID
	now := time.Now()

	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{lim: rate.NewLimiter(rate.Limit(1), 1)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	if len(l.entries) > 1024 {
		l.prune(now)
	}
	l.mu.Unlock()

	return entry.lim.Allow()
}

func (l *decideLimiter) prune(now time.Time) {
	for key, entry := range l.entries {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.entries, key)
		}
	}
}
