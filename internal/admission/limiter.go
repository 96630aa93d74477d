// Package admission gates inbound work per user before it reaches the
// queue. Each user carries a sliding window of admit timestamps; a request
// is admitted only while fewer than MaxRequests admits fall inside the
// window. Denials are not recorded, so retrying a denied request cannot
// push the user's own window forward.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-relay/internal/config"
)

// Limiter tracks admit timestamps per user over a sliding window.
type Limiter struct {
	stamps      map[string][]time.Time
	maxRequests int
	window      time.Duration
	mu          sync.Mutex
}

// NewLimiter creates a limiter from config. MaxRequests <= 0 or a
// non-positive window disables gating and every request is admitted.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		stamps:      make(map[string][]time.Time),
		maxRequests: cfg.MaxRequests,
		window:      time.Duration(cfg.WindowMs) * time.Millisecond,
	}
}

// Enabled reports whether the limiter gates anything at all.
func (l *Limiter) Enabled() bool {
	return l.maxRequests > 0 && l.window > 0
}

// Allow checks the user's window and records the admit if there is room.
// A denied request is never recorded.
func (l *Limiter) Allow(userID string) bool {
	if !l.Enabled() {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := pruneStamps(l.stamps[userID], cutoff)
	if len(kept) >= l.maxRequests {
		l.stamps[userID] = kept
		return false
	}
	l.stamps[userID] = append(kept, now)
	return true
}

// pruneStamps drops timestamps at or before cutoff, reusing the slice.
func pruneStamps(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// StartSweep launches a background goroutine that periodically evicts
// users whose admits have all aged out of the window. This prevents
// unbounded memory growth from one-off user IDs.
func (l *Limiter) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Sweep removes users with no admits left inside the window.
func (l *Limiter) Sweep() {
	if !l.Enabled() {
		return
	}
	cutoff := time.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for user, stamps := range l.stamps {
		kept := pruneStamps(stamps, cutoff)
		if len(kept) == 0 {
			delete(l.stamps, user)
			evicted++
			continue
		}
		l.stamps[user] = kept
	}
	if evicted > 0 {
		slog.Debug("admission sweep", "evicted", evicted, "remaining", len(l.stamps))
	}
}

// UserCount returns the current number of tracked users (for testing/metrics).
func (l *Limiter) UserCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stamps)
}
