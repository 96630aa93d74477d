package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-relay/internal/config"
)

// gateIdleTTL is how long a thread's counter survives without a submit before
// the sweep may drop it. A dropped counter is re-seeded from the persisted
// turn count on the thread's next submit.
const gateIdleTTL = time.Hour

type threadUsage struct {
	turns    int
	lastSeen time.Time
}

// Gate enforces the per-thread turn and session-age ceilings. The turn
// counter lives in memory and advances on admission, so turns still in
// flight already count against the ceiling; after a restart it re-seeds from
// the persisted count, which lags only by whatever was in flight at the
// crash. Zero or negative config disables the matching gate.
type Gate struct {
	mu       sync.Mutex
	usage    map[string]*threadUsage
	maxTurns int
	maxAge   time.Duration
}

func NewGate(cfg config.LimitsConfig) *Gate {
	return &Gate{
		usage:    make(map[string]*threadUsage),
		maxTurns: cfg.MaxTurns,
		maxAge:   time.Duration(cfg.MaxSessionMinutes) * time.Minute,
	}
}

// CheckAndCount admits or rejects one submission for the thread. Admission
// advances the turn counter; rejection leaves it untouched, so a blocked
// user retrying cannot dig the thread deeper.
func (g *Gate) CheckAndCount(threadID string, storedTurns int, sessionCreatedAt time.Time) error {
	if g.maxAge > 0 && !sessionCreatedAt.IsZero() && time.Since(sessionCreatedAt) > g.maxAge {
		return fmt.Errorf("thread %s: session began %s ago: %w",
			threadID, time.Since(sessionCreatedAt).Round(time.Second), ErrSessionExpired)
	}
	if g.maxTurns <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	u := g.usage[threadID]
	if u == nil {
		u = &threadUsage{}
		g.usage[threadID] = u
	}
	// The persisted count wins when it is ahead, e.g. right after a restart
	// emptied the map.
	if storedTurns > u.turns {
		u.turns = storedTurns
	}
	u.lastSeen = time.Now()
	if u.turns >= g.maxTurns {
		return fmt.Errorf("thread %s: %d of %d turns used: %w", threadID, u.turns, g.maxTurns, ErrTurnLimit)
	}
	u.turns++
	return nil
}

// Forget drops the thread's counter, e.g. after a session reset.
func (g *Gate) Forget(threadID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.usage, threadID)
}

// StartSweep evicts idle counters periodically until ctx is canceled.
func (g *Gate) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Sweep(gateIdleTTL)
			}
		}
	}()
}

// Sweep removes counters idle longer than olderThan.
func (g *Gate) Sweep(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)

	g.mu.Lock()
	defer g.mu.Unlock()

	evicted := 0
	for threadID, u := range g.usage {
		if u.lastSeen.Before(cutoff) {
			delete(g.usage, threadID)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("limits sweep", "evicted", evicted, "remaining", len(g.usage))
	}
}

// ThreadCount returns the number of tracked threads (for testing/metrics).
func (g *Gate) ThreadCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.usage)
}
