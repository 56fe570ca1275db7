package middleware

import (
	"sync"
	"time"
)

// BreakGlassHeader carries the emergency-access reason. A non-empty value on
// a route that allows it converts a denial into a heavily audited allow.
const BreakGlassHeader = "X-Break-Glass"

const (
	breakGlassMaxPerHour    = 10
	breakGlassCleanupPeriod = 5 * time.Minute
)

// breakGlassLimiter tracks per-user override counts in a rolling one-hour
// window so a compromised account cannot turn break-glass into a standing
// privilege.
type breakGlassLimiter struct {
	mu          sync.Mutex
	entries     map[string][]time.Time
	lastCleanup time.Time
}

func newBreakGlassLimiter() *breakGlassLimiter {
	return &breakGlassLimiter{entries: make(map[string][]time.Time)}
}

// allow records the attempt and reports whether the user is under the limit.
// The caller supplies now so tests can inject a deterministic clock.
func (rl *breakGlassLimiter) allow(userID string, now time.Time, maxPerHour int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Opportunistic sweep of stale users, at most once per cleanup period.
	if now.Sub(rl.lastCleanup) >= breakGlassCleanupPeriod {
		rl.cleanupLocked(now)
		rl.lastCleanup = now
	}

	cutoff := now.Add(-1 * time.Hour)
	existing := rl.entries[userID]
	pruned := existing[:0]
	for _, ts := range existing {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= maxPerHour {
		rl.entries[userID] = pruned
		return false
	}

	rl.entries[userID] = append(pruned, now)
	return true
}

// cleanup drops users with no attempts in the last hour.
func (rl *breakGlassLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupLocked(now)
}

func (rl *breakGlassLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	for userID, timestamps := range rl.entries {
		pruned := timestamps[:0]
		for _, ts := range timestamps {
			if ts.After(cutoff) {
				pruned = append(pruned, ts)
			}
		}
		if len(pruned) == 0 {
			delete(rl.entries, userID)
		} else {
			rl.entries[userID] = pruned
		}
	}
}
