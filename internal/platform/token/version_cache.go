package token

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultVersionCacheTTL bounds how long a revocation can go undetected. Short
// enough that a password change locks out stale tokens promptly, long enough
// to keep the user store off the hot path.
const DefaultVersionCacheTTL = 45 * time.Second

type versionEntry struct {
	version   int64
	fetchedAt time.Time
}

// VersionCache fronts a VersionSource with a short-TTL in-memory cache. Safe
// for concurrent use. Lookup failures are never cached: a store outage must
// not pin a possibly-revoked version in memory.
type VersionCache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]versionEntry
	source  VersionSource
	ttl     time.Duration
	now     func() time.Time
}

func NewVersionCache(source VersionSource, ttl time.Duration) *VersionCache {
	if ttl <= 0 {
		ttl = DefaultVersionCacheTTL
	}
	return &VersionCache{
		entries: make(map[uuid.UUID]versionEntry),
		source:  source,
		ttl:     ttl,
		now:     time.Now,
	}
}

// TokenVersion implements VersionSource.
func (c *VersionCache) TokenVersion(ctx context.Context, userID uuid.UUID) (int64, error) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.version, nil
	}

	version, err := c.source.TokenVersion(ctx, userID)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.entries[userID] = versionEntry{version: version, fetchedAt: c.now()}
	c.mu.Unlock()

	return version, nil
}

// Invalidate drops the cached version for a user so the next lookup hits the
// authoritative record. Called on the node that processes a password change;
// other nodes converge within the TTL.
func (c *VersionCache) Invalidate(userID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}
