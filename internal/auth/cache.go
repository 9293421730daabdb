package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL-based in-memory cache with stale-while-revalidate.
// Uses sync.Map for lock-free reads on the hot path. Keys are credential
// digests, never raw credentials.
type AuthCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
	clock func() time.Time
}

type cacheEntry struct {
	caller     *Caller
	expiresAt  time.Time
	refreshing atomic.Bool
}

// AuthCacheGetResult holds the result of a cache lookup.
type AuthCacheGetResult struct {
	Caller       *Caller
	Hit          bool
	NeedsRefresh bool
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl, clock: time.Now}
}

// Get performs a non-blocking cache lookup.
func (c *AuthCache) Get(digest string) AuthCacheGetResult {
	val, ok := c.store.Load(digest)
	if !ok {
		return AuthCacheGetResult{Hit: false}
	}

	entry := val.(*cacheEntry)
	if c.clock().Before(entry.expiresAt) {
		return AuthCacheGetResult{
			Caller: entry.caller,
			Hit:    true,
		}
	}

	// Stale: serve it, and let exactly one reader trigger the refresh.
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return AuthCacheGetResult{
		Caller:       entry.caller,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a caller with a fresh TTL.
func (c *AuthCache) Set(digest string, caller *Caller) {
	c.store.Store(digest, &cacheEntry{
		caller:    caller,
		expiresAt: c.clock().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *AuthCache) Delete(digest string) {
	c.store.Delete(digest)
}
