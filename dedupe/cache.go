// Package dedupe implements the bounded, TTL'd fingerprint cache that
// suppresses duplicate frame delivery (spec.md §4.2). It is also reused by
// package token as the revocation set, since both are "bounded set of
// strings with expiry" problems.
package dedupe

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCap and DefaultTTL are the spec.md §6.3 defaults.
const (
	DefaultCap = 4096
	DefaultTTL = 60 * time.Second
)

// Cache suppresses duplicate fingerprints. It is safe for concurrent use,
// as required by spec.md §5 ("dedupe cache ... shared across tasks and
// must serialize mutations").
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, time.Time]
	ttl   time.Duration
	clock func() time.Time
}

// New creates a cache bounded at capacity entries, each valid for ttl.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l, _ := lru.New[string, time.Time](capacity)
	return &Cache{lru: l, ttl: ttl, clock: time.Now}
}

// Observe records fp's arrival and reports whether it is new -- true the
// first time a given fingerprint is seen (or after its TTL has lapsed),
// false for a live duplicate. This is the sole authority behind Testable
// Property 1 (dedup idempotence): callers MUST only invoke a frame's
// handler when Observe returns true.
func (c *Cache) Observe(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if seenAt, ok := c.lru.Get(fp); ok {
		if now.Sub(seenAt) <= c.ttl {
			return false
		}
	}
	c.lru.Add(fp, now)
	return true
}

// Contains reports whether fp is present and unexpired, without recording
// a new arrival. Used by token's revocation-set reuse of this cache.
func (c *Cache) Contains(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	seenAt, ok := c.lru.Get(fp)
	if !ok {
		return false
	}
	return c.clock().Sub(seenAt) <= c.ttl
}

// Len returns the number of entries currently tracked (expired or not).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
