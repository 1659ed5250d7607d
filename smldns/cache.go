package smldns

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// resultCache holds successful resolutions keyed by DNS query name.
type resultCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	clock   clockwork.Clock
}

type cacheEntry struct {
	directoryURL string
	expiresAt    time.Time
}

func newResultCache(ttl time.Duration, clock clockwork.Clock) *resultCache {
	return &resultCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func (c *resultCache) get(queryName string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[queryName]
	c.mu.RUnlock()
	if !ok || c.clock.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.directoryURL, true
}

func (c *resultCache) set(queryName, directoryURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[queryName] = cacheEntry{
		directoryURL: directoryURL,
		expiresAt:    c.clock.Now().Add(c.ttl),
	}
}
