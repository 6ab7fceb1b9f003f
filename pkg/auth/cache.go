package auth

import (
	"sync"
	"time"
)

// Principal is the identity a validated credential resolved to.
type Principal struct {
	// Name is the resolved username. For bearer credentials this is the
	// identity reported by the backend, not a claim from the token.
	Name string

	// Scheme is the Authorization scheme that produced this principal
	// ("basic" or "bearer").
	Scheme string
}

// cacheEntry binds a principal to the credential hash that produced it.
type cacheEntry struct {
	principal Principal
	credHash  string
	createdAt time.Time
	expiresAt time.Time
}

// CacheStats is a snapshot of cache effectiveness counters.
type CacheStats struct {
	Entries int           `json:"entries"`
	Hits    int64         `json:"hits"`
	Misses  int64         `json:"misses"`
	TTL     time.Duration `json:"ttl"`
}

// PrincipalCache maps MCP session IDs to validated principals so repeated
// requests on a session skip the backend round trip. A hit requires the
// stored credential hash to match: a session that changes credentials
// mid-stream is treated as a miss and re-validated. Safe for concurrent use.
type PrincipalCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	done    chan struct{}
	hits    int64
	misses  int64
}

// NewPrincipalCache creates a cache with the given entry TTL.
func NewPrincipalCache(ttl time.Duration) *PrincipalCache {
	return &PrincipalCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
}

// Get returns the cached principal for the session if the entry is live and
// its credential hash matches. Expired entries are evicted on read.
func (c *PrincipalCache) Get(sessionID, credHash string) (Principal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[sessionID]
	if !ok {
		c.misses++
		return Principal{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, sessionID)
		c.misses++
		return Principal{}, false
	}
	if entry.credHash != credHash {
		// Same session, different credential. Do not serve the old
		// principal; the caller must re-validate.
		c.misses++
		return Principal{}, false
	}

	c.hits++
	return entry.principal, true
}

// Set stores the principal for a session, replacing any previous entry.
func (c *PrincipalCache) Set(sessionID, credHash string, p Principal) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[sessionID] = &cacheEntry{
		principal: p,
		credHash:  credHash,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	}
}

// Invalidate removes the entry for a session.
func (c *PrincipalCache) Invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
}

// CleanupExpired evicts all expired entries and returns how many were
// removed.
func (c *PrincipalCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of cache counters.
func (c *PrincipalCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries: len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
		TTL:     c.ttl,
	}
}

// StartCleanup starts a background goroutine that evicts expired entries.
func (c *PrincipalCache) StartCleanup(interval time.Duration) {
	if interval == 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.CleanupExpired()
			}
		}
	}()
}

// Stop stops the background cleanup goroutine.
func (c *PrincipalCache) Stop() {
	close(c.done)
}
