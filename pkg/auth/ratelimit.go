package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// clientIDHashLen is how many hex characters of the credential hash go into
// the client fingerprint.
const clientIDHashLen = 16

// ClientID builds the rate-limit fingerprint for a validation attempt: a
// truncated hash of the raw Authorization header joined with the first
// address in X-Forwarded-For. Limiting on the pair keeps one misbehaving
// credential from locking out a shared egress IP and vice versa.
func ClientID(authHeader, forwardedFor string) string {
	sum := sha256.Sum256([]byte(authHeader))
	id := hex.EncodeToString(sum[:])[:clientIDHashLen]

	ip := forwardedFor
	if i := strings.Index(ip, ","); i >= 0 {
		ip = ip[:i]
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = "unknown"
	}
	return id + ":" + ip
}

// RateLimiter enforces a sliding-window attempt budget per client
// fingerprint. Safe for concurrent use.
type RateLimiter struct {
	mu          sync.Mutex
	attempts    map[string][]time.Time
	maxAttempts int
	window      time.Duration
	done        chan struct{}
}

// NewRateLimiter creates a limiter allowing maxAttempts per window.
func NewRateLimiter(maxAttempts int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:    make(map[string][]time.Time),
		maxAttempts: maxAttempts,
		window:      window,
		done:        make(chan struct{}),
	}
}

// IsAllowed reports whether the client may attempt validation now. Attempts
// older than the window are pruned first; an allowed attempt is recorded, a
// denied one is not.
func (r *RateLimiter) IsAllowed(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	queue := r.prune(clientID, now)

	if len(queue) >= r.maxAttempts {
		r.attempts[clientID] = queue
		return false
	}

	r.attempts[clientID] = append(queue, now)
	return true
}

// RetryAfter returns how long until the client's oldest attempt leaves the
// window. Zero when the client is not currently limited.
func (r *RateLimiter) RetryAfter(clientID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	queue := r.prune(clientID, now)
	r.attempts[clientID] = queue

	if len(queue) < r.maxAttempts {
		return 0
	}
	return queue[0].Add(r.window).Sub(now)
}

// Clear drops the attempt history for a client. Called after a successful
// validation so earlier failures stop counting against it.
func (r *RateLimiter) Clear(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, clientID)
}

// CleanupOld removes clients whose every attempt has aged out of the window
// and returns how many were removed.
func (r *RateLimiter) CleanupOld() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	removed := 0
	for id := range r.attempts {
		if len(r.prune(id, now)) == 0 {
			delete(r.attempts, id)
			removed++
		}
	}
	return removed
}

// TrackedClients returns how many fingerprints currently have history.
func (r *RateLimiter) TrackedClients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

// StartCleanup starts a background goroutine that drops aged-out clients.
func (r *RateLimiter) StartCleanup(interval time.Duration) {
	if interval == 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.CleanupOld()
			}
		}
	}()
}

// Stop stops the background cleanup goroutine.
func (r *RateLimiter) Stop() {
	close(r.done)
}

// prune returns the client's attempts still inside the window. Caller holds
// the lock.
func (r *RateLimiter) prune(clientID string, now time.Time) []time.Time {
	queue := r.attempts[clientID]
	cutoff := now.Add(-r.window)
	for len(queue) > 0 && queue[0].Before(cutoff) {
		queue = queue[1:]
	}
	return queue
}
