package gateway

import (
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
// memory exhaustion from attackers rotating source IPs.
const maxTrackedKeys = 4096

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// IngressLimiter bounds webhook requests per source IP over a one-minute
// window. This is abuse protection at the HTTP edge, separate from the
// per-conversation limits inside the pipeline. Safe for concurrent use.
type IngressLimiter struct {
	mu      sync.Mutex
	maxHits int
	entries map[string]*rateLimitEntry
}

// NewIngressLimiter creates a bounded ingress limiter allowing maxPerMinute
// requests per key. maxPerMinute <= 0 disables limiting.
func NewIngressLimiter(maxPerMinute int) *IngressLimiter {
	return &IngressLimiter{
		maxHits: maxPerMinute,
		entries: make(map[string]*rateLimitEntry),
	}
}

// Allow reports whether the key is within its per-minute budget.
func (r *IngressLimiter) Allow(key string) bool {
	if r.maxHits <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	const window = time.Minute

	// Prune stale entries when approaching the cap
	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= window {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
