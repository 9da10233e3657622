package credstore

import (
	"context"
	"sync"
	"time"
)

// NonceCache remembers recently seen request nonces per device so a
// captured signed request cannot be replayed inside the clock-skew
// window. Entries expire after the configured TTL.
type NonceCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func NewNonceCache(ttl time.Duration) *NonceCache {
	return &NonceCache{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Observe records a device/nonce pair. It returns false if the pair was
// already seen within the TTL.
func (nc *NonceCache) Observe(deviceID, nonce string) bool {
	key := deviceID + ":" + nonce
	now := time.Now()

	nc.mu.Lock()
	defer nc.mu.Unlock()

	if expires, ok := nc.seen[key]; ok && now.Before(expires) {
		return false
	}
	nc.seen[key] = now.Add(nc.ttl)
	return true
}

// StartCleanup periodically evicts expired entries until ctx is done.
func (nc *NonceCache) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nc.cleanup()
		}
	}
}

func (nc *NonceCache) cleanup() {
	now := time.Now()

	nc.mu.Lock()
	defer nc.mu.Unlock()

	for key, expires := range nc.seen {
		if now.After(expires) {
			delete(nc.seen, key)
		}
	}
}
