package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/truaxki/astra-chat/internal/config"
	"github.com/truaxki/astra-chat/internal/identity"
)

// RateLimiter throttles requests per user with a sliding window. Entries for
// idle users are evicted by a background sweep.
type RateLimiter struct {
	cfg  config.RateLimitConfig
	mu   sync.Mutex
	hits map[string][]time.Time
	stop chan struct{}
	once sync.Once
}

// NewRateLimiter creates a rate limiter and starts its eviction sweep.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		cfg:  cfg,
		hits: make(map[string][]time.Time),
		stop: make(chan struct{}),
	}
	if cfg.Enabled {
		go rl.evictLoop()
	}
	return rl
}

// Stop terminates the eviction sweep.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Allow records a hit for the key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.cfg.Enabled {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rl.cfg.Window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= rl.cfg.Limit {
		rl.hits[key] = recent
		return false
	}
	rl.hits[key] = append(recent, now)
	return true
}

// Middleware rejects over-limit requests with 429. The key is the anonymous
// user when identity ran first, the remote IP otherwise.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := identity.UserIDFromContext(r.Context())
		if key == "" {
			key = identity.IPFromRequest(r)
		}
		if !rl.Allow(key) {
			slog.Warn("Request rate limited", "key", key, "path", r.URL.Path)
			Error(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(rl.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evict()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) evict() {
	cutoff := time.Now().Add(-rl.cfg.Window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, times := range rl.hits {
		recent := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(rl.hits, key)
			continue
		}
		rl.hits[key] = recent
	}
}
