package ratelimit

import (
	"sync"
	"time"
)

// RateLimiter caps job submissions per client using a fixed-window token bucket
type RateLimiter struct {
	mu              sync.Mutex
	clientTokens    map[string]int
	clientLastReset map[string]time.Time
	maxPerWindow    int
	window          time.Duration
	now             func() time.Time
}

// New creates a RateLimiter allowing maxPerMinute submissions per client per minute.
// A non-positive limit disables limiting.
func New(maxPerMinute int) *RateLimiter {
	return &RateLimiter{
		clientTokens:    make(map[string]int),
		clientLastReset: make(map[string]time.Time),
		maxPerWindow:    maxPerMinute,
		window:          time.Minute,
		now:             time.Now,
	}
}

// Allow checks if a client may submit another batch
func (rl *RateLimiter) Allow(clientID string) bool {
	if rl.maxPerWindow <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	lastReset, exists := rl.clientLastReset[clientID]

	if !exists || now.Sub(lastReset) > rl.window {
		rl.clientTokens[clientID] = rl.maxPerWindow
		rl.clientLastReset[clientID] = now
	}

	if rl.clientTokens[clientID] > 0 {
		rl.clientTokens[clientID]--
		return true
	}

	return false
}
