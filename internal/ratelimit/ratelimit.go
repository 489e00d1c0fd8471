package ratelimit

import (
	"sync"
	"time"
)

// RateLimiter limits job creation per organization with a fixed one-minute
// token window.
type RateLimiter struct {
	mu            sync.Mutex
	orgTokens     map[string]int
	orgLastReset  map[string]time.Time
	maxJobsPerMin int
	now           func() time.Time
}

// New creates a new RateLimiter. A non-positive limit disables limiting.
func New(maxJobsPerMin int) *RateLimiter {
	return &RateLimiter{
		orgTokens:     make(map[string]int),
		orgLastReset:  make(map[string]time.Time),
		maxJobsPerMin: maxJobsPerMin,
		now:           time.Now,
	}
}

// Allow checks if an organization may create another job
func (rl *RateLimiter) Allow(organizationID string) bool {
	if rl.maxJobsPerMin <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	lastReset, exists := rl.orgLastReset[organizationID]

	// Reset tokens if a minute has passed
	if !exists || now.Sub(lastReset) >= time.Minute {
		rl.orgTokens[organizationID] = rl.maxJobsPerMin
		rl.orgLastReset[organizationID] = now
	}

	if rl.orgTokens[organizationID] > 0 {
		rl.orgTokens[organizationID]--
		return true
	}

	return false
}

// RetryAfter returns how long until the organization's window resets.
func (rl *RateLimiter) RetryAfter(organizationID string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lastReset, ok := rl.orgLastReset[organizationID]
	if !ok {
		return 0
	}
	if d := time.Minute - rl.now().Sub(lastReset); d > 0 {
		return d
	}
	return 0
}
