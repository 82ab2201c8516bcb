package chatsync

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RateLimiter admits at most one action per key per window.
type RateLimiter struct {
	clock clock.Clock

	mu   sync.Mutex
	last map[string]time.Time
}

// NewRateLimiter creates a limiter driven by c. A nil clock uses wall time.
func NewRateLimiter(c clock.Clock) *RateLimiter {
	if c == nil {
		c = clock.New()
	}
	return &RateLimiter{clock: c, last: make(map[string]time.Time)}
}

// TryAcquire records an action for key and returns true if the previous
// admitted action is at least window old.
func (l *RateLimiter) TryAcquire(key string, window time.Duration) bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.last[key]; ok && now.Sub(prev) < window {
		return false
	}
	l.last[key] = now
	return true
}

// Remaining is how long until TryAcquire would next succeed for key.
func (l *RateLimiter) Remaining(key string, window time.Duration) time.Duration {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.last[key]
	if !ok {
		return 0
	}
	if d := window - now.Sub(prev); d > 0 {
		return d
	}
	return 0
}

// Reset forgets key so the next TryAcquire succeeds.
func (l *RateLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.last, key)
	l.mu.Unlock()
}
