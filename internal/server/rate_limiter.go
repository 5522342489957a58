package server

import (
	"sync"
	"time"
)

// rateLimiter admits up to burst frames at once and then one frame every
// interval/burst. It tracks the theoretical arrival time of the next frame
// instead of a token count.
type rateLimiter struct {
	mu        sync.Mutex
	now       func() time.Time
	emission  time.Duration
	tolerance time.Duration
	tat       time.Time
}

func newRateLimiter(burst int, interval time.Duration, now func() time.Time) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	if now == nil {
		now = time.Now
	}

	emission := interval / time.Duration(burst)
	if emission <= 0 {
		emission = time.Nanosecond
	}
	return &rateLimiter{
		now:       now,
		emission:  emission,
		tolerance: emission * time.Duration(burst-1),
	}
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	tat := rl.tat
	if tat.Before(now) {
		tat = now
	}
	if tat.Sub(now) > rl.tolerance {
		return false
	}
	rl.tat = tat.Add(rl.emission)
	return true
}
