package signal

import (
	"sync"
	"time"

	"github.com/dkeye/livecall/internal/domain"
)

// ChatRateLimiter bounds side-channel chatter per participant with a
// sliding window. now is injectable for tests.
type ChatRateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewChatRateLimiter(limit int, interval time.Duration) *ChatRateLimiter {
	return &ChatRateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *ChatRateLimiter) Allow(key domain.SessionKey, role domain.Role) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	id := key.String() + "/" + string(role)
	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[id] = fresh
	return true
}
