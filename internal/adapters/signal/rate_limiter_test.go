package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dkeye/livecall/internal/domain"
)

func TestChatRateLimiterSlidingWindow(t *testing.T) {
	rl := NewChatRateLimiter(3, 10*time.Second)
	now := time.Unix(0, 0)
	rl.now = func() time.Time { return now }

	k := domain.SessionKey{TenantID: "t1", SessionToken: "s1"}

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(k, domain.RoleHost))
	}
	assert.False(t, rl.Allow(k, domain.RoleHost))

	// Same key, other participant has its own budget.
	assert.True(t, rl.Allow(k, domain.RoleGuest))

	// Window slides past the earlier attempts.
	now = now.Add(11 * time.Second)
	assert.True(t, rl.Allow(k, domain.RoleHost))
}
