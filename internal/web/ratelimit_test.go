package web

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(3)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"))
		now = now.Add(200 * time.Millisecond)
	}
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "limits are per address")

	// the first hit (t=0) leaves the window once more than a second has passed
	now = now.Add(401 * time.Millisecond)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestRateLimiterPrune(t *testing.T) {
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(10)
	l.now = func() time.Time { return now }
	l.Allow("a")
	now = now.Add(500 * time.Millisecond)
	l.Allow("b")

	now = now.Add(700 * time.Millisecond)
	l.Prune()
	assert.NotContains(t, l.hits, "a")
	assert.Contains(t, l.hits, "b")
}
