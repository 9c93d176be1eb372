package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestSlidingWindowAllowsWithinBudget(t *testing.T) {
	sw := NewSlidingWindow(map[string]Rule{
		"/route": {Limit: 3, Window: time.Minute},
	})

	for i := 0; i < 3; i++ {
		ok, remaining, _ := sw.Allow("ip1", "/route")
		require.True(t, ok)
		assert.Equal(t, 2-i, remaining)
	}

	ok, remaining, retryAfter := sw.Allow("ip1", "/route")
	assert.False(t, ok)
	assert.Equal(t, 0, remaining)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestSlidingWindowKeysAreIndependent(t *testing.T) {
	sw := NewSlidingWindow(map[string]Rule{
		"/route": {Limit: 1, Window: time.Minute},
	})

	ok, _, _ := sw.Allow("ip1", "/route")
	require.True(t, ok)
	ok, _, _ = sw.Allow("ip1", "/route")
	assert.False(t, ok)

	ok, _, _ = sw.Allow("ip2", "/route")
	assert.True(t, ok)
}

func TestSlidingWindowSlotFreesAfterWindow(t *testing.T) {
	sw := NewSlidingWindow(map[string]Rule{
		"/route": {Limit: 1, Window: 5 * time.Second},
	})
	now, clock := fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sw.now = clock

	ok, _, _ := sw.Allow("u1", "/route")
	require.True(t, ok)

	*now = now.Add(2 * time.Second)
	ok, _, retryAfter := sw.Allow("u1", "/route")
	assert.False(t, ok)
	assert.Equal(t, 3*time.Second, retryAfter)

	*now = now.Add(4 * time.Second)
	ok, _, _ = sw.Allow("u1", "/route")
	assert.True(t, ok)
}

func TestSlidingWindowUnknownRouteUnlimited(t *testing.T) {
	sw := NewSlidingWindow(map[string]Rule{})
	for i := 0; i < 100; i++ {
		ok, _, _ := sw.Allow("k", "/anything")
		require.True(t, ok)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache[[]string](time.Minute)
	now, clock := fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c.now = clock

	_, ok := c.Get("binance")
	assert.False(t, ok)

	c.Set("binance", []string{"BTCUSDT", "ETHUSDT"})
	got, ok := c.Get("binance")
	require.True(t, ok)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)

	*now = now.Add(2 * time.Minute)
	_, ok = c.Get("binance")
	assert.False(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache[AccountType](time.Minute)
	c.Set("u1|binance", AccountType{IsHedgeMode: true})

	got, ok := c.Get("u1|binance")
	require.True(t, ok)
	assert.True(t, got.IsHedgeMode)

	c.Invalidate("u1|binance")
	_, ok = c.Get("u1|binance")
	assert.False(t, ok)
}
