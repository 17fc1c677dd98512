package cache

import (
	"testing"
	"time"

	"github.com/smallbiznis/plangate/internal/clock"
	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpiresEntries(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewTTLCacheWithClock[string, int](clk)

	c.Set("a", 1, time.Minute)
	value, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, value)

	clk.Advance(59 * time.Second)
	_, ok = c.Get("a")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestTTLCacheSetReplacesAndNonPositiveTTLDeletes(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewTTLCacheWithClock[string, string](clk)

	c.Set("k", "old", time.Minute)
	c.Set("k", "new", time.Hour)
	clk.Advance(2 * time.Minute)

	value, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "new", value)

	c.Set("k", "gone", 0)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestTTLCacheDelete(t *testing.T) {
	c := NewTTLCache[int, int]()
	c.Set(1, 10, time.Minute)
	c.Delete(1)

	_, ok := c.Get(1)
	assert.False(t, ok)
}
