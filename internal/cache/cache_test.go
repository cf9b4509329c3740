package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGetPut(t *testing.T) {
	c := New[string](10, time.Minute, 0)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("a", "1")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	c.Put("a", "2")
	v, _ = c.Get("a")
	assert.Equal(t, "2", v)
	assert.Equal(t, 1, c.Len())
}

func TestCacheTTLExpiry(t *testing.T) {
	c := New[int](10, 20*time.Millisecond, 0)
	c.Put("k", 7)

	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheIdleExpiry(t *testing.T) {
	c := New[int](10, time.Minute, 30*time.Millisecond)
	c.Put("k", 1)

	// Keep the entry warm past its idle window.
	for i := 0; i < 3; i++ {
		time.Sleep(15 * time.Millisecond)
		_, ok := c.Get("k")
		require.True(t, ok, "reads reset the idle clock")
	}

	time.Sleep(45 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok, "idle entries expire")
}

func TestCacheSizeBound(t *testing.T) {
	c := New[int](3, time.Minute, 0)
	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
		time.Sleep(time.Millisecond) // distinct expiry order
	}
	assert.Equal(t, 3, c.Len())

	// The earliest-expiring entries were evicted.
	_, ok := c.Get("k0")
	assert.False(t, ok)
	_, ok = c.Get("k4")
	assert.True(t, ok)
}

func TestCacheDeleteAndClear(t *testing.T) {
	c := New[int](10, time.Minute, 0)
	c.Put("a", 1)
	c.Put("b", 2)

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestCacheStats(t *testing.T) {
	c := New[int](2, time.Minute, 0)
	c.Put("a", 1)

	c.Get("a")
	c.Get("a")
	c.Get("nope")

	c.Put("b", 2)
	c.Put("c", 3) // evicts

	s := c.Stats()
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Evictions)
}
