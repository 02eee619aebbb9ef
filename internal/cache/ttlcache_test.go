package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCacheSetThenGetRoundTrips(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("k", 7, time.Minute)

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestTTLCacheMissingKeyReturnsZeroValue(t *testing.T) {
	c := NewTTLCache[string, int]()
	v, ok := c.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 0, v)
}

func TestTTLCacheEntryExpiresLazily(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("k", 7, 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok, "a read past ttl must report a miss even with no background sweep")
}

func TestTTLCacheZeroTTLNeverExpires(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("k", 7, 0)

	time.Sleep(10 * time.Millisecond)

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestTTLCacheDeleteRemovesEntry(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("k", 7, time.Minute)
	c.Delete("k")

	_, ok := c.Get("k")
	assert.False(t, ok)
}
