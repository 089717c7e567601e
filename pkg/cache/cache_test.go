package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryCache_Expiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewInMemoryCache[string, int](time.Second, WithClock(func() time.Time { return now }))

	c.Set("005930", 1, 0)
	c.Set("000660", 2, 10*time.Second)

	v, ok := c.Get("005930")
	require.True(t, ok)
	require.Equal(t, 1, v)

	now = now.Add(time.Second)
	_, ok = c.Get("005930")
	require.False(t, ok, "entry expires exactly at ttl")

	_, ok = c.Get("000660")
	require.True(t, ok)

	require.Equal(t, 2, c.Size())
	require.Equal(t, 1, c.Sweep())
	require.Equal(t, 1, c.Size())

	c.Delete("000660")
	require.Equal(t, 0, c.Size())
}
