package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheSetGet(t *testing.T) {
	c := New(time.Minute, 0, 0)
	defer c.Close()

	c.Set("bot-1", 42)
	v, ok := c.Get("bot-1")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	c := New(time.Minute, 0, 0)
	defer c.Close()

	c.SetWithExpiration("short", "x", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("short")
	assert.False(t, ok)
}

func TestCacheEvictsWhenFull(t *testing.T) {
	c := New(time.Minute, 0, 2)
	defer c.Close()

	var evicted []string
	c.SetOnEvicted(func(k string, _ any) { evicted = append(evicted, k) })

	c.SetWithExpiration("a", 1, time.Second)
	c.SetWithExpiration("b", 2, time.Hour)
	c.SetWithExpiration("c", 3, time.Hour)

	assert.Equal(t, 2, c.Count())
	assert.Equal(t, []string{"a"}, evicted)
}

func TestCacheDeleteAndFlush(t *testing.T) {
	c := New(0, 0, 0)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Delete("a")
	assert.Equal(t, 1, c.Count())

	c.Flush()
	assert.Equal(t, 0, c.Count())
}
