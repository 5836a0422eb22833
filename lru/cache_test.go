package lru

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPut(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.True(t, c.Contains("b"))
	assert.False(t, c.Contains("z"))
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")

	k, v, evicted := c.Put("c", 3)
	require.True(t, evicted)
	assert.Equal(t, "b", k)
	assert.Equal(t, 2, v)
	assert.Equal(t, []string{"c", "a"}, c.Keys())
}

func TestUpdateDoesNotEvict(t *testing.T) {
	c := New[string, int](1)
	c.Put("a", 1)
	_, _, evicted := c.Put("a", 2)
	assert.False(t, evicted)
	v, _ := c.Peek("a")
	assert.Equal(t, 2, v)
}

func TestDeleteAndClear(t *testing.T) {
	c := New[string, int](4)
	c.Put("a", 1)
	c.Put("b", 2)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 1, c.Len())
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestPanicOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[string, int](0) })
}

func TestTTLExpiration(t *testing.T) {
	now := time.Now()
	c := New[string, int](10, WithTTL[string, int](time.Minute))
	c.now = func() time.Time { return now }

	c.Put("area-1/evt-1", 1)
	assert.True(t, c.Contains("area-1/evt-1"))

	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, ok := c.Get("area-1/evt-1")
	assert.False(t, ok)

	m := c.Metrics()
	assert.Equal(t, uint64(1), m.Expirations)
	assert.Equal(t, uint64(1), m.Misses)
}

func TestPutWithTTLOverridesDefault(t *testing.T) {
	now := time.Now()
	c := New[string, int](10, WithTTL[string, int](time.Hour))
	c.now = func() time.Time { return now }

	c.PutWithTTL("short", 1, time.Second)
	c.PutWithTTL("forever", 2, 0)
	c.Put("default", 3)

	c.now = func() time.Time { return now.Add(time.Minute) }
	assert.False(t, c.Contains("short"))
	assert.True(t, c.Contains("forever"))
	assert.True(t, c.Contains("default"))
}

func TestUpdateResetsTTL(t *testing.T) {
	now := time.Now()
	c := New[string, int](10, WithTTL[string, int](100*time.Millisecond))
	c.now = func() time.Time { return now }
	c.Put("a", 1)

	c.now = func() time.Time { return now.Add(80 * time.Millisecond) }
	c.Put("a", 2)

	c.now = func() time.Time { return now.Add(150 * time.Millisecond) }
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestPurge(t *testing.T) {
	now := time.Now()
	var evicted []string
	c := New[string, int](10, WithOnEvict[string, int](func(k string, _ int) { evicted = append(evicted, k) }))
	c.now = func() time.Time { return now }

	c.PutWithTTL("x", 1, time.Second)
	c.PutWithTTL("y", 2, time.Second)
	c.Put("z", 3)

	c.now = func() time.Time { return now.Add(time.Minute) }
	assert.Equal(t, 2, c.Purge())
	assert.ElementsMatch(t, []string{"x", "y"}, evicted)
	assert.Equal(t, []string{"z"}, c.Keys())
}

func TestOnEvictOnCapacity(t *testing.T) {
	var got []string
	c := New[string, int](2, WithOnEvict[string, int](func(k string, _ int) { got = append(got, k) }))
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, uint64(1), c.Metrics().Evictions)
}

func TestMetricsHitRate(t *testing.T) {
	c := New[string, int](10)
	c.Put("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("a")
	c.Get("missing")
	assert.InDelta(t, 0.75, c.Metrics().HitRate(), 0.001)
	assert.Equal(t, 0.0, Metrics{}.HitRate())
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int, int](100, WithTTL[int, int](50*time.Millisecond))
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Put(offset*500+i, i)
				c.Get(offset*500 + i)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 100)
}

func BenchmarkPut(b *testing.B) {
	c := New[int, int](1000, WithTTL[int, int](5*time.Minute))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Put(i, i)
	}
}

func BenchmarkGet(b *testing.B) {
	c := New[int, int](1000)
	for i := 0; i < 1000; i++ {
		c.Put(i, i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(i % 2000)
	}
}

func ExampleCache() {
	seen := New[string, struct{}](100, WithTTL[string, struct{}](24*time.Hour))

	seen.Put("area-1/sha-abc", struct{}{})
	fmt.Println(seen.Contains("area-1/sha-abc"))
	fmt.Println(seen.Contains("area-1/sha-def"))

	// Output:
	// true
	// false
}
