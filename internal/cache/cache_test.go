package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/stockledger/internal/clock"
)

func newTestCache(t *testing.T) (*Cache[string], *clock.Manual) {
	t.Helper()
	clk := clock.NewManualMillis(1_700_000_000_000)
	return New[string](0, clk), clk
}

func TestNew_defaults(t *testing.T) {
	c := New[int](0, nil)
	assert.Equal(t, DefaultTTL, c.TTL())
	assert.Equal(t, 120*time.Second, DefaultTTL)
}

func TestGet_ttlBoundary(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		hit     bool
	}{
		{"fresh", 0, true},
		{"one millisecond before expiry", DefaultTTL - time.Millisecond, true},
		{"exactly at expiry", DefaultTTL, false},
		{"one millisecond after expiry", DefaultTTL + time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, clk := newTestCache(t)
			c.Set("dashboard:cashflow", "summary")
			clk.Advance(tt.advance)

			got, ok := c.Get("dashboard:cashflow")
			assert.Equal(t, tt.hit, ok)
			if tt.hit {
				assert.Equal(t, "summary", got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestSetWithTTL(t *testing.T) {
	c, clk := newTestCache(t)
	c.SetWithTTL("k", "v", time.Second)

	clk.Advance(999 * time.Millisecond)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clk.Advance(time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)

	e, ok := c.Peek("k")
	require.True(t, ok, "expired entries stay until pruned")
	assert.Equal(t, time.Second, e.TTL)
}

func TestSetTTL(t *testing.T) {
	c, clk := newTestCache(t)
	c.Set("old", "a")
	c.SetTTL(10 * time.Second)
	c.Set("new", "b")
	assert.Equal(t, 10*time.Second, c.TTL())

	clk.Advance(10 * time.Second)
	_, ok := c.Get("new")
	assert.False(t, ok)
	_, ok = c.Get("old")
	assert.True(t, ok, "entries stored before SetTTL keep their ttl")

	c.SetTTL(0)
	assert.Equal(t, DefaultTTL, c.TTL())
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(t)
	c.Set("parts:list", "a")
	c.Set("parts:p1", "b")

	c.Invalidate("parts:list")

	_, ok := c.Get("parts:list")
	assert.False(t, ok, "invalidated key misses regardless of ttl")
	_, ok = c.Get("parts:p1")
	assert.True(t, ok)
}

func TestInvalidatePrefix(t *testing.T) {
	c, _ := newTestCache(t)
	for _, k := range []string{"invoices:list", "parts:list", "parts:p1", "partsx:list", "suppliers:s1"} {
		c.Set(k, k)
	}

	n := c.InvalidatePrefix("parts:")
	assert.Equal(t, 2, n)
	for k, want := range map[string]bool{
		"invoices:list": true,
		"parts:list":    false,
		"parts:p1":      false,
		"partsx:list":   true,
		"suppliers:s1":  true,
	} {
		_, ok := c.Get(k)
		assert.Equal(t, want, ok, k)
	}

	c.InvalidateAll()
	assert.Zero(t, c.Len())
}

func TestSetIfGeneration(t *testing.T) {
	c, _ := newTestCache(t)

	gen := c.Generation()
	assert.True(t, c.SetIfGeneration("k", "v1", gen))

	stale := c.Generation()
	c.Invalidate("other")
	assert.False(t, c.SetIfGeneration("k", "v2", stale), "an invalidation happened after the read began")

	got, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v1", got)
}

func TestPrune(t *testing.T) {
	c, clk := newTestCache(t)
	c.SetWithTTL("short", "s", time.Second)
	c.Set("long", "l")

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 1, c.Len())
}

func TestStats(t *testing.T) {
	c, _ := newTestCache(t)
	c.Set("k", "v")
	c.Get("k")
	c.Get("missing")
	c.Invalidate("k")

	assert.Equal(t, Stats{Entries: 0, Hits: 1, Misses: 1, Invalidations: 1}, c.Stats())
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Set("k", "v")
				c.Get("k")
				if j%50 == 0 {
					c.InvalidatePrefix("k")
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 1)
}
