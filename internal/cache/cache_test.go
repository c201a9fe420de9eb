package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNormalization(t *testing.T) {
	t.Parallel()

	base := Key("What is Go?", "")
	assert.Equal(t, base, Key("  what is go?  ", ""))
	assert.Equal(t, base, Key("WHAT IS GO?", ""))
	assert.NotEqual(t, base, Key("What is Go?", "prior turn"))
	assert.Len(t, base, 32)
}

func TestGetSetRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemory(time.Hour, 8)

	_, ok := c.Get(ctx, "ping", "")
	assert.False(t, ok)

	c.Set(ctx, "ping", "pong", "")
	got, ok := c.Get(ctx, "PING  ", "")
	require.True(t, ok)
	assert.Equal(t, "pong", got)

	// Same message under a different context is a distinct entry.
	_, ok = c.Get(ctx, "ping", "earlier conversation")
	assert.False(t, ok)
}

func TestOverwriteDoesNotGrow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemory(time.Hour, 8)

	c.Set(ctx, "q", "first", "")
	c.Set(ctx, "q", "second", "")

	got, ok := c.Get(ctx, "q", "")
	require.True(t, ok)
	assert.Equal(t, "second", got)
	assert.Equal(t, 1, c.Stats(ctx).Entries)
}

func TestTTLBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemory(3600*time.Second, 8)

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := start
	c.now = func() time.Time { return now }

	c.Set(ctx, "stable question", "stable answer", "")

	now = start.Add(3599 * time.Second)
	_, ok := c.Get(ctx, "stable question", "")
	assert.True(t, ok, "one second inside the TTL must hit")

	// Exactly the TTL is still fresh; only strictly older entries expire.
	now = start.Add(3600 * time.Second)
	_, ok = c.Get(ctx, "stable question", "")
	assert.True(t, ok, "age equal to the TTL must still hit")

	now = start.Add(3601 * time.Second)
	_, ok = c.Get(ctx, "stable question", "")
	assert.False(t, ok, "one second past the TTL must miss")

	st := c.Stats(ctx)
	assert.Equal(t, 0, st.Entries, "expired entry is removed on observation")
	assert.Equal(t, int64(1), st.Evictions)
}

func TestFIFOEviction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemory(time.Hour, 3)

	for i := 1; i <= 4; i++ {
		c.Set(ctx, fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i), "")
	}

	_, ok := c.Get(ctx, "question 1", "")
	assert.False(t, ok, "oldest entry is evicted first")
	for i := 2; i <= 4; i++ {
		_, ok := c.Get(ctx, fmt.Sprintf("question %d", i), "")
		assert.True(t, ok, "entry %d survives", i)
	}

	st := c.Stats(ctx)
	assert.Equal(t, 3, st.Entries)
	assert.Equal(t, int64(1), st.Evictions)
}

func TestEvictionIsByInsertionNotByUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemory(time.Hour, 2)

	c.Set(ctx, "old", "a", "")
	c.Set(ctx, "new", "b", "")

	// Heavy use does not protect the oldest entry: FIFO, not LRU.
	for i := 0; i < 5; i++ {
		_, ok := c.Get(ctx, "old", "")
		require.True(t, ok)
	}

	c.Set(ctx, "newest", "c", "")
	_, ok := c.Get(ctx, "old", "")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "new", "")
	assert.True(t, ok)
}

func TestClearExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemory(time.Minute, 8)

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := start
	c.now = func() time.Time { return now }

	c.Set(ctx, "stale 1", "a", "")
	c.Set(ctx, "stale 2", "b", "")
	now = start.Add(2 * time.Minute)
	c.Set(ctx, "fresh", "c", "")

	removed := c.ClearExpired(ctx)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, c.ClearExpired(ctx))

	st := c.Stats(ctx)
	assert.Equal(t, 1, st.Entries)
	_, ok := c.Get(ctx, "fresh", "")
	assert.True(t, ok)
}

func TestStatsCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemory(time.Hour, 8)

	c.Set(ctx, "popular question", "answer", "")
	c.Set(ctx, "rare question", "answer", "")

	for i := 0; i < 3; i++ {
		_, ok := c.Get(ctx, "popular question", "")
		require.True(t, ok)
	}
	_, _ = c.Get(ctx, "rare question", "")
	_, _ = c.Get(ctx, "never cached", "")

	st := c.Stats(ctx)
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, 8, st.MaxEntries)
	assert.Equal(t, int64(4), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(4), st.SavedCalls)
	assert.InDelta(t, 80.0, st.HitRatePercent, 0.01)
	assert.Equal(t, 3600.0, st.TTLSeconds)

	require.NotEmpty(t, st.Popular)
	assert.Equal(t, "popular question", st.Popular[0].Preview)
	assert.Equal(t, int64(3), st.Popular[0].Hits)
}

func TestPopularPreviewTruncated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemory(time.Hour, 8)

	long := "explain the difference between goroutines and operating system threads in detail"
	c.Set(ctx, long, "answer", "")
	_, ok := c.Get(ctx, long, "")
	require.True(t, ok)

	st := c.Stats(ctx)
	require.NotEmpty(t, st.Popular)
	assert.Len(t, st.Popular[0].Preview, 50)
	assert.Equal(t, long[:50], st.Popular[0].Preview)
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemory(time.Hour, 64)

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		g := g
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				msg := fmt.Sprintf("worker %d question %d", g, i%10)
				c.Set(ctx, msg, "answer", "")
				c.Get(ctx, msg, "")
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	st := c.Stats(ctx)
	assert.LessOrEqual(t, st.Entries, 64)
	assert.Positive(t, st.Hits)
}
