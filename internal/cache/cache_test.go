package cache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markbook/markbook-go/internal/store"
)

// testWriter adapts t.Log so cache logging shows up in test output.
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// rejectCorrupt flags any value containing the marker string.
func rejectCorrupt(entry *store.CacheEntry) error {
	if bytes.Contains(entry.Value, []byte("corrupt")) {
		return errors.New("marked corrupt")
	}

	return nil
}

// newTestCache creates a Cache over an in-memory store with a controllable
// clock. Advance the clock through the returned pointer.
func newTestCache(t *testing.T) (*Cache, *store.SQLiteStore, *int64) {
	t.Helper()

	st, err := store.Open(":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})

	now := store.NowNano()
	c := New(st, rejectCorrupt, testLogger(t))
	c.nowFunc = func() int64 { return now }

	return c, st, &now
}

func makeEntry(key string, ttl time.Duration) *store.CacheEntry {
	return &store.CacheEntry{
		Key:        key,
		EntityType: "roster",
		Value:      []byte(`{"students":[]}`),
		TTL:        ttl,
		SyncState:  store.SyncSynced,
	}
}

func TestGet(t *testing.T) {
	ctx := context.Background()

	t.Run("miss", func(t *testing.T) {
		c, _, _ := newTestCache(t)

		entry, err := c.Get(ctx, "missing")
		assert.NoError(t, err)
		assert.Nil(t, entry)
	})

	t.Run("memory hit after set", func(t *testing.T) {
		c, _, _ := newTestCache(t)

		require.NoError(t, c.Set(ctx, makeEntry("k", time.Minute), Hybrid))

		entry, err := c.Get(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, []byte(`{"students":[]}`), entry.Value)
	})

	t.Run("durable hit repopulates memory", func(t *testing.T) {
		c, _, _ := newTestCache(t)

		require.NoError(t, c.Set(ctx, makeEntry("k", time.Minute), DurableOnly))

		c.mu.RLock()
		_, inMemory := c.entries["k"]
		c.mu.RUnlock()
		require.False(t, inMemory)

		entry, err := c.Get(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, entry)

		c.mu.RLock()
		_, inMemory = c.entries["k"]
		c.mu.RUnlock()
		assert.True(t, inMemory, "durable hit warms the memory tier")
	})

	t.Run("expired entry is evicted from both tiers", func(t *testing.T) {
		c, st, now := newTestCache(t)

		require.NoError(t, c.Set(ctx, makeEntry("k", time.Minute), Hybrid))

		*now += int64(2 * time.Minute)

		entry, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, entry, "expired reads are misses, never stale data")

		durable, err := st.GetCacheEntry(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, durable, "lazy eviction removes the durable copy too")
	})

	t.Run("ttl zero never expires", func(t *testing.T) {
		c, _, now := newTestCache(t)

		require.NoError(t, c.Set(ctx, makeEntry("k", 0), Hybrid))

		*now += int64(365 * 24 * time.Hour)

		entry, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.NotNil(t, entry)
	})

	t.Run("corrupt durable row becomes a miss", func(t *testing.T) {
		c, st, _ := newTestCache(t)

		bad := makeEntry("k", 0)
		bad.Value = []byte(`corrupt bytes`)
		bad.WrittenAt = store.NowNano()
		require.NoError(t, st.PutCacheEntry(ctx, bad))

		entry, err := c.Get(ctx, "k")
		require.NoError(t, err, "corruption is contained, not fatal")
		assert.Nil(t, entry)

		durable, err := st.GetCacheEntry(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, durable, "corrupt row is removed")
	})
}

func TestSetStrategies(t *testing.T) {
	ctx := context.Background()

	t.Run("memory only skips durable tier", func(t *testing.T) {
		c, st, _ := newTestCache(t)

		require.NoError(t, c.Set(ctx, makeEntry("k", 0), MemoryOnly))

		durable, err := st.GetCacheEntry(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, durable)

		entry, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.NotNil(t, entry)
	})

	t.Run("durable only drops the stale memory copy", func(t *testing.T) {
		c, _, _ := newTestCache(t)

		require.NoError(t, c.Set(ctx, makeEntry("k", 0), Hybrid))

		newer := makeEntry("k", 0)
		newer.Value = []byte(`{"students":["s9"]}`)
		require.NoError(t, c.Set(ctx, newer, DurableOnly))

		entry, err := c.Get(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, newer.Value, entry.Value, "memory must not shadow the newer durable value")
	})

	t.Run("prime warms memory without writing", func(t *testing.T) {
		c, _, _ := newTestCache(t)

		entry := makeEntry("k", 0)
		entry.WrittenAt = store.NowNano()
		c.Prime(entry)

		got, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, entry, got)
	})
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()

	t.Run("single key", func(t *testing.T) {
		c, _, _ := newTestCache(t)

		require.NoError(t, c.Set(ctx, makeEntry("k", 0), Hybrid))
		require.NoError(t, c.Invalidate(ctx, "k"))

		entry, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, entry)
	})

	t.Run("pattern removes both tiers", func(t *testing.T) {
		c, st, _ := newTestCache(t)

		require.NoError(t, c.Set(ctx, makeEntry("roster:t1:7a", 0), Hybrid))
		require.NoError(t, c.Set(ctx, makeEntry("roster:t1:7b", 0), Hybrid))
		require.NoError(t, c.Set(ctx, makeEntry("roster:t2:7a", 0), Hybrid))

		n, err := c.InvalidatePattern(ctx, "roster:t1:")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		entry, err := c.Get(ctx, "roster:t1:7a")
		require.NoError(t, err)
		assert.Nil(t, entry)

		survivor, err := st.GetCacheEntry(ctx, "roster:t2:7a")
		require.NoError(t, err)
		assert.NotNil(t, survivor)
	})
}

func TestMarkSynced(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCache(t)

	entry := makeEntry("k", 0)
	entry.SyncState = store.SyncPending
	require.NoError(t, c.Set(ctx, entry, Hybrid))

	require.NoError(t, c.MarkSynced(ctx, "k"))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, store.SyncSynced, got.SyncState)

	durable, err := st.GetCacheEntry(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, store.SyncSynced, durable.SyncState)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	c, st, now := newTestCache(t)

	require.NoError(t, c.Set(ctx, makeEntry("short", time.Minute), Hybrid))
	require.NoError(t, c.Set(ctx, makeEntry("long", time.Hour), Hybrid))
	require.NoError(t, c.Set(ctx, makeEntry("forever", 0), Hybrid))

	*now += int64(10 * time.Minute)

	n, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	c.mu.RLock()
	_, shortInMemory := c.entries["short"]
	c.mu.RUnlock()
	assert.False(t, shortInMemory)

	long, err := st.GetCacheEntry(ctx, "long")
	require.NoError(t, err)
	assert.NotNil(t, long)
}
