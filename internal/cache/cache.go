// Package cache implements the multi-layer read/write cache: a volatile
// in-memory map layered above the durable store. The memory tier is always
// derivable from the durable tier and may be dropped at any time without
// data loss.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/markbook/markbook-go/internal/store"
)

// Strategy selects which tiers a Set writes to. Anything with a pending
// queue record must use Hybrid so the value survives an app restart.
type Strategy int

// Write strategies.
const (
	Hybrid Strategy = iota // memory + durable (default)
	MemoryOnly
	DurableOnly
)

// Store is the durable tier contract consumed by the cache.
// Satisfied by *store.SQLiteStore.
type Store interface {
	GetCacheEntry(ctx context.Context, key string) (*store.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry *store.CacheEntry) error
	DeleteCacheEntry(ctx context.Context, key string) error
	DeleteCachePrefix(ctx context.Context, prefix string) (int64, error)
	SetCacheSyncState(ctx context.Context, key string, state store.SyncState) error
	DeleteExpiredCache(ctx context.Context, now int64) (int64, error)
}

// ValidateFunc checks a durable entry for structural validity. A non-nil
// error marks the row corrupt: it is removed and treated as a miss, logged,
// never fatal.
type ValidateFunc func(entry *store.CacheEntry) error

// Cache is the two-tier cache. Reads check memory first, then the durable
// store, repopulating memory on a durable hit that is still within TTL.
type Cache struct {
	store    Store
	validate ValidateFunc // nil skips corruption checks
	logger   *slog.Logger
	nowFunc  func() int64 // injectable for testing

	mu      sync.RWMutex
	entries map[string]*store.CacheEntry
}

// New creates a Cache over the given durable tier.
func New(st Store, validate ValidateFunc, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		store:    st,
		validate: validate,
		logger:   logger,
		nowFunc:  store.NowNano,
		entries:  make(map[string]*store.CacheEntry),
	}
}

// Get returns the cached entry for key, or (nil, nil) on a miss. Expired
// entries are evicted lazily from both tiers; corrupt durable rows are
// removed and reported as misses.
func (c *Cache) Get(ctx context.Context, key string) (*store.CacheEntry, error) {
	now := c.nowFunc()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		if !entry.Expired(now) {
			return entry, nil
		}

		// Lazy eviction: the memory copy aged out; the durable copy shares
		// the same WrittenAt, so both go.
		c.evict(ctx, key)

		return nil, nil
	}

	return c.getDurable(ctx, key, now)
}

// getDurable handles the memory-miss path: consult the durable tier and
// repopulate memory on a live hit.
func (c *Cache) getDurable(ctx context.Context, key string, now int64) (*store.CacheEntry, error) {
	entry, err := c.store.GetCacheEntry(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("cache: durable read %q: %w", key, err)
	}

	if entry == nil {
		return nil, nil
	}

	if entry.Expired(now) {
		c.evict(ctx, key)
		return nil, nil
	}

	if c.validate != nil {
		if verr := c.validate(entry); verr != nil {
			c.logger.Warn("corrupt cache entry dropped",
				"key", key, "error", verr)
			c.evict(ctx, key)

			return nil, nil
		}
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	return entry, nil
}

// Set writes an entry per the given strategy. WrittenAt is stamped here.
func (c *Cache) Set(ctx context.Context, entry *store.CacheEntry, strategy Strategy) error {
	entry.WrittenAt = c.nowFunc()

	if strategy != MemoryOnly {
		if err := c.store.PutCacheEntry(ctx, entry); err != nil {
			return fmt.Errorf("cache: durable write %q: %w", entry.Key, err)
		}
	}

	c.mu.Lock()
	if strategy == DurableOnly {
		// A stale memory copy must not shadow the newer durable value.
		delete(c.entries, entry.Key)
	} else {
		c.entries[entry.Key] = entry
	}
	c.mu.Unlock()

	return nil
}

// Prime inserts an already-persisted entry into the memory tier. Used by
// the write path, which persists cache entry and queue record in one store
// transaction and then refreshes memory.
func (c *Cache) Prime(entry *store.CacheEntry) {
	c.mu.Lock()
	c.entries[entry.Key] = entry
	c.mu.Unlock()
}

// Invalidate removes an entry from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	if err := c.store.DeleteCacheEntry(ctx, key); err != nil {
		return fmt.Errorf("cache: invalidate %q: %w", key, err)
	}

	return nil
}

// InvalidatePattern removes all entries whose key starts with prefix, e.g.
// every entry for a teacher on logout. Returns the durable rows removed.
func (c *Cache) InvalidatePattern(ctx context.Context, prefix string) (int64, error) {
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	n, err := c.store.DeleteCachePrefix(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("cache: invalidate pattern %q: %w", prefix, err)
	}

	c.logger.Info("invalidated cache pattern", "prefix", prefix, "removed", n)

	return n, nil
}

// MarkSynced transitions an entry to the synced state in both tiers after
// the remote authority acknowledges the write.
func (c *Cache) MarkSynced(ctx context.Context, key string) error {
	if err := c.store.SetCacheSyncState(ctx, key, store.SyncSynced); err != nil {
		return fmt.Errorf("cache: mark synced %q: %w", key, err)
	}

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		entry.SyncState = store.SyncSynced
	}
	c.mu.Unlock()

	return nil
}

// Sweep removes expired entries from both tiers. Complements lazy read-time
// eviction so durable storage growth stays bounded.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	now := c.nowFunc()

	c.mu.Lock()
	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	n, err := c.store.DeleteExpiredCache(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("cache: sweep: %w", err)
	}

	if n > 0 {
		c.logger.Debug("swept expired cache entries", "removed", n)
	}

	return n, nil
}

// RunSweeper sweeps on the given interval until ctx is canceled. Sweep
// errors are logged, never fatal to the host process.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.logger.Error("cache sweep failed", "error", err)
			}
		}
	}
}

// evict drops a key from both tiers, logging rather than propagating
// durable-delete failures: eviction is advisory and the entry is already
// invisible to readers.
func (c *Cache) evict(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	if err := c.store.DeleteCacheEntry(ctx, key); err != nil {
		c.logger.Warn("failed to evict durable cache entry",
			"key", key, "error", err)
	}
}
