package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GetCacheEntry retrieves a durable cache entry by key.
// Returns (nil, nil) if no entry exists; callers use the nil entry to
// distinguish "miss" from "hit".
func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string) (*CacheEntry, error) {
	s.logger.Debug("getting cache entry", "key", key)

	entry, err := scanCacheEntry(s.cacheStmts.get.QueryRowContext(ctx, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get cache entry %q: %w", key, err)
	}

	return entry, nil
}

// PutCacheEntry inserts or updates a durable cache entry.
func (s *SQLiteStore) PutCacheEntry(ctx context.Context, entry *CacheEntry) error {
	s.logger.Debug("putting cache entry",
		"key", entry.Key, "entity_type", entry.EntityType, "sync_state", entry.SyncState)

	_, err := s.cacheStmts.put.ExecContext(ctx, putCacheArgs(entry)...)
	if err != nil {
		return fmt.Errorf("put cache entry %q: %w", entry.Key, err)
	}

	return nil
}

// DeleteCacheEntry removes a durable cache entry by key.
func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, key string) error {
	s.logger.Debug("deleting cache entry", "key", key)

	_, err := s.cacheStmts.delete.ExecContext(ctx, key)
	if err != nil {
		return fmt.Errorf("delete cache entry %q: %w", key, err)
	}

	return nil
}

// DeleteCachePrefix removes all durable entries whose key starts with
// prefix (e.g., everything for a teacher on logout). Returns the number of
// rows removed.
func (s *SQLiteStore) DeleteCachePrefix(ctx context.Context, prefix string) (int64, error) {
	s.logger.Info("deleting cache entries by prefix", "prefix", prefix)

	result, err := s.cacheStmts.deletePrefix.ExecContext(ctx, escapeLike(prefix)+"%")
	if err != nil {
		return 0, fmt.Errorf("delete cache prefix %q: %w", prefix, err)
	}

	affected, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		s.logger.Warn("could not read rows affected", "error", rowsErr)
	}

	return affected, nil
}

// SetCacheSyncState updates the sync state of an entry, typically to mark a
// pending write as synced after the remote authority acknowledges it.
func (s *SQLiteStore) SetCacheSyncState(ctx context.Context, key string, state SyncState) error {
	s.logger.Debug("setting cache sync state", "key", key, "sync_state", state)

	_, err := s.cacheStmts.setState.ExecContext(ctx, string(state), key)
	if err != nil {
		return fmt.Errorf("set cache state %q: %w", key, err)
	}

	return nil
}

// DeleteExpiredCache removes all durable entries past their TTL at the
// given instant. Returns the number of rows removed. Entries with ttl_ns 0
// never expire.
func (s *SQLiteStore) DeleteExpiredCache(ctx context.Context, now int64) (int64, error) {
	s.logger.Debug("sweeping expired cache entries")

	result, err := s.cacheStmts.deleteExpired.ExecContext(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired cache: %w", err)
	}

	affected, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		s.logger.Warn("could not read rows affected", "error", rowsErr)
	}

	return affected, nil
}

// EvictSyncedCache removes up to limit of the oldest already-synced cache
// entries. Used under storage quota pressure; queue records are never
// evicted to free space.
func (s *SQLiteStore) EvictSyncedCache(ctx context.Context, limit int) (int64, error) {
	s.logger.Info("evicting synced cache entries", "limit", limit)

	result, err := s.cacheStmts.evictSynced.ExecContext(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("evict synced cache: %w", err)
	}

	affected, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		s.logger.Warn("could not read rows affected", "error", rowsErr)
	}

	return affected, nil
}

// scanCacheEntry scans a full cache row into a CacheEntry.
func scanCacheEntry(row interface{ Scan(...any) error }) (*CacheEntry, error) {
	entry := &CacheEntry{}

	var state string

	var ttlNanos int64

	err := row.Scan(
		&entry.Key, &entry.EntityType, &entry.Value,
		&entry.WrittenAt, &ttlNanos, &state,
	)
	if err != nil {
		return nil, err
	}

	entry.TTL = time.Duration(ttlNanos)
	entry.SyncState = SyncState(state)

	return entry, nil
}

// putCacheArgs returns the argument slice for the put prepared statement.
func putCacheArgs(entry *CacheEntry) []any {
	return []any{
		entry.Key, entry.EntityType, entry.Value,
		entry.WrittenAt, int64(entry.TTL), string(entry.SyncState),
	}
}

// escapeLike escapes LIKE wildcards in a prefix so user-derived keys cannot
// broaden the match.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)

	return s
}
