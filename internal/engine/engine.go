package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/markbook/markbook-go/internal/cache"
	"github.com/markbook/markbook-go/internal/config"
	"github.com/markbook/markbook-go/internal/connectivity"
	"github.com/markbook/markbook-go/internal/payload"
	"github.com/markbook/markbook-go/internal/queue"
	"github.com/markbook/markbook-go/internal/remote"
	"github.com/markbook/markbook-go/internal/store"
)

// Sentinel errors surfaced by the facade.
var (
	// ErrValidation wraps a payload rejected before anything was cached or
	// queued.
	ErrValidation = errors.New("engine: validation failed")
	// ErrConflictNotFound indicates the manual conflict ID does not exist.
	ErrConflictNotFound = errors.New("engine: manual conflict not found")
	// ErrUnknownDecision indicates an unrecognized manual conflict decision.
	ErrUnknownDecision = errors.New("engine: unknown decision")
)

// evictBatchSize bounds how many synced cache rows a storage-pressure
// eviction frees per retry.
const evictBatchSize = 256

// Decision is an explicit manual conflict resolution.
type Decision string

// Manual conflict decisions.
const (
	DecisionKeepLocal  Decision = "keep_local"
	DecisionKeepRemote Decision = "keep_remote"
)

// Engine is the facade the application layer talks to: optimistic local
// writes, cached reads, queue and conflict inspection, and the background
// sync loop. One Engine per database file.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.SQLiteStore
	cache   *cache.Cache
	queue   *queue.Queue
	coord   *Coordinator
	monitor connectivity.Monitor
	nowFunc func() int64 // injectable for testing
}

// New opens the durable store, recovers the queue (resetting any in-flight
// records a previous crash left behind), and wires the cache and
// coordinator. Close releases the store.
func New(
	ctx context.Context,
	cfg *config.Config,
	monitor connectivity.Monitor,
	submitter remote.Submitter,
	logger *slog.Logger,
) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	c := cache.New(st, validateCacheEntry, logger)

	base, limit, jitter := cfg.Queue.Backoff()
	q := queue.New(st, queue.Config{
		BackoffBase:   base,
		BackoffCap:    limit,
		BackoffJitter: jitter,
	}, logger)

	if err := q.Recover(ctx); err != nil {
		st.Close()
		return nil, err
	}

	coord := NewCoordinator(q, c, st, submitter, monitor, CoordinatorConfig{
		BatchSize:       cfg.Queue.BatchSize,
		DispatchTimeout: cfg.Sync.Timeout(),
		DrainInterval:   cfg.Sync.DrainEvery(),
		SweepInterval:   cfg.Cache.SweepEvery(),
		LeaseTTL:        cfg.Sync.LeaseDuration(),
		TTLFor:          cfg.Cache.TTLFor,
	}, logger)

	return &Engine{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		cache:   c,
		queue:   q,
		coord:   coord,
		monitor: monitor,
		nowFunc: store.NowNano,
	}, nil
}

// validateCacheEntry flags corrupt envelope rows. Read-path blobs (rosters,
// dashboards) are opaque to the engine and pass through unchecked.
func validateCacheEntry(entry *store.CacheEntry) error {
	if !payload.EntityType(entry.EntityType).Valid() {
		return nil
	}

	_, err := payload.Decode(entry.Value)

	return err
}

// Write applies a mutation optimistically: after validation, the cache
// entry and queue record are persisted in one store transaction, so no
// reader ever observes a local value that is not queued for sync. Returns
// the queue record (reused in place when the write supersedes an earlier
// edit of the same fact).
func (e *Engine) Write(ctx context.Context, env *payload.Envelope) (*store.QueueRecord, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	data, err := env.Encode()
	if err != nil {
		return nil, fmt.Errorf("engine: write: %w", err)
	}

	key := payload.ScopeKey(env.Type, env.StudentID(), env.Date())

	var rec *store.QueueRecord

	err = e.queue.Locked(func() error {
		var berr error

		rec, berr = e.queue.Build(ctx, queue.EnqueueParams{
			EntityType:     string(env.Type),
			Payload:        data,
			Priority:       queue.PriorityFor(env.Type, env.EventDate(), time.Unix(0, e.nowFunc())),
			CorrelationKey: env.CorrelationKey(),
			ScopeKey:       key,
			ConflictPolicy: queue.PolicyFor(env.Type),
			MaxAttempts:    e.cfg.Queue.MaxAttemptsFor(string(env.Type)),
		})
		if berr != nil {
			return berr
		}

		entry := &store.CacheEntry{
			Key:        key,
			EntityType: string(env.Type),
			Value:      data,
			WrittenAt:  e.nowFunc(),
			TTL:        e.cfg.Cache.TTLFor(string(env.Type)),
			SyncState:  store.SyncPending,
		}

		if aerr := e.store.ApplyWrite(ctx, entry, rec); aerr != nil {
			// Storage pressure: free synced cache rows and retry once.
			// Pending rows are never evicted; they are unconfirmed writes.
			if _, everr := e.store.EvictSyncedCache(ctx, evictBatchSize); everr != nil {
				return aerr
			}

			if aerr = e.store.ApplyWrite(ctx, entry, rec); aerr != nil {
				return aerr
			}
		}

		e.cache.Prime(entry)

		return nil
	})
	if err != nil {
		return nil, err
	}

	e.coord.Kick()

	return rec, nil
}

// Read returns the cached entry for key, or (nil, nil) on a miss. The
// entry's SyncState tells the caller whether it is looking at confirmed or
// optimistic local state.
func (e *Engine) Read(ctx context.Context, key string) (*store.CacheEntry, error) {
	return e.cache.Get(ctx, key)
}

// CacheFetched stores a server-fetched read (roster, dashboard) under the
// TTL configured for its entity type.
func (e *Engine) CacheFetched(ctx context.Context, key, entityType string, value []byte) error {
	entry := &store.CacheEntry{
		Key:        key,
		EntityType: entityType,
		Value:      value,
		TTL:        e.cfg.Cache.TTLFor(entityType),
		SyncState:  store.SyncSynced,
	}

	return e.cache.Set(ctx, entry, cache.Hybrid)
}

// InvalidateScope removes all cached entries under a key prefix, e.g.
// everything belonging to a teacher on logout. Returns the durable rows
// removed.
func (e *Engine) InvalidateScope(ctx context.Context, prefix string) (int64, error) {
	return e.cache.InvalidatePattern(ctx, prefix)
}

// Sweep removes expired cache entries from both tiers immediately.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	return e.cache.Sweep(ctx)
}

// PendingSyncCount returns the number of local writes not yet confirmed by
// the remote authority.
func (e *Engine) PendingSyncCount(ctx context.Context) (int, error) {
	return e.queue.PendingCount(ctx)
}

// DeadLetterItems returns the records that exhausted their retries.
func (e *Engine) DeadLetterItems(ctx context.Context) ([]*store.QueueRecord, error) {
	return e.queue.DeadLetters(ctx)
}

// RequeueDeadLetter moves a dead letter back to pending with a fresh retry
// budget and nudges the sync loop.
func (e *Engine) RequeueDeadLetter(ctx context.Context, id string) error {
	if err := e.queue.Requeue(ctx, id); err != nil {
		return err
	}

	e.coord.Kick()

	return nil
}

// ManualConflicts returns the parked conflicts awaiting a decision.
func (e *Engine) ManualConflicts(ctx context.Context) ([]*store.ManualConflict, error) {
	return e.store.ListManualConflicts(ctx)
}

// ResolveManualConflict applies an explicit decision to a parked conflict:
// keep_local resubmits the local payload with a fresh retry budget,
// keep_remote abandons the local intent and caches the remote value as
// synced truth. Either way the conflict row is removed.
func (e *Engine) ResolveManualConflict(ctx context.Context, id string, decision Decision) error {
	c, err := e.store.GetManualConflict(ctx, id)
	if err != nil {
		return err
	}

	if c == nil {
		return ErrConflictNotFound
	}

	switch decision {
	case DecisionKeepLocal:
		if err := e.applyKeepLocal(ctx, c); err != nil {
			return err
		}
	case DecisionKeepRemote:
		if err := e.applyKeepRemote(ctx, c); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDecision, decision)
	}

	if err := e.store.DeleteManualConflict(ctx, c.ID); err != nil {
		return err
	}

	e.logger.Info("manual conflict resolved",
		"id", c.ID, "correlation_key", c.CorrelationKey, "decision", string(decision))

	e.coord.Kick()

	return nil
}

// applyKeepLocal puts the conflict's local payload back on the wire. The
// deferred queue record usually still exists and is reactivated in place;
// if it was lost (dead-lettered and dropped), the payload is re-enqueued
// from the conflict row.
func (e *Engine) applyKeepLocal(ctx context.Context, c *store.ManualConflict) error {
	active, err := e.store.GetActiveByCorrelationKey(ctx, c.CorrelationKey)
	if err != nil {
		return err
	}

	if active != nil {
		return e.queue.Reactivate(ctx, active.ID)
	}

	env, err := payload.Decode(c.LocalPayload)
	if err != nil {
		return fmt.Errorf("engine: keep local %q: %w", c.CorrelationKey, err)
	}

	_, err = e.queue.Enqueue(ctx, queue.EnqueueParams{
		EntityType:     c.EntityType,
		Payload:        c.LocalPayload,
		Priority:       queue.PriorityFor(env.Type, env.EventDate(), time.Unix(0, e.nowFunc())),
		CorrelationKey: c.CorrelationKey,
		ScopeKey:       c.ScopeKey,
		ConflictPolicy: queue.PolicyFor(env.Type),
		MaxAttempts:    e.cfg.Queue.MaxAttemptsFor(c.EntityType),
	})
	if err != nil {
		return err
	}

	entry := &store.CacheEntry{
		Key:        c.ScopeKey,
		EntityType: c.EntityType,
		Value:      c.LocalPayload,
		TTL:        e.cfg.Cache.TTLFor(c.EntityType),
		SyncState:  store.SyncPending,
	}

	return e.cache.Set(ctx, entry, cache.Hybrid)
}

// applyKeepRemote discards the local intent and adopts the remote value.
func (e *Engine) applyKeepRemote(ctx context.Context, c *store.ManualConflict) error {
	active, err := e.store.GetActiveByCorrelationKey(ctx, c.CorrelationKey)
	if err != nil {
		return err
	}

	if active != nil {
		if err := e.queue.Discard(ctx, active.ID); err != nil {
			return err
		}
	}

	entry := &store.CacheEntry{
		Key:        c.ScopeKey,
		EntityType: c.EntityType,
		Value:      c.RemotePayload,
		TTL:        e.cfg.Cache.TTLFor(c.EntityType),
		SyncState:  store.SyncSynced,
	}

	return e.cache.Set(ctx, entry, cache.Hybrid)
}

// Online reports the current connectivity state.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// Run drives the background sync loop (drains plus the cache sweeper)
// until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	return e.coord.Run(ctx)
}

// DrainNow runs one drain cycle synchronously and reports what happened.
func (e *Engine) DrainNow(ctx context.Context) (DrainStats, error) {
	return e.coord.DrainOnce(ctx)
}

// Close checkpoints and closes the durable store.
func (e *Engine) Close() error {
	return e.store.Close()
}
