package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/markbook/markbook-go/internal/cache"
	"github.com/markbook/markbook-go/internal/connectivity"
	"github.com/markbook/markbook-go/internal/queue"
	"github.com/markbook/markbook-go/internal/remote"
	"github.com/markbook/markbook-go/internal/store"
)

// Sentinel errors surfaced by DrainOnce.
var (
	// ErrOffline indicates a drain was requested while disconnected.
	ErrOffline = errors.New("engine: offline")
	// ErrDrainBusy indicates a drain cycle is already running in this
	// process.
	ErrDrainBusy = errors.New("engine: drain already in progress")
	// ErrLeaseHeld indicates another process holds the drain lease.
	ErrLeaseHeld = errors.New("engine: drain lease held by another process")
)

// manualDeferral is how far out a record is pushed while its manual
// conflict decision is outstanding. It stays pending, not dead-lettered,
// so the pending count keeps reflecting unsynced local state.
const manualDeferral = 24 * time.Hour

// ConflictStore is the durable-tier contract the coordinator needs beyond
// what the cache and queue already wrap: the drain lease and the parking
// lot for manual conflicts. Satisfied by *store.SQLiteStore.
type ConflictStore interface {
	TryAcquireDrainLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseDrainLease(ctx context.Context, owner string) error
	PutManualConflict(ctx context.Context, c *store.ManualConflict) error
	GetManualConflictByKey(ctx context.Context, key string) (*store.ManualConflict, error)
}

// CoordinatorConfig tunes the drain loop.
type CoordinatorConfig struct {
	BatchSize       int
	DispatchTimeout time.Duration
	DrainInterval   time.Duration
	SweepInterval   time.Duration
	LeaseTTL        time.Duration

	// TTLFor maps an entity type to its cache TTL, used when a conflict
	// verdict writes a remote or merged value back into the cache.
	TTLFor func(entityType string) time.Duration
}

// DrainStats summarizes one drain cycle.
type DrainStats struct {
	Dispatched int `json:"dispatched"`
	Succeeded  int `json:"succeeded"`
	Conflicts  int `json:"conflicts"`
	Rejected   int `json:"rejected"`
	Failed     int `json:"failed"`
}

// Coordinator drives the sync loop: it watches connectivity, dequeues due
// records in priority order, dispatches them in batches, and routes each
// per-item verdict back into the queue, cache, or conflict parking lot.
// Only one drain cycle runs at a time, enforced in-process by a CAS flag
// and across processes by the durable drain lease.
type Coordinator struct {
	queue     *queue.Queue
	cache     *cache.Cache
	conflicts ConflictStore
	submitter remote.Submitter
	monitor   connectivity.Monitor
	cfg       CoordinatorConfig
	logger    *slog.Logger
	nowFunc   func() int64 // injectable for testing

	owner    string // lease owner identity, unique per process
	draining atomic.Bool
	kick     chan struct{}
}

// NewCoordinator wires the coordinator. The queue must have been recovered
// (in-flight reset) before the first drain.
func NewCoordinator(
	q *queue.Queue,
	c *cache.Cache,
	cs ConflictStore,
	sub remote.Submitter,
	mon connectivity.Monitor,
	cfg CoordinatorConfig,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		queue:     q,
		cache:     c,
		conflicts: cs,
		submitter: sub,
		monitor:   mon,
		cfg:       cfg,
		logger:    logger,
		nowFunc:   store.NowNano,
		owner:     uuid.NewString(),
		kick:      make(chan struct{}, 1),
	}
}

// Kick requests a drain outside the periodic schedule, e.g. right after a
// write or a manual conflict decision. Never blocks; a pending kick is
// enough.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run drives the coordinator until ctx is canceled: the periodic cache
// sweeper and the drain loop run concurrently and the first hard failure
// stops both.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.cache.RunSweeper(ctx, c.cfg.SweepInterval)
	})

	g.Go(func() error {
		return c.drainLoop(ctx)
	})

	return g.Wait()
}

// drainLoop triggers drains on connectivity edges, the periodic tick, and
// explicit kicks. Drain failures are logged and retried on the next
// trigger rather than tearing the loop down.
func (c *Coordinator) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.DrainInterval)
	defer ticker.Stop()

	if c.monitor.Online() {
		c.drainLogged(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online := <-c.monitor.Events():
			if online {
				c.drainLogged(ctx)
			} else {
				c.logger.Info("connectivity lost, sync paused")
			}
		case <-ticker.C:
			c.drainLogged(ctx)
		case <-c.kick:
			c.drainLogged(ctx)
		}
	}
}

// drainLogged runs one cycle and demotes expected outcomes (offline, busy,
// lease contention) to debug logs.
func (c *Coordinator) drainLogged(ctx context.Context) {
	stats, err := c.DrainOnce(ctx)

	switch {
	case err == nil:
		if stats.Dispatched > 0 {
			c.logger.Info("drain cycle complete",
				"dispatched", stats.Dispatched, "succeeded", stats.Succeeded,
				"conflicts", stats.Conflicts, "rejected", stats.Rejected,
				"failed", stats.Failed)
		}
	case errors.Is(err, ErrOffline), errors.Is(err, ErrDrainBusy), errors.Is(err, ErrLeaseHeld):
		c.logger.Debug("drain skipped", "reason", err)
	case errors.Is(err, context.Canceled):
	default:
		c.logger.Error("drain cycle failed", "error", err)
	}
}

// DrainOnce runs one full drain cycle: batches of due records are
// dispatched until the queue has no more due work or connectivity drops.
// Aborted batches (offline, canceled) return their records to pending
// without consuming a retry attempt.
func (c *Coordinator) DrainOnce(ctx context.Context) (DrainStats, error) {
	var stats DrainStats

	if !c.monitor.Online() {
		return stats, ErrOffline
	}

	if !c.draining.CompareAndSwap(false, true) {
		return stats, ErrDrainBusy
	}
	defer c.draining.Store(false)

	held, err := c.conflicts.TryAcquireDrainLease(ctx, c.owner, c.cfg.LeaseTTL)
	if err != nil {
		return stats, fmt.Errorf("engine: acquire drain lease: %w", err)
	}

	if !held {
		return stats, ErrLeaseHeld
	}

	defer func() {
		if rerr := c.conflicts.ReleaseDrainLease(context.WithoutCancel(ctx), c.owner); rerr != nil {
			c.logger.Warn("failed to release drain lease", "error", rerr)
		}
	}()

	for {
		batch, err := c.queue.DequeueNextBatch(ctx, c.cfg.BatchSize)
		if err != nil {
			return stats, err
		}

		if len(batch) == 0 {
			return stats, nil
		}

		done, err := c.dispatchBatch(ctx, batch, &stats)
		if err != nil || done {
			return stats, err
		}
	}
}

// dispatchBatch sends one batch and routes the per-item results. Returns
// done=true when the cycle should stop without error (transient server
// trouble; backoff is already scheduled).
func (c *Coordinator) dispatchBatch(ctx context.Context, batch []*store.QueueRecord, stats *DrainStats) (bool, error) {
	for i, rec := range batch {
		if err := c.queue.MarkInFlight(ctx, rec.ID); err != nil {
			// Records already marked must not wait for a process restart.
			c.resetBatch(ctx, batch[:i])

			return false, err
		}
	}

	items := make([]remote.BatchItem, 0, len(batch))
	for _, rec := range batch {
		items = append(items, remote.BatchItem{
			CorrelationKey: rec.CorrelationKey,
			EntityType:     rec.EntityType,
			Payload:        json.RawMessage(rec.Payload),
		})
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	results, err := c.submitter.SubmitBatch(dctx, items)
	cancel()

	stats.Dispatched += len(batch)

	if err != nil {
		return c.handleBatchError(ctx, batch, stats, err)
	}

	byKey := make(map[string]*store.QueueRecord, len(batch))
	for _, rec := range batch {
		byKey[rec.CorrelationKey] = rec
	}

	for _, res := range results {
		rec, ok := byKey[res.CorrelationKey]
		if !ok {
			c.logger.Warn("result for unknown correlation key", "key", res.CorrelationKey)
			continue
		}

		delete(byKey, res.CorrelationKey)

		if err := c.routeResult(ctx, rec, res, stats); err != nil {
			return false, err
		}
	}

	// Records the server did not answer for were never confirmed; they go
	// back to pending with attempts untouched. The cycle ends so a server
	// that answers 200 but keeps omitting items cannot cause a tight
	// redispatch loop.
	if len(byKey) > 0 {
		c.logger.Warn("server response omitted records", "count", len(byKey))

		for _, rec := range byKey {
			if err := c.queue.ResetToPending(ctx, rec.ID); err != nil {
				return false, err
			}
		}

		return true, nil
	}

	return false, nil
}

// handleBatchError classifies a whole-batch dispatch failure. Connectivity
// loss and cancellation abort the cycle without charging attempts; a
// transient server error charges one attempt per record and lets backoff
// spread the retries; anything else (a malformed request the server
// refused outright) aborts without charging attempts so nothing is lost
// while the cause is investigated.
func (c *Coordinator) handleBatchError(ctx context.Context, batch []*store.QueueRecord, stats *DrainStats, err error) (bool, error) {
	if ctx.Err() != nil || !c.monitor.Online() {
		c.resetBatch(ctx, batch)

		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		return true, ErrOffline
	}

	if remote.IsTransient(err) {
		c.logger.Warn("batch dispatch failed, retrying with backoff",
			"records", len(batch), "error", err)

		for _, rec := range batch {
			if _, ferr := c.queue.MarkFailed(ctx, rec, err, true); ferr != nil {
				return false, ferr
			}
		}

		stats.Failed += len(batch)

		return true, nil
	}

	c.resetBatch(ctx, batch)

	return true, fmt.Errorf("engine: dispatch batch: %w", err)
}

// resetBatch returns every record of an aborted batch to pending. Errors
// are logged only; startup recovery resets stragglers anyway.
func (c *Coordinator) resetBatch(ctx context.Context, batch []*store.QueueRecord) {
	ctx = context.WithoutCancel(ctx)

	for _, rec := range batch {
		if err := c.queue.ResetToPending(ctx, rec.ID); err != nil {
			c.logger.Warn("failed to reset aborted record",
				"id", rec.ID, "error", err)
		}
	}
}

// routeResult applies one per-item server verdict.
func (c *Coordinator) routeResult(ctx context.Context, rec *store.QueueRecord, res remote.ItemResult, stats *DrainStats) error {
	switch res.Outcome {
	case remote.OutcomeAccepted:
		fully, err := c.queue.MarkSucceeded(ctx, rec)
		if err != nil {
			return err
		}

		if fully {
			if err := c.cache.MarkSynced(ctx, rec.ScopeKey); err != nil {
				return err
			}

			stats.Succeeded++
		}

		return nil
	case remote.OutcomeRejected:
		stats.Rejected++

		return c.dropRejected(ctx, rec, fmt.Errorf("server rejected: %s", res.Message))
	case remote.OutcomeConflict:
		stats.Conflicts++

		if res.ServerValue == nil {
			_, err := c.queue.MarkFailed(ctx, rec, errors.New("conflict without server value"), true)
			return err
		}

		return c.resolveConflict(ctx, rec, *res.ServerValue)
	default:
		_, err := c.queue.MarkFailed(ctx, rec, fmt.Errorf("unknown outcome %q", res.Outcome), true)
		return err
	}
}

// dropRejected removes a record the server can never accept and retires its
// optimistic cache entry, so reads stop serving a value that will never
// sync and no pending entry outlives its queue record. An edit that
// superseded the record mid-flight keeps both its queue slot and the cache.
func (c *Coordinator) dropRejected(ctx context.Context, rec *store.QueueRecord, cause error) error {
	removed, err := c.queue.MarkFailed(ctx, rec, cause, false)
	if err != nil {
		return err
	}

	if !removed {
		return nil
	}

	return c.cache.Invalidate(ctx, rec.ScopeKey)
}

// resolveConflict runs the resolver and applies its verdict.
func (c *Coordinator) resolveConflict(ctx context.Context, rec *store.QueueRecord, sv remote.ServerValue) error {
	resolved, err := Resolve(rec, sv, rec.ConflictPolicy)
	if err != nil {
		// One side failed to decode. The local payload can never succeed
		// as-is, so it is dropped rather than retried forever.
		c.logger.Error("conflict resolution failed",
			"id", rec.ID, "correlation_key", rec.CorrelationKey, "error", err)

		return c.dropRejected(ctx, rec, err)
	}

	c.logger.Info("conflict resolved",
		"id", rec.ID, "correlation_key", rec.CorrelationKey,
		"policy", string(rec.ConflictPolicy), "verdict", resolved.Verdict.String())

	switch resolved.Verdict {
	case VerdictKeepLocal:
		// Local wins; resubmit on the next cycle. Conflicts are not network
		// failures, so no attempt is charged; the deferral keeps a stale
		// server from being re-asked within the same cycle.
		return c.queue.Defer(ctx, rec.ID,
			c.nowFunc()+int64(c.cfg.DrainInterval), "conflict, local intent retained")
	case VerdictKeepRemote:
		return c.adoptRemote(ctx, rec, resolved)
	case VerdictMerged:
		return c.requeueMerged(ctx, rec, resolved)
	case VerdictManual:
		return c.parkManual(ctx, rec, sv)
	default:
		return fmt.Errorf("engine: unhandled verdict %v", resolved.Verdict)
	}
}

// adoptRemote retires the local record and caches the remote value as
// synced truth. If a newer local edit superseded the record mid-flight, the
// newer intent stays pending and the cache keeps showing it.
func (c *Coordinator) adoptRemote(ctx context.Context, rec *store.QueueRecord, resolved *Resolved) error {
	fully, err := c.queue.MarkSucceeded(ctx, rec)
	if err != nil {
		return err
	}

	if !fully {
		return nil
	}

	value, err := resolved.Envelope.Encode()
	if err != nil {
		return fmt.Errorf("engine: adopt remote %q: %w", rec.CorrelationKey, err)
	}

	entry := &store.CacheEntry{
		Key:        rec.ScopeKey,
		EntityType: rec.EntityType,
		Value:      value,
		TTL:        c.cfg.TTLFor(rec.EntityType),
		SyncState:  store.SyncSynced,
	}

	return c.cache.Set(ctx, entry, cache.Hybrid)
}

// requeueMerged re-enters the merged payload through the write path: the
// enqueue supersedes the in-flight record in place (same row, attempts
// reset) and the cache shows the merged value as pending until the next
// cycle confirms it. The record is deferred one drain interval so a server
// that keeps answering "conflict" cannot ping-pong within a single cycle.
func (c *Coordinator) requeueMerged(ctx context.Context, rec *store.QueueRecord, resolved *Resolved) error {
	value, err := resolved.Envelope.Encode()
	if err != nil {
		return fmt.Errorf("engine: encode merged %q: %w", rec.CorrelationKey, err)
	}

	_, err = c.queue.EnqueueDeferred(ctx, queue.EnqueueParams{
		EntityType:     rec.EntityType,
		Payload:        value,
		Priority:       rec.Priority,
		CorrelationKey: rec.CorrelationKey,
		ScopeKey:       rec.ScopeKey,
		ConflictPolicy: rec.ConflictPolicy,
		MaxAttempts:    rec.MaxAttempts,
	}, c.nowFunc()+int64(c.cfg.DrainInterval))
	if err != nil {
		return err
	}

	entry := &store.CacheEntry{
		Key:        rec.ScopeKey,
		EntityType: rec.EntityType,
		Value:      value,
		TTL:        c.cfg.TTLFor(rec.EntityType),
		SyncState:  store.SyncPending,
	}

	return c.cache.Set(ctx, entry, cache.Hybrid)
}

// parkManual stores the diverged pair for an explicit decision and defers
// the record so it stops burning dispatch slots. The cache keeps showing
// the local value as pending in the meantime.
func (c *Coordinator) parkManual(ctx context.Context, rec *store.QueueRecord, sv remote.ServerValue) error {
	existing, err := c.conflicts.GetManualConflictByKey(ctx, rec.CorrelationKey)
	if err != nil {
		return err
	}

	if existing == nil {
		err := c.conflicts.PutManualConflict(ctx, &store.ManualConflict{
			ID:               uuid.NewString(),
			CorrelationKey:   rec.CorrelationKey,
			ScopeKey:         rec.ScopeKey,
			EntityType:       rec.EntityType,
			LocalPayload:     rec.Payload,
			RemotePayload:    []byte(sv.Payload),
			RemoteModifiedAt: sv.ModifiedAt.UnixNano(),
			DetectedAt:       c.nowFunc(),
		})
		if err != nil {
			return err
		}
	}

	return c.queue.Defer(ctx, rec.ID, c.nowFunc()+int64(manualDeferral), "awaiting manual review")
}
