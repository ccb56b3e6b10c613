// Package queue implements the persisted offline mutation queue: priority
// tiers, FIFO within a tier, supersede-by-correlation-key deduplication,
// retry scheduling with exponential backoff, and a dead-letter partition.
// Every state transition is written to the durable store before it becomes
// visible, so a crash mid-sync leaves the queue consistent on restart.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/markbook/markbook-go/internal/store"
)

// Sentinel errors surfaced to callers.
var (
	// ErrNotFound indicates the record ID does not exist.
	ErrNotFound = errors.New("queue: record not found")
	// ErrNotDeadLetter indicates a requeue target is not in the dead-letter
	// partition.
	ErrNotDeadLetter = errors.New("queue: record is not a dead letter")
	// ErrSupersededByNewer indicates a dead letter was discarded on requeue
	// because a newer live record exists for the same correlation key.
	ErrSupersededByNewer = errors.New("queue: superseded by a newer record")
)

// Store is the durable tier contract consumed by the queue.
// Satisfied by *store.SQLiteStore.
type Store interface {
	GetQueueRecord(ctx context.Context, id string) (*store.QueueRecord, error)
	GetActiveByCorrelationKey(ctx context.Context, key string) (*store.QueueRecord, error)
	PutQueueRecord(ctx context.Context, rec *store.QueueRecord) error
	SetQueueStatus(ctx context.Context, id string, status store.Status, lastError string) error
	ScheduleRetry(ctx context.Context, id string, status store.Status, attempts int, nextAttemptAt int64, lastError string) error
	ListDue(ctx context.Context, now int64, limit int) ([]*store.QueueRecord, error)
	ListByStatus(ctx context.Context, status store.Status) ([]*store.QueueRecord, error)
	DeleteQueueRecord(ctx context.Context, id string) error
	CountActive(ctx context.Context) (int, error)
	ResetInFlight(ctx context.Context) (int64, error)
}

// Config tunes retry scheduling.
type Config struct {
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter time.Duration
}

// Queue serializes all mutations through one mutex (single active-writer
// discipline) and treats the durable store's indexed tables as the queue
// index: there is no separate in-memory copy to diverge from it.
type Queue struct {
	store   Store
	cfg     Config
	logger  *slog.Logger
	nowFunc func() int64 // injectable for testing

	mu sync.Mutex
}

// New creates a Queue over the given durable tier.
func New(st Store, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		store:   st,
		cfg:     cfg,
		logger:  logger,
		nowFunc: store.NowNano,
	}
}

// Recover resets any in-flight records to pending. Call once at startup:
// a record left in flight across a crash was never confirmed.
func (q *Queue) Recover(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.store.ResetInFlight(ctx); err != nil {
		return fmt.Errorf("queue: recover: %w", err)
	}

	return nil
}

// EnqueueParams describes a mutation to enqueue.
type EnqueueParams struct {
	EntityType     string
	Payload        []byte
	Priority       store.Priority
	CorrelationKey string
	ScopeKey       string
	ConflictPolicy store.ConflictPolicy
	MaxAttempts    int
}

// Build constructs the queue record for params without persisting it,
// applying supersede semantics against any live record with the same
// correlation key: the row ID and original enqueue time are reused (so FIFO
// position is preserved), the payload is replaced, attempts reset, and the
// priority never downgrades. The caller persists the result; the engine's
// write path does so atomically with the cache entry.
//
// Callers must hold the queue for the duration of build-and-persist; use
// Enqueue unless the write must join a larger transaction via Locked.
func (q *Queue) Build(ctx context.Context, p EnqueueParams) (*store.QueueRecord, error) {
	now := q.nowFunc()

	existing, err := q.store.GetActiveByCorrelationKey(ctx, p.CorrelationKey)
	if err != nil {
		return nil, fmt.Errorf("queue: supersede lookup %q: %w", p.CorrelationKey, err)
	}

	rec := &store.QueueRecord{
		ID:             uuid.NewString(),
		EntityType:     p.EntityType,
		Payload:        p.Payload,
		Priority:       p.Priority,
		CorrelationKey: p.CorrelationKey,
		ScopeKey:       p.ScopeKey,
		MaxAttempts:    p.MaxAttempts,
		EnqueuedAt:     now,
		SupersededAt:   now,
		Status:         store.StatusPending,
		ConflictPolicy: p.ConflictPolicy,
	}

	if existing != nil {
		rec.ID = existing.ID
		rec.EnqueuedAt = existing.EnqueuedAt

		// Re-evaluate priority but never downgrade a hot record.
		if existing.Priority < rec.Priority {
			rec.Priority = existing.Priority
		}

		q.logger.Debug("superseding queue record",
			"id", rec.ID, "correlation_key", p.CorrelationKey,
			"priority", rec.Priority.String())
	}

	return rec, nil
}

// Locked runs fn while holding the queue's writer lock. The engine uses
// this to make Build + transactional persist + cache prime one atomic unit
// with respect to other queue mutations.
func (q *Queue) Locked(fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return fn()
}

// Enqueue builds and persists a record in one step.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*store.QueueRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.Build(ctx, p)
	if err != nil {
		return nil, err
	}

	if err := q.store.PutQueueRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("queue: enqueue %q: %w", p.CorrelationKey, err)
	}

	return rec, nil
}

// EnqueueDeferred enqueues like Enqueue but with a future due time. Used
// for merged conflict payloads, which should sync on the next drain cycle
// rather than redispatch inside the one that produced them.
func (q *Queue) EnqueueDeferred(ctx context.Context, p EnqueueParams, until int64) (*store.QueueRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.Build(ctx, p)
	if err != nil {
		return nil, err
	}

	rec.NextAttemptAt = until

	if err := q.store.PutQueueRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("queue: enqueue deferred %q: %w", p.CorrelationKey, err)
	}

	return rec, nil
}

// DequeueNextBatch returns up to maxSize due pending records in drain
// order: strict priority tiers, then FIFO by original enqueue time. Records
// still backing off and dead letters are excluded.
func (q *Queue) DequeueNextBatch(ctx context.Context, maxSize int) ([]*store.QueueRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.store.ListDue(ctx, q.nowFunc(), maxSize)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue batch: %w", err)
	}

	return records, nil
}

// MarkInFlight transitions a dequeued record to in-flight before dispatch.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.SetQueueStatus(ctx, id, store.StatusInFlight, ""); err != nil {
		return fmt.Errorf("queue: mark in-flight %s: %w", id, err)
	}

	return nil
}

// MarkSucceeded removes a record after the remote authority acknowledged
// it. If the record was superseded while in flight (a newer local edit
// arrived mid-drain), the newer payload is preserved as pending and false
// is returned: the logical write is not yet fully synced.
func (q *Queue) MarkSucceeded(ctx context.Context, dispatched *store.QueueRecord) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.store.GetQueueRecord(ctx, dispatched.ID)
	if err != nil {
		return false, fmt.Errorf("queue: mark succeeded %s: %w", dispatched.ID, err)
	}

	if current == nil {
		return true, nil
	}

	if current.SupersededAt > dispatched.SupersededAt {
		q.logger.Info("record superseded while in flight, keeping newer payload",
			"id", dispatched.ID, "correlation_key", dispatched.CorrelationKey)

		if err := q.store.SetQueueStatus(ctx, dispatched.ID, store.StatusPending, ""); err != nil {
			return false, fmt.Errorf("queue: reset superseded %s: %w", dispatched.ID, err)
		}

		return false, nil
	}

	if err := q.store.DeleteQueueRecord(ctx, dispatched.ID); err != nil {
		return false, fmt.Errorf("queue: delete succeeded %s: %w", dispatched.ID, err)
	}

	return true, nil
}

// MarkFailed records a delivery failure. Retryable failures (transient
// network errors) schedule the next attempt with exponential backoff and
// move the record to the dead-letter partition once attempts are exhausted.
// Non-retryable failures (server-side validation rejections) remove the
// record outright, since it can never succeed as-is; removed reports
// whether that happened, so the caller can retire the matching cache
// entry. A record superseded while in flight keeps its newer payload
// pending instead of being removed.
func (q *Queue) MarkFailed(ctx context.Context, rec *store.QueueRecord, cause error, retryable bool) (removed bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if !retryable {
		current, err := q.store.GetQueueRecord(ctx, rec.ID)
		if err != nil {
			return false, fmt.Errorf("queue: mark failed %s: %w", rec.ID, err)
		}

		if current != nil && current.SupersededAt > rec.SupersededAt {
			q.logger.Info("record superseded while in flight, keeping newer payload",
				"id", rec.ID, "correlation_key", rec.CorrelationKey)

			if err := q.store.SetQueueStatus(ctx, rec.ID, store.StatusPending, ""); err != nil {
				return false, fmt.Errorf("queue: reset superseded %s: %w", rec.ID, err)
			}

			return false, nil
		}

		q.logger.Warn("dropping non-retryable record",
			"id", rec.ID, "correlation_key", rec.CorrelationKey, "error", msg)

		if err := q.store.DeleteQueueRecord(ctx, rec.ID); err != nil {
			return false, fmt.Errorf("queue: drop rejected %s: %w", rec.ID, err)
		}

		return true, nil
	}

	attempts := rec.Attempts + 1

	if attempts >= rec.MaxAttempts {
		q.logger.Warn("record moved to dead letter",
			"id", rec.ID, "correlation_key", rec.CorrelationKey,
			"attempts", attempts, "error", msg)

		err := q.store.ScheduleRetry(ctx, rec.ID, store.StatusDeadLetter, attempts, 0, msg)
		if err != nil {
			return false, fmt.Errorf("queue: dead-letter %s: %w", rec.ID, err)
		}

		return false, nil
	}

	delay := q.backoffDelay(attempts)
	nextAt := q.nowFunc() + int64(delay)

	q.logger.Debug("scheduling retry",
		"id", rec.ID, "attempts", attempts, "delay", delay)

	err = q.store.ScheduleRetry(ctx, rec.ID, store.StatusPending, attempts, nextAt, msg)
	if err != nil {
		return false, fmt.Errorf("queue: schedule retry %s: %w", rec.ID, err)
	}

	return false, nil
}

// ResetToPending returns an unacknowledged in-flight record to pending,
// used when a drain cycle aborts mid-batch. Attempts are not incremented:
// the record was never transmitted to completion.
func (q *Queue) ResetToPending(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.SetQueueStatus(ctx, id, store.StatusPending, ""); err != nil {
		return fmt.Errorf("queue: reset to pending %s: %w", id, err)
	}

	return nil
}

// Defer parks a record as pending with a future due time without consuming
// a retry attempt, used while a manual conflict decision is outstanding or
// when a conflict round the local value won is pushed to the next cycle.
// reason lands in the record's last-error column for inspection.
func (q *Queue) Defer(ctx context.Context, id string, until int64, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.store.GetQueueRecord(ctx, id)
	if err != nil {
		return fmt.Errorf("queue: defer %s: %w", id, err)
	}

	if rec == nil {
		return ErrNotFound
	}

	err = q.store.ScheduleRetry(ctx, id, store.StatusPending, rec.Attempts, until, reason)
	if err != nil {
		return fmt.Errorf("queue: defer %s: %w", id, err)
	}

	return nil
}

// Reactivate returns a deferred record to immediate eligibility with a
// fresh retry budget, used when a manual conflict decision keeps the local
// value.
func (q *Queue) Reactivate(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.ScheduleRetry(ctx, id, store.StatusPending, 0, 0, ""); err != nil {
		return fmt.Errorf("queue: reactivate %s: %w", id, err)
	}

	return nil
}

// Discard removes a record whose local intent was abandoned, e.g. when a
// manual conflict decision keeps the remote value.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.DeleteQueueRecord(ctx, id); err != nil {
		return fmt.Errorf("queue: discard %s: %w", id, err)
	}

	return nil
}

// PendingCount returns the number of records awaiting sync (pending plus
// in-flight; dead letters excluded).
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	count, err := q.store.CountActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: pending count: %w", err)
	}

	return count, nil
}

// DeadLetters returns all records that exhausted their retries. They are
// retained for inspection and manual resync, never deleted automatically.
func (q *Queue) DeadLetters(ctx context.Context) ([]*store.QueueRecord, error) {
	records, err := q.store.ListByStatus(ctx, store.StatusDeadLetter)
	if err != nil {
		return nil, fmt.Errorf("queue: dead letters: %w", err)
	}

	return records, nil
}

// Requeue moves a dead letter back to pending with a fresh retry budget.
// If a newer live record exists for the same correlation key, the dead
// letter is obsolete and is discarded instead.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.store.GetQueueRecord(ctx, id)
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", id, err)
	}

	if rec == nil {
		return ErrNotFound
	}

	if rec.Status != store.StatusDeadLetter {
		return ErrNotDeadLetter
	}

	active, err := q.store.GetActiveByCorrelationKey(ctx, rec.CorrelationKey)
	if err != nil {
		return fmt.Errorf("queue: requeue lookup %q: %w", rec.CorrelationKey, err)
	}

	if active != nil {
		if err := q.store.DeleteQueueRecord(ctx, id); err != nil {
			return fmt.Errorf("queue: drop obsolete dead letter %s: %w", id, err)
		}

		return ErrSupersededByNewer
	}

	if err := q.store.ScheduleRetry(ctx, id, store.StatusPending, 0, 0, ""); err != nil {
		return fmt.Errorf("queue: requeue %s: %w", id, err)
	}

	q.logger.Info("requeued dead letter",
		"id", id, "correlation_key", rec.CorrelationKey)

	return nil
}

// backoffDelay computes the delay before attempt n (1-based) by stepping an
// exponential backoff with jitter and cap: base * 2^(n-1) +/- jitter,
// bounded by the cap.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	b := retry.NewExponential(q.cfg.BackoffBase)
	if q.cfg.BackoffJitter > 0 {
		b = retry.WithJitter(q.cfg.BackoffJitter, b)
	}

	if q.cfg.BackoffCap > 0 {
		b = retry.WithCappedDuration(q.cfg.BackoffCap, b)
	}

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay, _ = b.Next()
	}

	return delay
}
