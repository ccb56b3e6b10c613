package queue

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markbook/markbook-go/internal/store"
)

// testWriter adapts t.Log so queue logging shows up in test output.
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

// newTestQueue creates a Queue over an in-memory store with a controllable
// clock.
func newTestQueue(t *testing.T) (*Queue, *store.SQLiteStore, *int64) {
	t.Helper()

	st, err := store.Open(":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})

	q := New(st, Config{
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  300 * time.Millisecond,
	}, testLogger(t))

	now := store.NowNano()
	q.nowFunc = func() int64 { return now }

	return q, st, &now
}

func makeParams(key string, prio store.Priority) EnqueueParams {
	return EnqueueParams{
		EntityType:     "attendance",
		Payload:        []byte(`{"v":1}`),
		Priority:       prio,
		CorrelationKey: key,
		ScopeKey:       "attendance:t1:" + key,
		ConflictPolicy: store.PolicyLastWriteWins,
		MaxAttempts:    5,
	}
}

func TestEnqueue(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	rec, err := q.Enqueue(ctx, makeParams("k1", store.PriorityHigh))
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, store.StatusPending, rec.Status)
	assert.Equal(t, store.PriorityHigh, rec.Priority)
	assert.Equal(t, rec.EnqueuedAt, rec.SupersededAt)
	assert.Zero(t, rec.Attempts)

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSupersede(t *testing.T) {
	ctx := context.Background()

	t.Run("reuses row and FIFO anchor", func(t *testing.T) {
		q, _, now := newTestQueue(t)

		first, err := q.Enqueue(ctx, makeParams("k1", store.PriorityLow))
		require.NoError(t, err)

		*now += int64(time.Minute)

		params := makeParams("k1", store.PriorityLow)
		params.Payload = []byte(`{"v":2}`)

		second, err := q.Enqueue(ctx, params)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID, "one live record per fact")
		assert.Equal(t, first.EnqueuedAt, second.EnqueuedAt, "queue position is preserved")
		assert.Greater(t, second.SupersededAt, first.SupersededAt, "latest intent timestamp advances")
		assert.Equal(t, []byte(`{"v":2}`), second.Payload)

		count, err := q.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("priority never downgrades", func(t *testing.T) {
		q, _, _ := newTestQueue(t)

		_, err := q.Enqueue(ctx, makeParams("k1", store.PriorityImmediate))
		require.NoError(t, err)

		rec, err := q.Enqueue(ctx, makeParams("k1", store.PriorityLow))
		require.NoError(t, err)
		assert.Equal(t, store.PriorityImmediate, rec.Priority)
	})

	t.Run("priority upgrades", func(t *testing.T) {
		q, _, _ := newTestQueue(t)

		_, err := q.Enqueue(ctx, makeParams("k1", store.PriorityLow))
		require.NoError(t, err)

		rec, err := q.Enqueue(ctx, makeParams("k1", store.PriorityImmediate))
		require.NoError(t, err)
		assert.Equal(t, store.PriorityImmediate, rec.Priority)
	})

	t.Run("attempts and backoff reset", func(t *testing.T) {
		q, st, _ := newTestQueue(t)

		first, err := q.Enqueue(ctx, makeParams("k1", store.PriorityLow))
		require.NoError(t, err)

		_, err = q.MarkFailed(ctx, first, assert.AnError, true)
		require.NoError(t, err)

		rec, err := q.Enqueue(ctx, makeParams("k1", store.PriorityLow))
		require.NoError(t, err)

		stored, err := st.GetQueueRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Zero(t, stored.Attempts, "a new payload gets a fresh retry budget")
		assert.Zero(t, stored.NextAttemptAt, "and is due immediately")
	})
}

func TestDequeueNextBatch(t *testing.T) {
	q, _, now := newTestQueue(t)
	ctx := context.Background()

	// Enqueued low first, immediate last; drain order must ignore arrival
	// across tiers and respect it within one.
	_, err := q.Enqueue(ctx, makeParams("low", store.PriorityLow))
	require.NoError(t, err)

	*now += int64(time.Second)
	_, err = q.Enqueue(ctx, makeParams("med", store.PriorityMedium))
	require.NoError(t, err)

	*now += int64(time.Second)
	_, err = q.Enqueue(ctx, makeParams("imm-old", store.PriorityImmediate))
	require.NoError(t, err)

	*now += int64(time.Second)
	_, err = q.Enqueue(ctx, makeParams("imm-new", store.PriorityImmediate))
	require.NoError(t, err)

	batch, err := q.DequeueNextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 4)

	keys := []string{
		batch[0].CorrelationKey, batch[1].CorrelationKey,
		batch[2].CorrelationKey, batch[3].CorrelationKey,
	}
	assert.Equal(t, []string{"imm-old", "imm-new", "med", "low"}, keys)
}

func TestMarkFailed(t *testing.T) {
	ctx := context.Background()

	t.Run("retryable schedules backoff", func(t *testing.T) {
		q, st, now := newTestQueue(t)

		rec, err := q.Enqueue(ctx, makeParams("k1", store.PriorityHigh))
		require.NoError(t, err)

		removed, err := q.MarkFailed(ctx, rec, assert.AnError, true)
		require.NoError(t, err)
		assert.False(t, removed)

		stored, err := st.GetQueueRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.Attempts)
		assert.Equal(t, store.StatusPending, stored.Status)
		assert.Greater(t, stored.NextAttemptAt, *now)

		batch, err := q.DequeueNextBatch(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, batch, "backing-off records are not due")

		*now = stored.NextAttemptAt + 1

		batch, err = q.DequeueNextBatch(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, batch, 1, "due again once the delay elapses")
	})

	t.Run("non-retryable is dropped", func(t *testing.T) {
		q, st, _ := newTestQueue(t)

		rec, err := q.Enqueue(ctx, makeParams("k1", store.PriorityHigh))
		require.NoError(t, err)

		removed, err := q.MarkFailed(ctx, rec, assert.AnError, false)
		require.NoError(t, err)
		assert.True(t, removed)

		stored, err := st.GetQueueRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Nil(t, stored, "a rejected payload can never succeed as-is")
	})

	t.Run("non-retryable keeps a superseding edit", func(t *testing.T) {
		q, st, now := newTestQueue(t)

		rec, err := q.Enqueue(ctx, makeParams("k1", store.PriorityHigh))
		require.NoError(t, err)
		require.NoError(t, q.MarkInFlight(ctx, rec.ID))

		// A newer edit lands while the first payload is in flight.
		*now += int64(time.Second)
		_, err = q.Enqueue(ctx, makeParams("k1", store.PriorityHigh))
		require.NoError(t, err)

		removed, err := q.MarkFailed(ctx, rec, assert.AnError, false)
		require.NoError(t, err)
		assert.False(t, removed, "the newer payload is not the rejected one")

		stored, err := st.GetQueueRecord(ctx, rec.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, store.StatusPending, stored.Status)
	})

	t.Run("dead letter after max attempts", func(t *testing.T) {
		q, st, now := newTestQueue(t)

		params := makeParams("k1", store.PriorityHigh)
		params.MaxAttempts = 3

		rec, err := q.Enqueue(ctx, params)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			stored, err := st.GetQueueRecord(ctx, rec.ID)
			require.NoError(t, err)
			_, err = q.MarkFailed(ctx, stored, assert.AnError, true)
			require.NoError(t, err)
			*now += int64(time.Hour)
		}

		stored, err := st.GetQueueRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusDeadLetter, stored.Status)
		assert.Equal(t, 3, stored.Attempts)

		dead, err := q.DeadLetters(ctx)
		require.NoError(t, err)
		assert.Len(t, dead, 1)

		count, err := q.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, count, "dead letters do not count as pending")
	})
}

func TestMarkSucceeded(t *testing.T) {
	ctx := context.Background()

	t.Run("removes the record", func(t *testing.T) {
		q, st, _ := newTestQueue(t)

		rec, err := q.Enqueue(ctx, makeParams("k1", store.PriorityHigh))
		require.NoError(t, err)
		require.NoError(t, q.MarkInFlight(ctx, rec.ID))

		fully, err := q.MarkSucceeded(ctx, rec)
		require.NoError(t, err)
		assert.True(t, fully)

		stored, err := st.GetQueueRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("superseded mid-flight keeps the newer payload", func(t *testing.T) {
		q, st, now := newTestQueue(t)

		dispatched, err := q.Enqueue(ctx, makeParams("k1", store.PriorityHigh))
		require.NoError(t, err)
		require.NoError(t, q.MarkInFlight(ctx, dispatched.ID))

		// A newer edit lands while the old payload is on the wire.
		*now += int64(time.Second)
		params := makeParams("k1", store.PriorityHigh)
		params.Payload = []byte(`{"v":2}`)
		_, err = q.Enqueue(ctx, params)
		require.NoError(t, err)

		fully, err := q.MarkSucceeded(ctx, dispatched)
		require.NoError(t, err)
		assert.False(t, fully, "the acknowledged payload is already stale")

		stored, err := st.GetQueueRecord(ctx, dispatched.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, store.StatusPending, stored.Status)
		assert.Equal(t, []byte(`{"v":2}`), stored.Payload)
	})
}

func TestResetToPending(t *testing.T) {
	q, st, _ := newTestQueue(t)
	ctx := context.Background()

	rec, err := q.Enqueue(ctx, makeParams("k1", store.PriorityHigh))
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(ctx, rec.ID))

	require.NoError(t, q.ResetToPending(ctx, rec.ID))

	stored, err := st.GetQueueRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, stored.Status)
	assert.Zero(t, stored.Attempts, "an aborted dispatch costs no attempt")
}

func TestRecover(t *testing.T) {
	q, st, _ := newTestQueue(t)
	ctx := context.Background()

	rec, err := q.Enqueue(ctx, makeParams("k1", store.PriorityHigh))
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(ctx, rec.ID))

	// Simulates a restart after a crash mid-dispatch.
	require.NoError(t, q.Recover(ctx))

	stored, err := st.GetQueueRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, stored.Status)
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()

	// deadLetter drives a record into the dead-letter partition.
	deadLetter := func(t *testing.T, q *Queue, st *store.SQLiteStore, key string) *store.QueueRecord {
		t.Helper()

		params := makeParams(key, store.PriorityHigh)
		params.MaxAttempts = 1

		rec, err := q.Enqueue(ctx, params)
		require.NoError(t, err)

		_, err = q.MarkFailed(ctx, rec, assert.AnError, true)
		require.NoError(t, err)

		stored, err := st.GetQueueRecord(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, store.StatusDeadLetter, stored.Status)

		return stored
	}

	t.Run("returns a dead letter to pending", func(t *testing.T) {
		q, st, _ := newTestQueue(t)

		rec := deadLetter(t, q, st, "k1")
		require.NoError(t, q.Requeue(ctx, rec.ID))

		stored, err := st.GetQueueRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPending, stored.Status)
		assert.Zero(t, stored.Attempts, "fresh retry budget")
	})

	t.Run("not found", func(t *testing.T) {
		q, _, _ := newTestQueue(t)
		assert.ErrorIs(t, q.Requeue(ctx, "missing"), ErrNotFound)
	})

	t.Run("rejects live records", func(t *testing.T) {
		q, _, _ := newTestQueue(t)

		rec, err := q.Enqueue(ctx, makeParams("k1", store.PriorityHigh))
		require.NoError(t, err)
		assert.ErrorIs(t, q.Requeue(ctx, rec.ID), ErrNotDeadLetter)
	})

	t.Run("discards when superseded by a newer write", func(t *testing.T) {
		q, st, _ := newTestQueue(t)

		rec := deadLetter(t, q, st, "k1")

		// The user retyped the same fact; the dead letter is obsolete.
		_, err := q.Enqueue(ctx, makeParams("k1", store.PriorityHigh))
		require.NoError(t, err)

		assert.ErrorIs(t, q.Requeue(ctx, rec.ID), ErrSupersededByNewer)

		stored, err := st.GetQueueRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Nil(t, stored)
	})
}

func TestDeferAndReactivate(t *testing.T) {
	q, st, now := newTestQueue(t)
	ctx := context.Background()

	rec, err := q.Enqueue(ctx, makeParams("k1", store.PriorityHigh))
	require.NoError(t, err)

	until := *now + int64(24*time.Hour)
	require.NoError(t, q.Defer(ctx, rec.ID, until, "awaiting manual review"))

	batch, err := q.DequeueNextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "deferred records stop burning dispatch slots")

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "but still count as unsynced")

	require.NoError(t, q.Reactivate(ctx, rec.ID))

	batch, err = q.DequeueNextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)

	stored, err := st.GetQueueRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Attempts)
}

func TestDiscard(t *testing.T) {
	q, st, _ := newTestQueue(t)
	ctx := context.Background()

	rec, err := q.Enqueue(ctx, makeParams("k1", store.PriorityHigh))
	require.NoError(t, err)

	require.NoError(t, q.Discard(ctx, rec.ID))

	stored, err := st.GetQueueRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestBackoffDelay(t *testing.T) {
	q := New(nil, Config{
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  300 * time.Millisecond,
	}, testLogger(t))

	assert.Equal(t, 100*time.Millisecond, q.backoffDelay(1))
	assert.Equal(t, 200*time.Millisecond, q.backoffDelay(2))
	assert.Equal(t, 300*time.Millisecond, q.backoffDelay(3), "capped")
	assert.Equal(t, 300*time.Millisecond, q.backoffDelay(4))
}
