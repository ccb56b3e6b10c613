package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetQueueRecord retrieves a queue record by ID.
// Returns (nil, nil) if no record exists.
func (s *SQLiteStore) GetQueueRecord(ctx context.Context, id string) (*QueueRecord, error) {
	s.logger.Debug("getting queue record", "id", id)

	rec, err := scanQueueRecord(s.queueStmts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get queue record %s: %w", id, err)
	}

	return rec, nil
}

// GetActiveByCorrelationKey returns the single pending or in-flight record
// for a correlation key, or (nil, nil) if none exists. The partial unique
// index guarantees at most one such record.
func (s *SQLiteStore) GetActiveByCorrelationKey(ctx context.Context, key string) (*QueueRecord, error) {
	s.logger.Debug("getting active queue record", "correlation_key", key)

	rec, err := scanQueueRecord(s.queueStmts.getActiveByKey.QueryRowContext(ctx, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get active record %q: %w", key, err)
	}

	return rec, nil
}

// PutQueueRecord inserts or updates a queue record. Supersede reuses the
// existing row ID, so the upsert replaces payload and scheduling in place.
func (s *SQLiteStore) PutQueueRecord(ctx context.Context, rec *QueueRecord) error {
	s.logger.Debug("putting queue record",
		"id", rec.ID, "correlation_key", rec.CorrelationKey,
		"priority", rec.Priority.String(), "status", rec.Status)

	_, err := s.queueStmts.put.ExecContext(ctx, putQueueArgs(rec)...)
	if err != nil {
		return fmt.Errorf("put queue record %s: %w", rec.ID, err)
	}

	return nil
}

// SetQueueStatus transitions a record's status, recording the last error
// message (empty on success paths).
func (s *SQLiteStore) SetQueueStatus(ctx context.Context, id string, status Status, lastError string) error {
	s.logger.Debug("setting queue status", "id", id, "status", status)

	_, err := s.queueStmts.setStatus.ExecContext(ctx, string(status), lastError, id)
	if err != nil {
		return fmt.Errorf("set queue status %s -> %s: %w", id, status, err)
	}

	return nil
}

// ScheduleRetry updates a record for its next delivery attempt: status,
// attempt counter, backoff deadline, and the error that caused the retry.
func (s *SQLiteStore) ScheduleRetry(
	ctx context.Context, id string, status Status,
	attempts int, nextAttemptAt int64, lastError string,
) error {
	s.logger.Debug("scheduling retry",
		"id", id, "status", status, "attempts", attempts)

	_, err := s.queueStmts.scheduleRetry.ExecContext(ctx,
		string(status), attempts, nextAttemptAt, lastError, id)
	if err != nil {
		return fmt.Errorf("schedule retry %s: %w", id, err)
	}

	return nil
}

// ListDue returns up to limit pending records whose backoff deadline has
// passed, ordered by priority tier then original enqueue time.
func (s *SQLiteStore) ListDue(ctx context.Context, now int64, limit int) ([]*QueueRecord, error) {
	s.logger.Debug("listing due queue records", "limit", limit)

	rows, err := s.queueStmts.listDue.QueryContext(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due records: %w", err)
	}
	defer rows.Close()

	return scanQueueRows(rows)
}

// ListByStatus returns all records in the given status, drain-ordered.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status) ([]*QueueRecord, error) {
	s.logger.Debug("listing queue records by status", "status", status)

	rows, err := s.queueStmts.listByStatus.QueryContext(ctx, string(status))
	if err != nil {
		return nil, fmt.Errorf("list records %s: %w", status, err)
	}
	defer rows.Close()

	return scanQueueRows(rows)
}

// DeleteQueueRecord removes a record, used after confirmed sync or for
// non-retryable rejections.
func (s *SQLiteStore) DeleteQueueRecord(ctx context.Context, id string) error {
	s.logger.Debug("deleting queue record", "id", id)

	_, err := s.queueStmts.delete.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("delete queue record %s: %w", id, err)
	}

	return nil
}

// CountActive returns the number of pending plus in-flight records.
// Dead-letter records are excluded.
func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	s.logger.Debug("counting active queue records")

	var count int

	err := s.queueStmts.countByStatus.QueryRowContext(ctx,
		string(StatusPending), string(StatusInFlight)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active records: %w", err)
	}

	return count, nil
}

// ResetInFlight returns all in-flight records to pending. Called once at
// startup: anything in flight across a crash was never confirmed.
func (s *SQLiteStore) ResetInFlight(ctx context.Context) (int64, error) {
	result, err := s.queueStmts.resetInFlight.ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight records: %w", err)
	}

	affected, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		s.logger.Warn("could not read rows affected", "error", rowsErr)
	}

	if affected > 0 {
		s.logger.Info("reset in-flight records to pending", "count", affected)
	}

	return affected, nil
}

// ApplyWrite persists a cache entry and its queue record in one
// transaction. This is the optimistic-write path: no reader may observe the
// payload update without its queue record, or vice versa.
func (s *SQLiteStore) ApplyWrite(ctx context.Context, entry *CacheEntry, rec *QueueRecord) error {
	s.logger.Debug("applying write",
		"key", entry.Key, "correlation_key", rec.CorrelationKey)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.cacheStmts.put).ExecContext(ctx, putCacheArgs(entry)...); err != nil {
		return fmt.Errorf("write cache entry %q: %w", entry.Key, err)
	}

	if _, err := tx.StmtContext(ctx, s.queueStmts.put).ExecContext(ctx, putQueueArgs(rec)...); err != nil {
		return fmt.Errorf("write queue record %s: %w", rec.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write tx: %w", err)
	}

	return nil
}

// scanQueueRecord scans a full queue row into a QueueRecord.
func scanQueueRecord(row interface{ Scan(...any) error }) (*QueueRecord, error) {
	rec := &QueueRecord{}

	var priority int

	var status, policy string

	err := row.Scan(
		&rec.ID, &rec.EntityType, &rec.Payload, &priority,
		&rec.CorrelationKey, &rec.ScopeKey,
		&rec.Attempts, &rec.MaxAttempts, &rec.NextAttemptAt,
		&rec.EnqueuedAt, &rec.SupersededAt,
		&status, &policy, &rec.LastError,
	)
	if err != nil {
		return nil, err
	}

	rec.Priority = Priority(priority)
	rec.Status = Status(status)
	rec.ConflictPolicy = ConflictPolicy(policy)

	return rec, nil
}

// scanQueueRows iterates over sql.Rows and collects QueueRecords.
func scanQueueRows(rows *sql.Rows) ([]*QueueRecord, error) {
	var records []*QueueRecord

	for rows.Next() {
		rec, err := scanQueueRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue rows: %w", err)
	}

	return records, nil
}

// putQueueArgs returns the argument slice for the put prepared statement.
func putQueueArgs(rec *QueueRecord) []any {
	return []any{
		rec.ID, rec.EntityType, rec.Payload, int(rec.Priority),
		rec.CorrelationKey, rec.ScopeKey,
		rec.Attempts, rec.MaxAttempts, rec.NextAttemptAt,
		rec.EnqueuedAt, rec.SupersededAt,
		string(rec.Status), string(rec.ConflictPolicy), rec.LastError,
	}
}
