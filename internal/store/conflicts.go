package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PutManualConflict parks a diverged local/remote pair for inspection.
func (s *SQLiteStore) PutManualConflict(ctx context.Context, c *ManualConflict) error {
	s.logger.Info("recording manual conflict",
		"id", c.ID, "correlation_key", c.CorrelationKey)

	_, err := s.conflictStmts.put.ExecContext(ctx,
		c.ID, c.CorrelationKey, c.ScopeKey, c.EntityType,
		c.LocalPayload, c.RemotePayload,
		c.RemoteModifiedAt, c.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("put manual conflict %s: %w", c.ID, err)
	}

	return nil
}

// scanManualConflict scans a full manual_conflicts row.
func scanManualConflict(row interface{ Scan(...any) error }) (*ManualConflict, error) {
	c := &ManualConflict{}

	err := row.Scan(
		&c.ID, &c.CorrelationKey, &c.ScopeKey, &c.EntityType,
		&c.LocalPayload, &c.RemotePayload,
		&c.RemoteModifiedAt, &c.DetectedAt,
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// GetManualConflict retrieves a parked conflict by ID.
// Returns (nil, nil) if no conflict exists.
func (s *SQLiteStore) GetManualConflict(ctx context.Context, id string) (*ManualConflict, error) {
	s.logger.Debug("getting manual conflict", "id", id)

	c, err := scanManualConflict(s.conflictStmts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil conflict means "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("get manual conflict %s: %w", id, err)
	}

	return c, nil
}

// GetManualConflictByKey returns the parked conflict for a correlation key,
// or (nil, nil). Used to avoid re-parking the same pair on every drain.
func (s *SQLiteStore) GetManualConflictByKey(ctx context.Context, key string) (*ManualConflict, error) {
	s.logger.Debug("getting manual conflict by key", "correlation_key", key)

	c, err := scanManualConflict(s.conflictStmts.getByKey.QueryRowContext(ctx, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil conflict means "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("get manual conflict by key %q: %w", key, err)
	}

	return c, nil
}

// ListManualConflicts returns all parked conflicts, oldest first.
func (s *SQLiteStore) ListManualConflicts(ctx context.Context) ([]*ManualConflict, error) {
	s.logger.Debug("listing manual conflicts")

	rows, err := s.conflictStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list manual conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*ManualConflict

	for rows.Next() {
		c, err := scanManualConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan manual conflict row: %w", err)
		}

		conflicts = append(conflicts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate manual conflict rows: %w", err)
	}

	return conflicts, nil
}

// DeleteManualConflict removes a parked conflict after the application has
// resubmitted with a decision.
func (s *SQLiteStore) DeleteManualConflict(ctx context.Context, id string) error {
	s.logger.Debug("deleting manual conflict", "id", id)

	_, err := s.conflictStmts.delete.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("delete manual conflict %s: %w", id, err)
	}

	return nil
}
