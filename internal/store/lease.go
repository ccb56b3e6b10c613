package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// drainLeaseName is the single lease row guarding drain cycles. Only one
// coordinator per device may drain at a time, even across processes
// (foreground app plus background task) sharing the database file.
const drainLeaseName = "drain"

// TryAcquireDrainLease attempts to take or renew the drain lease for owner.
// Returns true when the lease is held by owner on return. A lease held by
// another owner blocks acquisition until it expires.
func (s *SQLiteStore) TryAcquireDrainLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	now := NowNano()

	var (
		currentOwner string
		expiresAt    int64
	)

	err := s.leaseStmts.get.QueryRowContext(ctx, drainLeaseName).Scan(&currentOwner, &expiresAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No lease yet; fall through to take it.
	case err != nil:
		return false, fmt.Errorf("read drain lease: %w", err)
	case currentOwner != owner && expiresAt > now:
		s.logger.Debug("drain lease held elsewhere",
			"owner", currentOwner, "expires_in", time.Duration(expiresAt-now))
		return false, nil
	}

	_, err = s.leaseStmts.upsert.ExecContext(ctx,
		drainLeaseName, owner, now+int64(ttl))
	if err != nil {
		return false, fmt.Errorf("acquire drain lease: %w", err)
	}

	s.logger.Debug("drain lease acquired", "owner", owner, "ttl", ttl)

	return true, nil
}

// ReleaseDrainLease drops the lease if still held by owner. Releasing a
// lease taken over by another owner is a no-op.
func (s *SQLiteStore) ReleaseDrainLease(ctx context.Context, owner string) error {
	_, err := s.leaseStmts.release.ExecContext(ctx, drainLeaseName, owner)
	if err != nil {
		return fmt.Errorf("release drain lease: %w", err)
	}

	return nil
}
