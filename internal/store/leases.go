package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease takes the account lease for owner unless another owner holds an
// unexpired one. It never blocks and reports whether the lease was obtained.
func (s *Store) AcquireLease(ctx context.Context, accountID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO account_leases (account_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE account_leases.expires_at <= ? OR account_leases.owner = excluded.owner`,
		accountID, owner, millis(now.Add(ttl)), millis(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return n == 1, nil
}

// RenewLease extends a lease still held by owner and reports whether it was
func (s *Store) RenewLease(ctx context.Context, accountID, owner string, ttl time.Duration) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE account_leases SET expires_at = ? WHERE account_id = ? AND owner = ?`,
		millis(s.now().Add(ttl)), accountID, owner)
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease gives up a lease held by owner
func (s *Store) ReleaseLease(ctx context.Context, accountID, owner string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM account_leases WHERE account_id = ? AND owner = ?", accountID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// LeaseHeld reports whether any owner holds an unexpired lease on the account
func (s *Store) LeaseHeld(ctx context.Context, accountID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM account_leases WHERE account_id = ? AND expires_at > ?", accountID, millis(s.now()))
	if err != nil {
		return false, fmt.Errorf("failed to check lease: %w", err)
	}
	return count > 0, nil
}
