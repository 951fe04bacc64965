package store

import (
	"context"
	"fmt"

	"github.com/brandon/mail-syncback/pkg/types"
)

// AccountHeartbeat is the folder name used for the account-level heartbeat
const AccountHeartbeat = ""

// Heartbeat records liveness for an account-folder pair
func (s *Store) Heartbeat(ctx context.Context, accountID, folder, host string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeats (account_id, folder, host, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, folder) DO UPDATE SET host = excluded.host, updated_at = excluded.updated_at`,
		accountID, folder, host, millis(s.now()))
	if err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// ClearHeartbeats removes every heartbeat record of an account
func (s *Store) ClearHeartbeats(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM heartbeats WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("failed to clear heartbeats: %w", err)
	}
	return nil
}

// ListHeartbeats returns the heartbeat records of an account
func (s *Store) ListHeartbeats(ctx context.Context, accountID string) ([]types.Heartbeat, error) {
	var rows []struct {
		AccountID string `db:"account_id"`
		Folder    string `db:"folder"`
		Host      string `db:"host"`
		UpdatedAt int64  `db:"updated_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT account_id, folder, host, updated_at FROM heartbeats
		WHERE account_id = ? ORDER BY folder`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}

	beats := make([]types.Heartbeat, len(rows))
	for i, r := range rows {
		beats[i] = types.Heartbeat{AccountID: r.AccountID, Folder: r.Folder, Host: r.Host, UpdatedAt: fromMillis(r.UpdatedAt)}
	}
	return beats, nil
}
