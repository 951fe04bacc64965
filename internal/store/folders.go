package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// GetUIDValidity returns the stored UID validity of a folder, zero when unknown
func (s *Store) GetUIDValidity(ctx context.Context, accountID, folder string) (uint32, error) {
	var validity []uint32
	err := s.db.SelectContext(ctx, &validity,
		"SELECT uid_validity FROM folder_state WHERE account_id = ? AND folder = ?", accountID, folder)
	if err != nil {
		return 0, fmt.Errorf("failed to get uid validity: %w", err)
	}
	if len(validity) == 0 {
		return 0, nil
	}
	return validity[0], nil
}

// SetUIDValidity records the UID validity of a folder and clears its stale mark
func (s *Store) SetUIDValidity(ctx context.Context, accountID, folder string, uidValidity uint32) error {
	return upsertFolderState(ctx, s.db, accountID, folder, uidValidity, millis(s.now()))
}

// MarkFolderStale flags a folder's UID mappings for a rebuild
func (s *Store) MarkFolderStale(ctx context.Context, accountID, folder string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folder_state (account_id, folder, stale) VALUES (?, ?, 1)
		ON CONFLICT(account_id, folder) DO UPDATE SET stale = 1`, accountID, folder)
	if err != nil {
		return fmt.Errorf("failed to mark folder stale: %w", err)
	}
	return nil
}

// FolderStale reports whether a folder is waiting for a mapping rebuild
func (s *Store) FolderStale(ctx context.Context, accountID, folder string) (bool, error) {
	var stale []bool
	err := s.db.SelectContext(ctx, &stale,
		"SELECT stale FROM folder_state WHERE account_id = ? AND folder = ?", accountID, folder)
	if err != nil {
		return false, fmt.Errorf("failed to read folder state: %w", err)
	}
	return len(stale) > 0 && stale[0], nil
}

// MappedFolders returns every folder that has UID mappings or folder state
func (s *Store) MappedFolders(ctx context.Context, accountID string) ([]string, error) {
	var folders []string
	err := s.db.SelectContext(ctx, &folders, `
		SELECT folder FROM imap_uids WHERE account_id = ?
		UNION
		SELECT folder FROM folder_state WHERE account_id = ?
		ORDER BY folder`, accountID, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mapped folders: %w", err)
	}
	return folders, nil
}

// PurgeFolder forgets the UID mappings and state of a folder that no longer exists
func (s *Store) PurgeFolder(ctx context.Context, accountID, folder string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM imap_uids WHERE account_id = ? AND folder = ?", accountID, folder); err != nil {
		return fmt.Errorf("failed to purge folder uids: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM folder_state WHERE account_id = ? AND folder = ?", accountID, folder); err != nil {
		return fmt.Errorf("failed to purge folder state: %w", err)
	}
	return tx.Commit()
}

// RenameFolder moves the UID mappings and state of a folder to its new name.
// Anything already recorded under the new name is discarded.
func (s *Store) RenameFolder(ctx context.Context, accountID, from, to string) error {
	if from == to {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"imap_uids", "folder_state"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE account_id = ? AND folder = ?", accountID, to); err != nil {
			return fmt.Errorf("failed to clear %s of %s: %w", table, to, err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE "+table+" SET folder = ? WHERE account_id = ? AND folder = ?", to, accountID, from); err != nil {
			return fmt.Errorf("failed to rename %s of %s: %w", table, from, err)
		}
	}
	return tx.Commit()
}

func upsertFolderState(ctx context.Context, db sqlx.ExecerContext, accountID, folder string, uidValidity uint32, now int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO folder_state (account_id, folder, uid_validity, stale, last_synced) VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(account_id, folder) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			stale = 0,
			last_synced = excluded.last_synced`, accountID, folder, uidValidity, now)
	if err != nil {
		return fmt.Errorf("failed to store folder state: %w", err)
	}
	return nil
}
