package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/brandon/mail-syncback/pkg/types"
)

// sqlxIn expands IN (?) placeholders for a slice argument
func sqlxIn(query string, args ...interface{}) (string, []interface{}, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("failed to expand query: %w", err)
	}
	return sqlx.Rebind(sqlx.QUESTION, query), args, nil
}

// UIDMappings returns every folder/UID pair recorded for a message
func (s *Store) UIDMappings(ctx context.Context, accountID, messageID string) ([]types.UIDMapping, error) {
	var rows []struct {
		MessageID string `db:"message_id"`
		Folder    string `db:"folder"`
		UID       uint32 `db:"uid"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT message_id, folder, uid FROM imap_uids
		WHERE account_id = ? AND message_id = ?
		ORDER BY folder, uid`, accountID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get uid mappings: %w", err)
	}

	mappings := make([]types.UIDMapping, len(rows))
	for i, r := range rows {
		mappings[i] = types.UIDMapping{MessageID: r.MessageID, Folder: r.Folder, UID: r.UID}
	}
	return mappings, nil
}

// UIDsInFolder returns the UIDs recorded for a folder in ascending order
func (s *Store) UIDsInFolder(ctx context.Context, accountID, folder string) ([]uint32, error) {
	var uids []uint32
	err := s.db.SelectContext(ctx, &uids, `
		SELECT uid FROM imap_uids WHERE account_id = ? AND folder = ? ORDER BY uid`, accountID, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder uids: %w", err)
	}
	return uids, nil
}

// AddUIDs records new folder/UID pairs, replacing any previous owner of a UID
func (s *Store) AddUIDs(ctx context.Context, accountID string, mappings []types.UIDMapping) error {
	if len(mappings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertUIDs(ctx, tx, accountID, mappings); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveUIDs forgets the given UIDs of a folder
func (s *Store) RemoveUIDs(ctx context.Context, accountID, folder string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	query, args, err := sqlxIn(`DELETE FROM imap_uids WHERE account_id = ? AND folder = ? AND uid IN (?)`,
		accountID, folder, uids)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to remove uids: %w", err)
	}
	return nil
}

// ReplaceFolderUIDs discards every mapping of a folder, records the rebuilt
// ones and stores the UID validity they belong to
func (s *Store) ReplaceFolderUIDs(ctx context.Context, accountID, folder string, mappings []types.UIDMapping, uidValidity uint32) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM imap_uids WHERE account_id = ? AND folder = ?", accountID, folder); err != nil {
		return fmt.Errorf("failed to clear folder uids: %w", err)
	}
	if err := insertUIDs(ctx, tx, accountID, mappings); err != nil {
		return err
	}
	if err := upsertFolderState(ctx, tx, accountID, folder, uidValidity, millis(s.now())); err != nil {
		return err
	}
	return tx.Commit()
}

func insertUIDs(ctx context.Context, tx *sqlx.Tx, accountID string, mappings []types.UIDMapping) error {
	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO imap_uids (account_id, folder, uid, message_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, folder, uid) DO UPDATE SET message_id = excluded.message_id`)
	if err != nil {
		return fmt.Errorf("failed to prepare uid insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range mappings {
		if _, err := stmt.ExecContext(ctx, accountID, m.Folder, m.UID, m.MessageID); err != nil {
			return fmt.Errorf("failed to insert uid %s/%d: %w", m.Folder, m.UID, err)
		}
	}
	return nil
}
