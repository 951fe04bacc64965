package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

type categoryRow struct {
	ID          string `db:"id"`
	AccountID   string `db:"account_id"`
	Name        string `db:"name"`
	DisplayName string `db:"display_name"`
	Type        string `db:"type"`
}

func (r *categoryRow) toCategory() *types.Category {
	return &types.Category{
		ID:          r.ID,
		AccountID:   r.AccountID,
		Name:        types.Role(r.Name),
		DisplayName: r.DisplayName,
		Type:        types.CategoryType(r.Type),
	}
}

// UpsertCategory records a category keyed by its display name and returns the
// stored record. An empty role never overwrites a known one.
func (s *Store) UpsertCategory(ctx context.Context, c *types.Category) (*types.Category, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Type == "" {
		c.Type = types.CategoryFolder
	}

	query := `
		INSERT INTO categories (id, account_id, name, display_name, type)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, display_name) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE categories.name END,
			type = excluded.type
	`
	if _, err := s.db.ExecContext(ctx, query, c.ID, c.AccountID, string(c.Name), c.DisplayName, string(c.Type)); err != nil {
		return nil, fmt.Errorf("failed to upsert category: %w", err)
	}

	var row categoryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, account_id, name, display_name, type FROM categories
		WHERE account_id = ? AND display_name = ?`, c.AccountID, c.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("failed to reload category: %w", err)
	}
	return row.toCategory(), nil
}

// GetCategory returns a category by id
func (s *Store) GetCategory(ctx context.Context, accountID, id string) (*types.Category, error) {
	var row categoryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, account_id, name, display_name, type FROM categories
		WHERE account_id = ? AND id = ?`, accountID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("category %s: %w", id, reliability.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return row.toCategory(), nil
}

// ListCategories returns the categories of an account ordered by display name
func (s *Store) ListCategories(ctx context.Context, accountID string) ([]*types.Category, error) {
	var rows []categoryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, name, display_name, type FROM categories
		WHERE account_id = ? ORDER BY display_name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	categories := make([]*types.Category, len(rows))
	for i := range rows {
		categories[i] = rows[i].toCategory()
	}
	return categories, nil
}

// RenameCategory changes the remote display name recorded for a category
func (s *Store) RenameCategory(ctx context.Context, accountID, id, displayName string) error {
	return execOne(ctx, s.db, fmt.Sprintf("category %s", id),
		"UPDATE categories SET display_name = ? WHERE account_id = ? AND id = ?", displayName, accountID, id)
}

// DeleteCategory removes a category. Deleting a missing category is not an error.
func (s *Store) DeleteCategory(ctx context.Context, accountID, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM categories WHERE account_id = ? AND id = ?", accountID, id); err != nil {
		return fmt.Errorf("failed to delete category: %w", err)
	}
	return nil
}
