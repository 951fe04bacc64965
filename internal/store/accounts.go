package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

type accountRow struct {
	ID            string         `db:"id"`
	Email         string         `db:"email"`
	Provider      string         `db:"provider"`
	SyncState     string         `db:"sync_state"`
	SyncShouldRun bool           `db:"sync_should_run"`
	StopRequested bool           `db:"stop_requested"`
	SyncHost      sql.NullString `db:"sync_host"`
	SyncStatus    string         `db:"sync_status"`
	CreatedAt     int64          `db:"created_at"`
	UpdatedAt     int64          `db:"updated_at"`
}

const accountColumns = `id, email, provider, sync_state, sync_should_run, stop_requested,
	sync_host, sync_status, created_at, updated_at`

func (r *accountRow) toAccount() (*types.Account, error) {
	acct := &types.Account{
		ID:            r.ID,
		Email:         r.Email,
		Provider:      types.ProviderFamily(r.Provider),
		SyncState:     types.SyncState(r.SyncState),
		SyncShouldRun: r.SyncShouldRun,
		StopRequested: r.StopRequested,
		SyncHost:      r.SyncHost.String,
		CreatedAt:     fromMillis(r.CreatedAt),
		UpdatedAt:     fromMillis(r.UpdatedAt),
	}
	if r.SyncStatus != "" {
		if err := json.Unmarshal([]byte(r.SyncStatus), &acct.Status); err != nil {
			return nil, fmt.Errorf("failed to decode sync status of account %s: %w", r.ID, err)
		}
	}
	return acct, nil
}

// UpsertAccount creates an account or refreshes its identity fields. Lifecycle
// columns are left alone on update.
func (s *Store) UpsertAccount(ctx context.Context, acct *types.Account) error {
	now := millis(s.now())
	query := `
		INSERT INTO accounts (id, email, provider, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			provider = excluded.provider,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, acct.ID, acct.Email, string(acct.Provider), now, now); err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// GetAccount returns an account by id
func (s *Store) GetAccount(ctx context.Context, id string) (*types.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, reliability.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return row.toAccount()
}

// ListAccounts returns every account ordered by id
func (s *Store) ListAccounts(ctx context.Context) ([]*types.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT "+accountColumns+" FROM accounts ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	accounts := make([]*types.Account, 0, len(rows))
	for i := range rows {
		acct, err := rows[i].toAccount()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// RequestStart sets the intent flag that lets the account be started. It is
// the explicit start path, so a killed or invalid account is reset to stopped
// where the retry sweep can pick it up again.
func (s *Store) RequestStart(ctx context.Context, id string) error {
	return s.execAccount(ctx, id, `
		UPDATE accounts SET
			sync_should_run = 1,
			stop_requested = 0,
			sync_state = CASE WHEN sync_state IN ('killed', 'invalid') THEN 'stopped' ELSE sync_state END,
			updated_at = ?
		WHERE id = ?`, millis(s.now()), id)
}

// RequestStop asks a running supervisor to stop on its next heartbeat. An
// account that is not running has its intent flag cleared directly.
func (s *Store) RequestStop(ctx context.Context, id string) error {
	return s.execAccount(ctx, id, `
		UPDATE accounts SET
			stop_requested = CASE WHEN sync_state = 'running' THEN 1 ELSE 0 END,
			sync_should_run = CASE WHEN sync_state = 'running' THEN sync_should_run ELSE 0 END,
			updated_at = ?
		WHERE id = ?`, millis(s.now()), id)
}

// SyncControl returns the externally settable control flags of an account
func (s *Store) SyncControl(ctx context.Context, id string) (shouldRun, stopRequested bool, err error) {
	var row struct {
		ShouldRun     bool `db:"sync_should_run"`
		StopRequested bool `db:"stop_requested"`
	}
	err = s.db.GetContext(ctx, &row, "SELECT sync_should_run, stop_requested FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, fmt.Errorf("account %s: %w", id, reliability.ErrNotFound)
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to read sync control: %w", err)
	}
	return row.ShouldRun, row.StopRequested, nil
}

// MarkSyncRunning moves an account to running on behalf of host. It fails with
// ErrSyncNotRequested unless the intent flag is set and no stop is pending.
func (s *Store) MarkSyncRunning(ctx context.Context, id, host string) error {
	now := s.now()
	return s.transition(ctx, id, func(row *accountRow, status *types.SyncStatus) (string, []interface{}, error) {
		if !row.SyncShouldRun || row.StopRequested {
			return "", nil, fmt.Errorf("account %s: %w", id, reliability.ErrSyncNotRequested)
		}
		status.SyncType = types.SyncTypeNew
		if status.SyncStartTime != nil {
			status.SyncType = types.SyncTypeResumed
		}
		status.SyncStartTime = &now
		status.SyncEndTime = nil
		status.SyncError = ""
		return "sync_state = ?, sync_host = ?", []interface{}{types.SyncRunning, host}, nil
	})
}

// MarkSyncStopped records an orderly stop. clearIntent also clears the intent
// flag, which is what an explicit stop request means.
func (s *Store) MarkSyncStopped(ctx context.Context, id string, clearIntent bool) error {
	now := s.now()
	return s.transition(ctx, id, func(row *accountRow, status *types.SyncStatus) (string, []interface{}, error) {
		status.SyncEndTime = &now
		shouldRun := row.SyncShouldRun && !clearIntent
		return "sync_state = ?, sync_host = NULL, stop_requested = 0, sync_should_run = ?",
			[]interface{}{types.SyncStopped, shouldRun}, nil
	})
}

// MarkSyncKilled records an unexpected crash. The intent flag and host are kept.
func (s *Store) MarkSyncKilled(ctx context.Context, id, reason string) error {
	now := s.now()
	return s.transition(ctx, id, func(row *accountRow, status *types.SyncStatus) (string, []interface{}, error) {
		status.SyncEndTime = &now
		status.SyncError = reason
		return "sync_state = ?, stop_requested = 0", []interface{}{types.SyncKilled}, nil
	})
}

// MarkSyncInvalid records a credential rejection and clears the intent flag
func (s *Store) MarkSyncInvalid(ctx context.Context, id, reason string) error {
	now := s.now()
	return s.transition(ctx, id, func(row *accountRow, status *types.SyncStatus) (string, []interface{}, error) {
		status.SyncEndTime = &now
		status.SyncError = reason
		return "sync_state = ?, sync_host = NULL, stop_requested = 0, sync_should_run = 0",
			[]interface{}{types.SyncInvalid}, nil
	})
}

// MarkSyncConnectionError records a transient failure to reach the server. The
// intent flag is kept so the retry sweep can start the account again.
func (s *Store) MarkSyncConnectionError(ctx context.Context, id, reason string) error {
	now := s.now()
	return s.transition(ctx, id, func(row *accountRow, status *types.SyncStatus) (string, []interface{}, error) {
		status.SyncEndTime = &now
		status.SyncError = reason
		return "sync_state = ?, sync_host = NULL, stop_requested = 0", []interface{}{types.SyncConnectionError}, nil
	})
}

// transitionFunc inspects the current row, updates the status blob in place
// and returns the extra SET clause with its arguments
type transitionFunc func(row *accountRow, status *types.SyncStatus) (string, []interface{}, error)

// transition applies a lifecycle change and the status blob update atomically
func (s *Store) transition(ctx context.Context, id string, fn transitionFunc) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row accountRow
	err = tx.GetContext(ctx, &row, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("account %s: %w", id, reliability.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	var status types.SyncStatus
	if row.SyncStatus != "" {
		if err := json.Unmarshal([]byte(row.SyncStatus), &status); err != nil {
			return fmt.Errorf("failed to decode sync status: %w", err)
		}
	}

	set, args, err := fn(&row, &status)
	if err != nil {
		return err
	}

	blob, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode sync status: %w", err)
	}

	query := "UPDATE accounts SET " + set + ", sync_status = ?, updated_at = ? WHERE id = ?"
	args = append(args, string(blob), millis(s.now()), id)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update account state: %w", err)
	}
	return tx.Commit()
}

// execAccount runs an update against one account and reports a missing row
func (s *Store) execAccount(ctx context.Context, id, query string, args ...interface{}) error {
	return execOne(ctx, s.db, fmt.Sprintf("account %s", id), query, args...)
}

// execOne runs an update and returns ErrNotFound when it touched no row
func execOne(ctx context.Context, db sqlx.ExecerContext, what, query string, args ...interface{}) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, reliability.ErrNotFound)
	}
	return nil
}

// SetClock replaces the time source used for stored timestamps
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}
