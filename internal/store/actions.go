package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

type actionRow struct {
	Seq           int64  `db:"seq"`
	ID            string `db:"id"`
	AccountID     string `db:"account_id"`
	Kind          string `db:"kind"`
	TargetID      string `db:"target_id"`
	Payload       string `db:"payload"`
	Status        string `db:"status"`
	Attempts      int    `db:"attempts"`
	LastError     string `db:"last_error"`
	EnqueuedAt    int64  `db:"enqueued_at"`
	NextAttemptAt int64  `db:"next_attempt_at"`
	ClaimedBy     string `db:"claimed_by"`
	CompletedAt   int64  `db:"completed_at"`
}

const actionColumns = `seq, id, account_id, kind, target_id, payload, status, attempts,
	last_error, enqueued_at, next_attempt_at, claimed_by, completed_at`

func (r *actionRow) toAction() *types.Action {
	a := &types.Action{
		Seq:           r.Seq,
		ID:            r.ID,
		AccountID:     r.AccountID,
		Kind:          types.ActionKind(r.Kind),
		TargetID:      r.TargetID,
		Status:        types.ActionStatus(r.Status),
		Attempts:      r.Attempts,
		LastError:     r.LastError,
		EnqueuedAt:    fromMillis(r.EnqueuedAt),
		NextAttemptAt: fromMillis(r.NextAttemptAt),
		ClaimedBy:     r.ClaimedBy,
	}
	if r.Payload != "" && r.Payload != "{}" {
		a.Payload = []byte(r.Payload)
	}
	if r.CompletedAt != 0 {
		t := fromMillis(r.CompletedAt)
		a.CompletedAt = &t
	}
	return a
}

// ActionFilter narrows ListActions
type ActionFilter struct {
	AccountID string
	Status    types.ActionStatus
	Limit     int
}

// EnqueueAction persists a new pending action and fills in its id and timestamps
func (s *Store) EnqueueAction(ctx context.Context, a *types.Action) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.now()
	a.Status = types.ActionPending
	a.EnqueuedAt = now
	a.NextAttemptAt = now

	payload := "{}"
	if len(a.Payload) > 0 {
		payload = string(a.Payload)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (id, account_id, kind, target_id, payload, status, enqueued_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AccountID, string(a.Kind), a.TargetID, payload, string(a.Status), millis(now), millis(now))
	if err != nil {
		return fmt.Errorf("failed to enqueue action: %w", err)
	}
	if seq, err := result.LastInsertId(); err == nil {
		a.Seq = seq
	}
	return nil
}

// ClaimNextAction atomically moves the next due action of an account to
// executing and returns it, or nil when nothing is due. Actions are claimed in
// enqueue order and never ahead of an unfinished earlier action on the same target.
func (s *Store) ClaimNextAction(ctx context.Context, accountID, owner string) (*types.Action, error) {
	now := millis(s.now())
	query := `
		UPDATE actions SET status = 'executing', claimed_by = ?, attempts = attempts + 1
		WHERE seq = (
			SELECT a.seq FROM actions a
			WHERE a.account_id = ?
				AND a.status IN ('pending', 'retry-scheduled')
				AND a.next_attempt_at <= ?
				AND NOT EXISTS (
					SELECT 1 FROM actions b
					WHERE b.account_id = a.account_id
						AND b.target_id = a.target_id
						AND b.seq < a.seq
						AND b.status IN ('pending', 'retry-scheduled', 'executing')
				)
			ORDER BY a.seq
			LIMIT 1
		)
		AND status IN ('pending', 'retry-scheduled')
		RETURNING ` + actionColumns

	var row actionRow
	err := s.db.QueryRowxContext(ctx, query, owner, accountID, now).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim action: %w", err)
	}
	return row.toAction(), nil
}

// CompleteAction marks an executing action as succeeded
func (s *Store) CompleteAction(ctx context.Context, id string) error {
	return execOne(ctx, s.db, "action "+id, `
		UPDATE actions SET status = 'succeeded', last_error = '', completed_at = ?
		WHERE id = ? AND status = 'executing'`, millis(s.now()), id)
}

// RescheduleAction returns an executing action to the queue, due at next
func (s *Store) RescheduleAction(ctx context.Context, id, reason string, next time.Time) error {
	return execOne(ctx, s.db, "action "+id, `
		UPDATE actions SET status = 'retry-scheduled', last_error = ?, next_attempt_at = ?, claimed_by = ''
		WHERE id = ? AND status = 'executing'`, reason, millis(next), id)
}

// FailAction marks an executing action as permanently failed
func (s *Store) FailAction(ctx context.Context, id, reason string) error {
	return execOne(ctx, s.db, "action "+id, `
		UPDATE actions SET status = 'permanently-failed', last_error = ?, completed_at = ?
		WHERE id = ? AND status = 'executing'`, reason, millis(s.now()), id)
}

// ReleaseStaleClaims requeues actions of an account left executing by owner
// itself or by an owner that no longer holds a live lease on the account. It
// returns the number of requeued actions.
func (s *Store) ReleaseStaleClaims(ctx context.Context, accountID, owner string) (int64, error) {
	now := millis(s.now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status = 'retry-scheduled', next_attempt_at = ?, claimed_by = '',
			last_error = 'claim released after owner change'
		WHERE account_id = ? AND status = 'executing'
			AND (claimed_by = ? OR claimed_by NOT IN (
				SELECT owner FROM account_leases WHERE account_id = ? AND expires_at > ?))`,
		now, accountID, owner, accountID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	return result.RowsAffected()
}

// GetAction returns an action by id
func (s *Store) GetAction(ctx context.Context, id string) (*types.Action, error) {
	var row actionRow
	err := s.db.GetContext(ctx, &row, "SELECT "+actionColumns+" FROM actions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %s: %w", id, reliability.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return row.toAction(), nil
}

// ListActions returns actions in enqueue order
func (s *Store) ListActions(ctx context.Context, filter ActionFilter) ([]*types.Action, error) {
	var where []string
	var args []interface{}
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := "SELECT " + actionColumns + " FROM actions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []actionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	actions := make([]*types.Action, len(rows))
	for i := range rows {
		actions[i] = rows[i].toAction()
	}
	return actions, nil
}

// PendingAccounts returns the accounts that have actions waiting to run
func (s *Store) PendingAccounts(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT account_id FROM actions
		WHERE status IN ('pending', 'retry-scheduled') ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending accounts: %w", err)
	}
	return ids, nil
}
