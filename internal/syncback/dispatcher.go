// Package syncback replays queued local mutations against the mail server.
// Each action moves pending -> executing -> succeeded | retry-scheduled |
// permanently-failed; at most one action per account executes at a time.
package syncback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/brandon/mail-syncback/internal/actions"
	"github.com/brandon/mail-syncback/internal/connpool"
	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

// Store is the persistence the dispatcher needs
type Store interface {
	actions.Store
	GetAccount(ctx context.Context, id string) (*types.Account, error)
	ClaimNextAction(ctx context.Context, accountID, owner string) (*types.Action, error)
	CompleteAction(ctx context.Context, id string) error
	RescheduleAction(ctx context.Context, id, reason string, next time.Time) error
	FailAction(ctx context.Context, id, reason string) error
	ReleaseStaleClaims(ctx context.Context, accountID, owner string) (int64, error)
	PendingAccounts(ctx context.Context) ([]string, error)
	AcquireLease(ctx context.Context, accountID, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, accountID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, accountID, owner string) error
}

// ErrAccountLeased is returned by Drain when another owner holds the account
var ErrAccountLeased = errors.New("account lease held by another owner")

// Options tunes the dispatcher
type Options struct {
	// Owner identifies this process on claimed actions and account leases. It
	// must be unique per process and match the supervisor's lease owner.
	Owner string
	// LeaseTTL bounds how long a crashed foreground drain keeps an account
	LeaseTTL    time.Duration
	MaxAttempts int
	Retry       reliability.RetryConfig
	// Domain is used to build draft correlation tokens
	Domain   string
	Interval time.Duration
	Now      func() time.Time
}

// Dispatcher claims due actions and executes them through the registry
type Dispatcher struct {
	store    Store
	pool     *connpool.Pool
	registry *actions.Registry
	notifier Notifier
	opts     Options
	logger   *logrus.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a dispatcher
func New(store Store, connPool *connpool.Pool, registry *actions.Registry, notifier Notifier, opts Options, logger *logrus.Logger) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Dispatcher{
		store:    store,
		pool:     connPool,
		registry: registry,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (d *Dispatcher) accountLock(accountID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[accountID] = l
	}
	return l
}

// RunAccount drains the account's queue on every tick until ctx is done. The
// caller must hold the account lease under Options.Owner, as the supervisor
// does. Claims left executing by an owner without a live lease are returned
// to the queue first.
func (d *Dispatcher) RunAccount(ctx context.Context, accountID string) error {
	if err := d.releaseStale(ctx, accountID); err != nil {
		return err
	}

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.drain(ctx, accountID, false); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) releaseStale(ctx context.Context, accountID string) error {
	released, err := d.store.ReleaseStaleClaims(ctx, accountID, d.opts.Owner)
	if err != nil {
		return err
	}
	if released > 0 {
		d.logger.WithFields(logrus.Fields{
			"account":  accountID,
			"released": released,
		}).Info("Released stale action claims")
	}
	return nil
}

// DrainPending drains every account with due actions, accounts in parallel.
// Accounts whose lease another owner holds are skipped.
func (d *Dispatcher) DrainPending(ctx context.Context) (int, error) {
	accounts, err := d.store.PendingAccounts(ctx)
	if err != nil {
		return 0, err
	}

	var (
		mu    sync.Mutex
		total int
	)
	p := pool.New().WithErrors().WithContext(ctx)
	for _, accountID := range accounts {
		accountID := accountID
		p.Go(func(ctx context.Context) error {
			n, err := d.Drain(ctx, accountID)
			mu.Lock()
			total += n
			mu.Unlock()
			if errors.Is(err, ErrAccountLeased) {
				d.logger.WithField("account", accountID).Info("Account held by a running supervisor, skipping")
				return nil
			}
			return err
		})
	}
	err = p.Wait()
	return total, err
}

// Drain takes the account lease, executes the account's due actions one at a
// time until none is left and returns how many ran. It fails with
// ErrAccountLeased when another owner holds the account. Drain is for
// accounts this process does not supervise; supervised accounts are served by
// RunAccount under the supervisor's lease.
func (d *Dispatcher) Drain(ctx context.Context, accountID string) (int, error) {
	acquired, err := d.store.AcquireLease(ctx, accountID, d.opts.Owner, d.opts.LeaseTTL)
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, fmt.Errorf("account %s: %w", accountID, ErrAccountLeased)
	}
	defer func() {
		if err := d.store.ReleaseLease(context.WithoutCancel(ctx), accountID, d.opts.Owner); err != nil {
			d.logger.WithError(err).WithField("account", accountID).Warn("Failed to release account lease")
		}
	}()

	if err := d.releaseStale(ctx, accountID); err != nil {
		return 0, err
	}
	return d.drain(ctx, accountID, true)
}

// drain runs due actions until the queue is empty. Accounts marked invalid
// are skipped, since every action would fail on authentication. With renew
// set the lease is extended after each action and a lost lease stops the
// drain.
func (d *Dispatcher) drain(ctx context.Context, accountID string, renew bool) (int, error) {
	lock := d.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	acct, err := d.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if acct.SyncState == types.SyncInvalid {
		d.logger.WithField("account", accountID).Debug("Account credentials invalid, not dispatching")
		return 0, nil
	}

	executed := 0
	for ctx.Err() == nil {
		action, err := d.store.ClaimNextAction(ctx, accountID, d.opts.Owner)
		if err != nil {
			return executed, err
		}
		if action == nil {
			break
		}
		if err := d.execute(ctx, acct, action); err != nil {
			return executed, err
		}
		executed++

		if renew {
			held, err := d.store.RenewLease(ctx, accountID, d.opts.Owner, d.opts.LeaseTTL)
			if err != nil {
				return executed, err
			}
			if !held {
				return executed, fmt.Errorf("account %s: %w", accountID, ErrAccountLeased)
			}
		}
	}
	return executed, nil
}

// execute runs one claimed action and records its outcome. The returned error
// only reports failures to persist that outcome.
func (d *Dispatcher) execute(ctx context.Context, acct *types.Account, action *types.Action) error {
	log := d.logger.WithFields(logrus.Fields{
		"account":   acct.ID,
		"action_id": action.ID,
		"kind":      action.Kind,
		"attempt":   action.Attempts,
	})
	start := time.Now()

	err := d.invoke(ctx, acct, action, log)
	actionDuration.WithLabelValues(string(action.Kind)).Observe(time.Since(start).Seconds())

	// Outcome writes must land even when ctx was cancelled mid-action
	writeCtx := context.WithoutCancel(ctx)

	if err == nil {
		if err := d.store.CompleteAction(writeCtx, action.ID); err != nil {
			return fmt.Errorf("failed to complete action %s: %w", action.ID, err)
		}
		actionsTotal.WithLabelValues(string(action.Kind), outcomeSucceeded).Inc()
		d.notifier.ActionSucceeded(action)
		return nil
	}

	if ctx.Err() != nil {
		// Interrupted by shutdown; requeue it for the next owner
		log.WithError(err).Info("Action interrupted, returning to queue")
		return d.store.RescheduleAction(writeCtx, action.ID, err.Error(), d.opts.Now())
	}

	class := reliability.Classify(err)
	retryable := class == reliability.ClassTransient || class == reliability.ClassUnexpected
	if retryable && action.Attempts < d.opts.MaxAttempts {
		next := d.opts.Now().Add(d.opts.Retry.Delay(action.Attempts - 1))
		if err := d.store.RescheduleAction(writeCtx, action.ID, err.Error(), next); err != nil {
			return fmt.Errorf("failed to reschedule action %s: %w", action.ID, err)
		}
		actionsTotal.WithLabelValues(string(action.Kind), outcomeRetry).Inc()
		d.notifier.ActionRetryScheduled(action, err, next)
		return nil
	}

	log.WithField("class", class).Debug("Action will not be retried")
	if err := d.store.FailAction(writeCtx, action.ID, err.Error()); err != nil {
		return fmt.Errorf("failed to fail action %s: %w", action.ID, err)
	}
	actionsTotal.WithLabelValues(string(action.Kind), outcomeFailed).Inc()
	d.notifier.ActionFailed(action, err)
	return nil
}

// invoke resolves the handler and runs it on a pooled session. Handler panics
// become permanent failures; the pool discards the session first.
func (d *Dispatcher) invoke(ctx context.Context, acct *types.Account, action *types.Action, log *logrus.Entry) (err error) {
	h, err := d.registry.Lookup(action.Kind, acct.Provider)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = reliability.Semantic("execute", fmt.Errorf("handler panic: %v", r))
		}
	}()

	return d.pool.Run(ctx, acct, func(s *connpool.Session) error {
		return h(ctx, &actions.Request{
			Account: acct,
			Action:  action,
			Session: s,
			Store:   d.store,
			Log:     log,
			Domain:  d.opts.Domain,
			Now:     d.opts.Now,
		})
	})
}
