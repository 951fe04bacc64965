package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-syncback/internal/actions"
	"github.com/brandon/mail-syncback/internal/connpool"
	"github.com/brandon/mail-syncback/internal/credential"
	"github.com/brandon/mail-syncback/internal/email"
	"github.com/brandon/mail-syncback/internal/mailsync"
	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/internal/supervisor"
	"github.com/brandon/mail-syncback/internal/syncback"
	"github.com/brandon/mail-syncback/pkg/types"
)

// engine is the fully wired sync runtime
type engine struct {
	pool       *connpool.Pool
	dispatcher *syncback.Dispatcher
	syncer     *mailsync.Syncer
	manager    *supervisor.Manager
}

func (e *engine) Close() error {
	return e.pool.Close()
}

// newEngine wires the IMAP dialer, pool, handlers, dispatcher, read sync and
// supervisors on top of the env's store
func newEngine(e *env) *engine {
	cfg := e.cfg
	ring, err := credential.Open()
	if err != nil {
		e.logger.WithError(err).Warn("Keyring unavailable, using configured passwords only")
	}
	dialer := email.NewDialer(cfg, credential.NewStore(ring), e.logger)

	pool := connpool.New(dialer, e.store, connpool.Options{
		Size:          cfg.PoolSize,
		RoleOverrides: dialer.RoleOverrides,
	}, e.logger)
	registry := actions.NewRegistry(e.logger)

	// Leases and action claims share one owner per process
	owner := cfg.HostID + "/" + uuid.NewString()
	dispatcher := syncback.New(e.store, pool, registry, nil, syncback.Options{
		Owner:       owner,
		LeaseTTL:    cfg.LeaseTTL,
		MaxAttempts: cfg.MaxActionAttempts,
		Retry:       cfg.Retry,
		Domain:      cfg.CorrelationDomain,
		Interval:    cfg.DispatchInterval,
	}, e.logger)

	syncer := mailsync.New(e.store, pool, mailsync.Options{
		Host:     cfg.HostID,
		Interval: cfg.SyncInterval,
		Retry:    cfg.Retry,
	}, e.logger)

	accountTask := supervisor.AccountTask(syncer, dispatcher)
	task := func(ctx context.Context, acct *types.Account) error {
		// Idle sessions are closed once the account stops so a restart re-reads credentials
		defer pool.Drop(acct.ID)
		return accountTask(ctx, acct)
	}
	manager := supervisor.NewManager(e.store, task, supervisor.Options{
		Host:              cfg.HostID,
		Owner:             owner,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LeaseTTL:          cfg.LeaseTTL,
	}, cfg.SweepInterval, e.logger)

	return &engine{
		pool:       pool,
		dispatcher: dispatcher,
		syncer:     syncer,
		manager:    manager,
	}
}

// registerAccounts mirrors the configured accounts into the store. Autostart
// only sets the intent flag of accounts seen for the first time, so an
// operator's stop survives a restart.
func registerAccounts(ctx context.Context, e *env) error {
	for i := range e.cfg.Accounts {
		ac := &e.cfg.Accounts[i]
		_, err := e.store.GetAccount(ctx, ac.Name)
		isNew := errors.Is(err, reliability.ErrNotFound)
		if err != nil && !isNew {
			return err
		}

		if err := e.store.UpsertAccount(ctx, &types.Account{
			ID:       ac.Name,
			Email:    ac.Email,
			Provider: ac.Family(),
		}); err != nil {
			return fmt.Errorf("account %s: %w", ac.Name, err)
		}
		if isNew && ac.Autostart {
			if err := e.store.RequestStart(ctx, ac.Name); err != nil {
				return fmt.Errorf("account %s: %w", ac.Name, err)
			}
		}
		e.logger.WithFields(logrus.Fields{
			"account":  ac.Name,
			"provider": ac.Family(),
			"new":      isNew,
		}).Debug("Registered account")
	}
	return nil
}
