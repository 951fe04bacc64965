package supervisor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

// Fetcher is the read side of an account task
type Fetcher interface {
	Run(ctx context.Context, acct *types.Account) error
}

// Drainer is the write side of an account task
type Drainer interface {
	RunAccount(ctx context.Context, accountID string) error
}

// AccountTask runs the fetch loop and the action dispatcher side by side. The
// first error cancels the other and is returned.
func AccountTask(fetch Fetcher, drain Drainer) Task {
	return func(ctx context.Context, acct *types.Account) error {
		p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError().WithFirstError()
		p.Go(func(ctx context.Context) error {
			return fetch.Run(ctx, acct)
		})
		p.Go(func(ctx context.Context) error {
			return drain.RunAccount(ctx, acct.ID)
		})
		return p.Wait()
	}
}

// ManagerStore adds the account listing and intent setters a manager needs
type ManagerStore interface {
	Store
	ListAccounts(ctx context.Context) ([]*types.Account, error)
	RequestStart(ctx context.Context, id string) error
	RequestStop(ctx context.Context, id string) error
	LeaseHeld(ctx context.Context, accountID string) (bool, error)
}

// Manager keeps one supervisor per account alive in this process and
// periodically restarts accounts that want to run
type Manager struct {
	store         ManagerStore
	supervisor    *Supervisor
	sweepInterval time.Duration
	logger        *logrus.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      conc.WaitGroup
}

// NewManager creates a manager whose supervisors run task
func NewManager(store ManagerStore, task Task, opts Options, sweepInterval time.Duration, logger *logrus.Logger) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	return &Manager{
		store:         store,
		supervisor:    New(store, task, opts, logger),
		sweepInterval: sweepInterval,
		logger:        logger,
		running:       make(map[string]context.CancelFunc),
	}
}

// Start sets the account's intent flag and launches its supervisor. ctx
// bounds the supervisor's lifetime.
func (m *Manager) Start(ctx context.Context, accountID string) error {
	if err := m.store.RequestStart(ctx, accountID); err != nil {
		return err
	}
	m.launch(ctx, accountID)
	return nil
}

// Stop asks the account's supervisor to stop. The supervisor observes the
// request on its next heartbeat.
func (m *Manager) Stop(ctx context.Context, accountID string) error {
	return m.store.RequestStop(ctx, accountID)
}

// Run sweeps immediately and then every sweep interval until ctx is done,
// after which it waits for every supervisor it launched to exit
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.logger.WithError(err).Warn("Account sweep failed")
		}
		select {
		case <-ctx.Done():
			m.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep launches a supervisor for every account that wants to run, is in a
// restartable state and whose lease is free. Running rows whose lease has
// expired are recovered the same way. It returns the launched ids.
func (m *Manager) Sweep(ctx context.Context) ([]string, error) {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var started []string
	for _, acct := range accounts {
		// A running row without a live lease was left by a process that died
		// before it could record how it stopped
		orphaned := acct.SyncState == types.SyncRunning
		if !orphaned && (!acct.SyncShouldRun || acct.StopRequested || !acct.SyncState.Restartable()) {
			continue
		}
		if m.isRunning(acct.ID) {
			continue
		}
		held, err := m.store.LeaseHeld(ctx, acct.ID)
		if err != nil {
			return started, err
		}
		if held {
			m.logger.WithField("account", acct.ID).Debug("Account lease held elsewhere, not starting")
			continue
		}
		if orphaned {
			log := m.logger.WithFields(logrus.Fields{
				"account": acct.ID,
				"host":    acct.SyncHost,
			})
			if acct.StopRequested || !acct.SyncShouldRun {
				log.Info("Completing stop of orphaned account")
				if err := m.store.MarkSyncStopped(ctx, acct.ID, acct.StopRequested); err != nil {
					return started, err
				}
				continue
			}
			log.Warn("Recovering orphaned account")
		}
		if m.launch(ctx, acct.ID) {
			started = append(started, acct.ID)
		}
	}
	if len(started) > 0 {
		m.logger.WithField("accounts", started).Info("Sweep started accounts")
	}
	return started, nil
}

// Running returns the ids of accounts with a live supervisor in this process
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every launched supervisor has exited
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) isRunning(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[accountID]
	return ok
}

// launch starts a supervisor unless one is already live here for the account
func (m *Manager) launch(ctx context.Context, accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[accountID]; ok {
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running[accountID] = cancel

	m.wg.Go(func() {
		defer func() {
			cancel()
			m.mu.Lock()
			delete(m.running, accountID)
			m.mu.Unlock()
		}()

		err := m.supervisor.Run(runCtx, accountID)
		log := m.logger.WithField("account", accountID)
		switch {
		case err == nil:
		case errors.Is(err, reliability.ErrLeaseHeld), errors.Is(err, reliability.ErrSyncNotRequested):
			log.WithError(err).Debug("Account not started")
		default:
			log.WithError(err).Info("Account supervisor exited")
		}
	})
	return true
}
