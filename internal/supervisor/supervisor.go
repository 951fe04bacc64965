// Package supervisor owns the per-account sync lifecycle. A supervisor holds
// the account lease while it runs the account's task, writes heartbeats,
// watches for stop requests and turns the way the task ended into the
// account's next state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/internal/store"
	"github.com/brandon/mail-syncback/pkg/types"
)

// Store is the account state a supervisor reads and mutates
type Store interface {
	GetAccount(ctx context.Context, id string) (*types.Account, error)
	SyncControl(ctx context.Context, id string) (shouldRun, stopRequested bool, err error)

	MarkSyncRunning(ctx context.Context, id, host string) error
	MarkSyncStopped(ctx context.Context, id string, clearIntent bool) error
	MarkSyncKilled(ctx context.Context, id, reason string) error
	MarkSyncInvalid(ctx context.Context, id, reason string) error
	MarkSyncConnectionError(ctx context.Context, id, reason string) error

	AcquireLease(ctx context.Context, accountID, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, accountID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, accountID, owner string) error

	Heartbeat(ctx context.Context, accountID, folder, host string) error
	ClearHeartbeats(ctx context.Context, accountID string) error
}

// Task is the long-running work done for an account while it is running. It
// must return nil promptly once ctx is cancelled.
type Task func(ctx context.Context, acct *types.Account) error

// Options tunes a supervisor
type Options struct {
	// Host identifies this process on the account row and heartbeats
	Host string
	// Owner is the lease owner and must match the dispatcher's claim owner.
	// Empty means a fresh Host-prefixed id per Run.
	Owner             string
	HeartbeatInterval time.Duration
	LeaseTTL          time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.LeaseTTL <= o.HeartbeatInterval {
		o.LeaseTTL = 30 * o.HeartbeatInterval
	}
	return o
}

// PanicError is a panic recovered from an account task
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("sync task panicked: %v", e.Value)
}

// Supervisor runs account tasks under the account lease
type Supervisor struct {
	store  Store
	task   Task
	opts   Options
	logger *logrus.Logger
}

// New creates a supervisor
func New(store Store, task Task, opts Options, logger *logrus.Logger) *Supervisor {
	return &Supervisor{store: store, task: task, opts: opts.withDefaults(), logger: logger}
}

// Run drives one account from running to its next terminal state. It returns
// ErrLeaseHeld without touching the account when another owner holds the
// lease, and ErrSyncNotRequested when the account may not be started. The
// lease and heartbeats are released on every exit path.
func (s *Supervisor) Run(ctx context.Context, accountID string) error {
	owner := s.opts.Owner
	if owner == "" {
		owner = s.opts.Host + "/" + uuid.NewString()
	}
	log := s.logger.WithFields(logrus.Fields{
		"account": accountID,
		"owner":   owner,
	})

	acquired, err := s.store.AcquireLease(ctx, accountID, owner, s.opts.LeaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("account %s: %w", accountID, reliability.ErrLeaseHeld)
	}

	// Cleanup runs even when ctx is the reason we are leaving.
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := s.store.ClearHeartbeats(cleanupCtx, accountID); err != nil {
			log.WithError(err).Warn("Failed to clear heartbeats")
		}
		if err := s.store.ReleaseLease(cleanupCtx, accountID, owner); err != nil {
			log.WithError(err).Warn("Failed to release account lease")
		}
	}()

	if err := s.store.MarkSyncRunning(ctx, accountID, s.opts.Host); err != nil {
		return err
	}
	recordTransition(types.SyncRunning)
	runningAccounts.Inc()
	defer runningAccounts.Dec()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		s.finish(cleanupCtx, log, accountID, err)
		return err
	}
	log.WithField("sync_type", acct.Status.SyncType).Info("Account sync started")

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- s.runTask(taskCtx, acct)
	}()

	s.beat(ctx, log, accountID)
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return s.finish(cleanupCtx, log, accountID, err)

		case <-ctx.Done():
			cancel()
			<-done
			if err := s.store.MarkSyncStopped(cleanupCtx, accountID, false); err != nil {
				log.WithError(err).Error("Failed to record shutdown")
				return err
			}
			recordTransition(types.SyncStopped)
			log.Info("Account sync stopped for shutdown")
			return nil

		case <-ticker.C:
			stop, err := s.tick(ctx, log, accountID, owner)
			if errors.Is(err, reliability.ErrLeaseLost) {
				// Another owner has the account now, so its row is not ours to write.
				cancel()
				<-done
				log.Error("Account lease lost, abandoning sync")
				return err
			}
			if !stop {
				continue
			}
			cancel()
			<-done
			if err := s.store.MarkSyncStopped(cleanupCtx, accountID, true); err != nil {
				log.WithError(err).Error("Failed to record stop")
				return err
			}
			recordTransition(types.SyncStopped)
			log.Info("Account sync stopped on request")
			return nil
		}
	}
}

// runTask runs the task and turns a panic into a PanicError
func (s *Supervisor) runTask(ctx context.Context, acct *types.Account) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return s.task(ctx, acct)
}

// tick renews the lease, writes the account heartbeat and reports whether the
// account has been asked to stop. Store errors are logged and retried on the
// next tick; an expired lease surfaces through a failed renewal.
func (s *Supervisor) tick(ctx context.Context, log *logrus.Entry, accountID, owner string) (bool, error) {
	renewed, err := s.store.RenewLease(ctx, accountID, owner, s.opts.LeaseTTL)
	if err != nil {
		log.WithError(err).Warn("Failed to renew account lease")
		return false, nil
	}
	if !renewed {
		return false, fmt.Errorf("account %s: %w", accountID, reliability.ErrLeaseLost)
	}

	s.beat(ctx, log, accountID)

	shouldRun, stopRequested, err := s.store.SyncControl(ctx, accountID)
	if err != nil {
		log.WithError(err).Warn("Failed to read sync control")
		return false, nil
	}
	return stopRequested || !shouldRun, nil
}

func (s *Supervisor) beat(ctx context.Context, log *logrus.Entry, accountID string) {
	if err := s.store.Heartbeat(ctx, accountID, store.AccountHeartbeat, s.opts.Host); err != nil {
		log.WithError(err).Warn("Failed to write heartbeat")
	}
}

// finish records the state the task's exit maps to:
//
//	nil            -> stopped, intent kept
//	credential     -> invalid
//	transient      -> connection-error
//	anything else  -> killed
func (s *Supervisor) finish(ctx context.Context, log *logrus.Entry, accountID string, taskErr error) error {
	if taskErr == nil {
		if err := s.store.MarkSyncStopped(ctx, accountID, false); err != nil {
			return err
		}
		recordTransition(types.SyncStopped)
		log.Info("Account sync task finished")
		return nil
	}

	var panicErr *PanicError
	var state types.SyncState
	var err error
	switch {
	case errors.As(taskErr, &panicErr):
		state = types.SyncKilled
		log.WithFields(logrus.Fields{
			"panic": panicErr.Value,
			"stack": string(panicErr.Stack),
			"alert": true,
		}).Error("Account sync task panicked")
		err = s.store.MarkSyncKilled(ctx, accountID, taskErr.Error())
	case reliability.IsCredential(taskErr):
		state = types.SyncInvalid
		log.WithError(taskErr).Warn("Account credentials rejected")
		err = s.store.MarkSyncInvalid(ctx, accountID, taskErr.Error())
	case reliability.IsTransient(taskErr):
		state = types.SyncConnectionError
		log.WithError(taskErr).Warn("Account sync lost its connection")
		err = s.store.MarkSyncConnectionError(ctx, accountID, taskErr.Error())
	default:
		state = types.SyncKilled
		log.WithError(taskErr).WithField("alert", true).Error("Account sync task failed")
		err = s.store.MarkSyncKilled(ctx, accountID, taskErr.Error())
	}
	if err != nil {
		log.WithError(err).Error("Failed to record account state")
		return err
	}
	recordTransition(state)
	return taskErr
}
