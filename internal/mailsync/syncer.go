// Package mailsync is the read path: it mirrors the server's folder list and
// per-folder UID sets into the local store so syncback handlers can address
// messages by UID.
package mailsync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-syncback/internal/connpool"
	"github.com/brandon/mail-syncback/internal/reconcile"
	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

// Store is the persistence the read path writes to
type Store interface {
	UpsertCategory(ctx context.Context, c *types.Category) (*types.Category, error)
	UpsertMessage(ctx context.Context, msg *types.Message) error
	MessageIDsByHeader(ctx context.Context, accountID string, headers []string) (map[string]string, error)
	UIDsInFolder(ctx context.Context, accountID, folder string) ([]uint32, error)
	AddUIDs(ctx context.Context, accountID string, mappings []types.UIDMapping) error
	RemoveUIDs(ctx context.Context, accountID, folder string, uids []uint32) error
	ReplaceFolderUIDs(ctx context.Context, accountID, folder string, mappings []types.UIDMapping, uidValidity uint32) error
	GetUIDValidity(ctx context.Context, accountID, folder string) (uint32, error)
	FolderStale(ctx context.Context, accountID, folder string) (bool, error)
	Heartbeat(ctx context.Context, accountID, folder, host string) error
	MappedFolders(ctx context.Context, accountID string) ([]string, error)
	PurgeFolder(ctx context.Context, accountID, folder string) error
}

// Options tunes the sync loop
type Options struct {
	// Host is recorded on heartbeats
	Host     string
	Interval time.Duration
	// Retry bounds consecutive failed passes before Run gives up
	Retry reliability.RetryConfig
}

// Syncer mirrors remote folders and UIDs for one account at a time
type Syncer struct {
	store  Store
	pool   *connpool.Pool
	opts   Options
	logger *logrus.Logger
}

// New creates a syncer
func New(store Store, connPool *connpool.Pool, opts Options, logger *logrus.Logger) *Syncer {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = reliability.DefaultRetryConfig().MaxAttempts
	}
	return &Syncer{store: store, pool: connPool, opts: opts, logger: logger}
}

// Run syncs the account every interval until ctx is done. Transient failures
// are retried with backoff; any other failure, or Retry.MaxAttempts
// consecutive transient ones, is returned.
func (s *Syncer) Run(ctx context.Context, acct *types.Account) error {
	log := s.logger.WithField("account", acct.ID)
	failures := 0

	for {
		err := s.SyncAccount(ctx, acct)
		if ctx.Err() != nil {
			return nil
		}

		wait := s.opts.Interval
		if err != nil {
			if !reliability.IsTransient(err) {
				return err
			}
			failures++
			if failures >= s.opts.Retry.MaxAttempts {
				return fmt.Errorf("sync failed %d times in a row: %w", failures, err)
			}
			wait = s.opts.Retry.Delay(failures - 1)
			log.WithError(err).WithFields(logrus.Fields{
				"failures": failures,
				"retry_in": wait,
			}).Warn("Sync pass failed, retrying")
		} else {
			failures = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// SyncAccount runs one pass over every selectable folder of the account
func (s *Syncer) SyncAccount(ctx context.Context, acct *types.Account) error {
	return s.pool.Run(ctx, acct, func(sess *connpool.Session) error {
		folders, err := sess.Folders(ctx)
		if err != nil {
			return err
		}

		categoryType := types.CategoryFolder
		if acct.Provider == types.FamilyGmail {
			categoryType = types.CategoryLabel
		}

		for _, f := range folders {
			if !f.Selectable {
				continue
			}
			if _, err := s.store.UpsertCategory(ctx, &types.Category{
				AccountID:   acct.ID,
				Name:        f.Role,
				DisplayName: f.Name,
				Type:        categoryType,
			}); err != nil {
				return err
			}
		}
		if err := s.purgeVanished(ctx, acct, folders); err != nil {
			return err
		}

		for _, f := range folders {
			if !f.Selectable {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.syncFolder(ctx, sess, acct, f.Name); err != nil {
				if reliability.IsTransient(err) {
					return err
				}
				s.logger.WithError(err).WithFields(logrus.Fields{
					"account": acct.ID,
					"folder":  f.Name,
				}).Warn("Failed to sync folder")
				continue
			}
			if err := s.store.Heartbeat(ctx, acct.ID, f.Name, s.opts.Host); err != nil {
				return err
			}
		}
		return nil
	})
}

// purgeVanished drops the mappings of folders the server no longer lists, so
// handlers never select a folder that is gone
func (s *Syncer) purgeVanished(ctx context.Context, acct *types.Account, folders []types.FolderInfo) error {
	listed := make(map[string]bool, len(folders))
	for _, f := range folders {
		if f.Selectable {
			listed[f.Name] = true
		}
	}
	mapped, err := s.store.MappedFolders(ctx, acct.ID)
	if err != nil {
		return err
	}
	for _, folder := range mapped {
		if listed[folder] {
			continue
		}
		if err := s.store.PurgeFolder(ctx, acct.ID, folder); err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"account": acct.ID,
			"folder":  folder,
		}).Info("Purged mappings of vanished folder")
	}
	return nil
}

// syncFolder reconciles one folder. A changed UID validity or a stale mark
// rebuilds the folder's mapping from scratch; otherwise new UIDs are added and
// vanished ones removed.
func (s *Syncer) syncFolder(ctx context.Context, sess *connpool.Session, acct *types.Account, folder string) error {
	var newValidity uint32
	err := sess.SelectFolder(ctx, folder, func(_ context.Context, _ string, _, current uint32) error {
		newValidity = current
		return nil
	})
	if err != nil {
		return err
	}

	if newValidity == 0 {
		stale, err := s.store.FolderStale(ctx, acct.ID, folder)
		if err != nil {
			return err
		}
		if stale {
			if newValidity, err = s.store.GetUIDValidity(ctx, acct.ID, folder); err != nil {
				return err
			}
		}
	}
	if newValidity != 0 {
		return s.rebuildFolder(ctx, sess, acct, folder, newValidity)
	}

	remote, err := sess.AllUIDs()
	if err != nil {
		return err
	}
	local, err := s.store.UIDsInFolder(ctx, acct.ID, folder)
	if err != nil {
		return err
	}

	fresh, _ := reconcile.NewOrUpdated(remote, local)
	gone := reconcile.Removed(remote, local)

	mappings, err := s.mapUIDs(ctx, sess, acct, folder, fresh)
	if err != nil {
		return err
	}
	if err := s.store.AddUIDs(ctx, acct.ID, mappings); err != nil {
		return err
	}
	if err := s.store.RemoveUIDs(ctx, acct.ID, folder, gone); err != nil {
		return err
	}

	if len(mappings) > 0 || len(gone) > 0 {
		s.logger.WithFields(logrus.Fields{
			"account": acct.ID,
			"folder":  folder,
			"added":   len(mappings),
			"removed": len(gone),
		}).Info("Synced folder")
	}
	return nil
}

func (s *Syncer) rebuildFolder(ctx context.Context, sess *connpool.Session, acct *types.Account, folder string, validity uint32) error {
	remote, err := sess.AllUIDs()
	if err != nil {
		return err
	}
	mappings, err := s.mapUIDs(ctx, sess, acct, folder, remote)
	if err != nil {
		return err
	}
	if err := s.store.ReplaceFolderUIDs(ctx, acct.ID, folder, mappings, validity); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"account":      acct.ID,
		"folder":       folder,
		"uid_validity": validity,
		"count":        len(mappings),
	}).Info("Rebuilt folder UID mapping")
	return nil
}

// mapUIDs resolves UIDs to local messages by Message-ID, creating a bare
// local record for messages seen for the first time. Messages without a
// Message-ID cannot be correlated and are left unmapped.
func (s *Syncer) mapUIDs(ctx context.Context, sess *connpool.Session, acct *types.Account, folder string, uids []uint32) ([]types.UIDMapping, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	headers, err := sess.MessageIDs(uids)
	if err != nil {
		return nil, err
	}

	unique := make([]string, 0, len(headers))
	seen := make(map[string]bool, len(headers))
	for _, h := range headers {
		if h != "" && !seen[h] {
			seen[h] = true
			unique = append(unique, h)
		}
	}
	known, err := s.store.MessageIDsByHeader(ctx, acct.ID, unique)
	if err != nil {
		return nil, err
	}

	mappings := make([]types.UIDMapping, 0, len(uids))
	skipped := 0
	for _, uid := range uids {
		header := headers[uid]
		if header == "" {
			skipped++
			continue
		}
		id, ok := known[header]
		if !ok {
			msg := &types.Message{AccountID: acct.ID, MessageIDHeader: header}
			if err := s.store.UpsertMessage(ctx, msg); err != nil {
				return nil, err
			}
			id = msg.ID
			known[header] = id
		}
		mappings = append(mappings, types.UIDMapping{MessageID: id, Folder: folder, UID: uid})
	}

	if skipped > 0 {
		s.logger.WithFields(logrus.Fields{
			"account": acct.ID,
			"folder":  folder,
			"count":   skipped,
		}).Debug("Skipped messages without Message-ID")
	}
	return mappings, nil
}
