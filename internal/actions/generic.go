package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap"

	"github.com/brandon/mail-syncback/internal/connpool"
	"github.com/brandon/mail-syncback/internal/reconcile"
	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

func genericHandlers() map[types.ActionKind]Handler {
	return map[types.ActionKind]Handler{
		types.ActionSetStarred:   setStarred,
		types.ActionSetUnread:    setUnread,
		types.ActionMove:         move,
		types.ActionSetArchived:  setArchived,
		types.ActionCreateFolder: createFolder(plainPath),
		types.ActionUpdateFolder: updateFolder(plainPath),
		types.ActionDeleteFolder: deleteFolder,
		types.ActionSaveDraft:    saveDraft,
		types.ActionUpdateDraft:  updateDraft,
		types.ActionDeleteDraft:  deleteDraft,
		types.ActionSaveSent:     saveSent,
	}
}

func setStarred(ctx context.Context, req *Request) error {
	var p types.FlagPayload
	if err := req.decode(&p); err != nil {
		return err
	}
	return setFlag(ctx, req, imap.FlaggedFlag, p.Value)
}

func setUnread(ctx context.Context, req *Request) error {
	var p types.FlagPayload
	if err := req.decode(&p); err != nil {
		return err
	}
	return setFlag(ctx, req, imap.SeenFlag, !p.Value)
}

// setFlag applies a flag delta to every folder holding the target, one
// selection and one store per folder
func setFlag(ctx context.Context, req *Request, flag string, add bool) error {
	mappings, err := req.targetMappings(ctx)
	if err != nil || len(mappings) == 0 {
		return err
	}

	for _, f := range reconcile.IndexByFolder(mappings) {
		if err := req.selectFolder(ctx, f.Folder); err != nil {
			return err
		}
		if add {
			err = req.Session.AddFlags(f.UIDs, flag)
		} else {
			err = req.Session.RemoveFlags(f.UIDs, flag)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func move(ctx context.Context, req *Request) error {
	var p types.MovePayload
	if err := req.decode(&p); err != nil {
		return err
	}
	if p.Destination == "" {
		return reliability.Semantic("move", errors.New("missing destination folder"))
	}

	mappings, err := req.targetMappings(ctx)
	if err != nil || len(mappings) == 0 {
		return err
	}
	return moveMappings(ctx, req, mappings, p.Destination)
}

// moveMappings copies the target into dest once and then removes it from every
// source folder. The copy is skipped when dest already holds the message, so a
// retry after a copy-only failure does not duplicate it.
func moveMappings(ctx context.Context, req *Request, mappings []types.UIDMapping, dest string) error {
	if err := requireFolder(ctx, req.Session, dest); err != nil {
		return err
	}

	var sources []reconcile.FolderUIDs
	for _, f := range reconcile.IndexByFolder(mappings) {
		if f.Folder != dest {
			sources = append(sources, f)
		}
	}
	if len(sources) == 0 {
		req.Log.WithField("folder", dest).Debug("Message already in destination")
		return nil
	}

	present, err := presentIn(ctx, req, dest)
	if err != nil {
		return err
	}

	for _, f := range sources {
		if err := req.selectFolder(ctx, f.Folder); err != nil {
			return err
		}
		if !present {
			if err := req.Session.Copy(f.UIDs, dest); err != nil {
				return err
			}
			present = true
		}
		if err := req.Session.DeleteUIDs(f.UIDs); err != nil {
			return err
		}
	}
	return nil
}

// presentIn reports whether folder already holds the target message, matched
// by its Message-ID header
func presentIn(ctx context.Context, req *Request, folder string) (bool, error) {
	msg, err := req.Store.GetMessage(ctx, req.Account.ID, req.Action.TargetID)
	if errors.Is(err, reliability.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load message: %w", err)
	}
	if msg.MessageIDHeader == "" {
		return false, nil
	}
	if err := req.selectFolder(ctx, folder); err != nil {
		return false, err
	}
	return req.Session.FindByHeader("Message-Id", msg.MessageIDHeader)
}

func requireFolder(ctx context.Context, s *connpool.Session, name string) error {
	folders, err := s.Folders(ctx)
	if err != nil {
		return err
	}
	for _, f := range folders {
		if f.Name == name {
			return nil
		}
	}
	return reliability.Semantic("move", fmt.Errorf("unknown folder %q", name))
}

// setArchived moves the target between the inbox and archive folders
func setArchived(ctx context.Context, req *Request) error {
	var p types.FlagPayload
	if err := req.decode(&p); err != nil {
		return err
	}

	inbox, err := roleFolder(ctx, req.Session, types.RoleInbox)
	if err != nil {
		return err
	}
	archive, err := roleFolder(ctx, req.Session, types.RoleArchive)
	if err != nil {
		return err
	}
	from, to := archive, inbox
	if p.Value {
		from, to = inbox, archive
	}

	mappings, err := req.targetMappings(ctx)
	if err != nil || len(mappings) == 0 {
		return err
	}
	var inSource []types.UIDMapping
	for _, m := range mappings {
		if m.Folder == from {
			inSource = append(inSource, m)
		}
	}
	if len(inSource) == 0 {
		req.Log.WithField("folder", from).Info("Message not in source folder, nothing to move")
		return nil
	}
	return moveMappings(ctx, req, inSource, to)
}

// roleFolder resolves a role, treating an absent role as a permanent failure
func roleFolder(ctx context.Context, s *connpool.Session, role types.Role) (string, error) {
	name, err := s.RoleFolder(ctx, role)
	if errors.Is(err, connpool.ErrNoFolder) {
		return "", reliability.Semantic("resolve folder", err)
	}
	return name, err
}

// PathFunc maps a category display name to the remote folder path
type PathFunc func(ctx context.Context, s *connpool.Session, name string) (string, error)

func plainPath(_ context.Context, _ *connpool.Session, name string) (string, error) {
	return name, nil
}

func createFolder(path PathFunc) Handler {
	return func(ctx context.Context, req *Request) error {
		c, err := req.category(ctx)
		if err != nil {
			return err
		}
		name, err := path(ctx, req.Session, c.DisplayName)
		if err != nil {
			return err
		}

		if err := req.Session.CreateFolder(name); err != nil {
			if !reliability.IsAlreadyExists(err) {
				return err
			}
			req.Log.WithField("folder", name).Info("Folder already exists on remote")
		}
		return recordPath(ctx, req, c, name)
	}
}

func updateFolder(path PathFunc) Handler {
	return func(ctx context.Context, req *Request) error {
		var p types.CategoryPayload
		if err := req.decode(&p); err != nil {
			return err
		}
		if p.OldName == "" {
			return reliability.Semantic("rename folder", errors.New("missing previous folder name"))
		}

		c, err := req.category(ctx)
		if err != nil {
			return err
		}
		oldName, err := path(ctx, req.Session, p.OldName)
		if err != nil {
			return err
		}
		name, err := path(ctx, req.Session, c.DisplayName)
		if err != nil {
			return err
		}
		if oldName == name {
			return recordPath(ctx, req, c, name)
		}

		if err := req.Session.RenameFolder(oldName, name); err != nil {
			// A retry after the rename went through finds the old name gone
			// and the new one in place
			if !reliability.IsAlreadyAbsent(err) || requireFolder(ctx, req.Session, name) != nil {
				return err
			}
			req.Log.WithField("folder", name).Info("Folder already renamed on remote")
		}
		if err := req.Store.RenameFolder(ctx, req.Account.ID, oldName, name); err != nil {
			return fmt.Errorf("failed to move folder mappings: %w", err)
		}
		return recordPath(ctx, req, c, name)
	}
}

// recordPath stores the remote path as the category's display name when the
// family rewrote it
func recordPath(ctx context.Context, req *Request, c *types.Category, name string) error {
	if c.DisplayName == name {
		return nil
	}
	if err := req.Store.RenameCategory(ctx, req.Account.ID, c.ID, name); err != nil {
		return fmt.Errorf("failed to record folder path: %w", err)
	}
	return nil
}

// deleteFolder removes the remote folder, the UID mappings that pointed into
// it and then the local category. A folder already gone remotely counts as
// deleted.
func deleteFolder(ctx context.Context, req *Request) error {
	c, err := req.category(ctx)
	if errors.Is(err, reliability.ErrNotFound) {
		req.Log.WithField("category_id", req.Action.TargetID).Info("Category already deleted")
		return nil
	}
	if err != nil {
		return err
	}

	if err := req.Session.DeleteFolder(c.DisplayName); err != nil {
		if !reliability.IsAlreadyAbsent(err) {
			return err
		}
		req.Log.WithField("folder", c.DisplayName).Info("Folder already deleted on remote")
	}

	if err := req.Store.PurgeFolder(ctx, req.Account.ID, c.DisplayName); err != nil {
		return fmt.Errorf("failed to purge folder mappings: %w", err)
	}
	if err := req.Store.DeleteCategory(ctx, req.Account.ID, c.ID); err != nil {
		return fmt.Errorf("failed to delete category: %w", err)
	}
	return nil
}
