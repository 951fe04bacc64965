package actions

import (
	"context"

	"github.com/brandon/mail-syncback/internal/reconcile"
	"github.com/brandon/mail-syncback/pkg/types"
)

// gmailInboxLabel is the system label that places a message in the inbox
const gmailInboxLabel = `\Inbox`

// Gmail exposes labels as folders, so label create/rename/delete reuse the
// folder handlers. Flags, moves and drafts fall back to the generic family.
func gmailHandlers() map[types.ActionKind]Handler {
	return map[types.ActionKind]Handler{
		types.ActionChangeLabels: changeLabels,
		types.ActionSetArchived:  gmailSetArchived,
		types.ActionCreateLabel:  createFolder(plainPath),
		types.ActionUpdateLabel:  updateFolder(plainPath),
		types.ActionDeleteLabel:  deleteFolder,
	}
}

func changeLabels(ctx context.Context, req *Request) error {
	var p types.LabelsPayload
	if err := req.decode(&p); err != nil {
		return err
	}
	return applyLabels(ctx, req, p.Added, p.Removed)
}

// gmailSetArchived archives by dropping the \Inbox label rather than moving
func gmailSetArchived(ctx context.Context, req *Request) error {
	var p types.FlagPayload
	if err := req.decode(&p); err != nil {
		return err
	}
	if p.Value {
		return applyLabels(ctx, req, nil, []string{gmailInboxLabel})
	}
	return applyLabels(ctx, req, []string{gmailInboxLabel}, nil)
}

func applyLabels(ctx context.Context, req *Request, added, removed []string) error {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	mappings, err := req.targetMappings(ctx)
	if err != nil || len(mappings) == 0 {
		return err
	}

	for _, f := range reconcile.IndexByFolder(mappings) {
		if err := req.selectFolder(ctx, f.Folder); err != nil {
			return err
		}
		if err := req.Session.AddLabels(f.UIDs, added); err != nil {
			return err
		}
		if err := req.Session.RemoveLabels(f.UIDs, removed); err != nil {
			return err
		}
	}
	return nil
}
