package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap"

	"github.com/brandon/mail-syncback/internal/connpool"
	"github.com/brandon/mail-syncback/internal/email"
	"github.com/brandon/mail-syncback/internal/reconcile"
	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

const messageIDHeader = "Message-Id"

// optionalFolder resolves a role folder. ok is false when the account has none,
// which draft and sent handlers treat as nothing to do.
func optionalFolder(ctx context.Context, req *Request, role types.Role) (string, bool, error) {
	name, err := req.Session.RoleFolder(ctx, role)
	if errors.Is(err, connpool.ErrNoFolder) {
		req.Log.WithField("role", role).Info("Account has no detected folder for role; skipping")
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

func (r *Request) draft(ctx context.Context) (*types.Message, error) {
	msg, err := r.Store.GetMessage(ctx, r.Account.ID, r.Action.TargetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load draft %s: %w", r.Action.TargetID, err)
	}
	return msg, nil
}

func messageDate(req *Request, msg *types.Message) time.Time {
	if msg.Date.IsZero() {
		return req.now()
	}
	return msg.Date
}

// storeDraft uploads the current version of the target draft unless a copy
// carrying its correlation token is already there
func storeDraft(ctx context.Context, req *Request, msg *types.Message, drafts string) error {
	token := reconcile.CorrelationToken(msg.ID, msg.Version, req.Domain)
	log := req.Log.WithField("message_id_header", token)

	if err := req.selectFolder(ctx, drafts); err != nil {
		return err
	}
	exists, err := req.Session.FindByHeader(messageIDHeader, token)
	if err != nil {
		return err
	}
	if exists {
		log.Info("Not saving draft; copy already exists on remote")
		return nil
	}

	date := messageDate(req, msg)
	raw, err := email.Compose(msg, token, date)
	if err != nil {
		return err
	}
	if err := req.Session.SaveDraft(ctx, raw, date); err != nil {
		return err
	}
	log.WithField("version", msg.Version).Debug("Saved draft")
	return nil
}

func saveDraft(ctx context.Context, req *Request) error {
	msg, err := req.draft(ctx)
	if err != nil {
		return err
	}
	drafts, ok, err := optionalFolder(ctx, req, types.RoleDrafts)
	if err != nil || !ok {
		return err
	}
	return storeDraft(ctx, req, msg, drafts)
}

// updateDraft saves the new version and then deletes older remote versions,
// newest first, until one is found already gone
func updateDraft(ctx context.Context, req *Request) error {
	msg, err := req.draft(ctx)
	if err != nil {
		return err
	}
	drafts, ok, err := optionalFolder(ctx, req, types.RoleDrafts)
	if err != nil || !ok {
		return err
	}
	if err := storeDraft(ctx, req, msg, drafts); err != nil {
		return err
	}

	deleted, err := reconcile.CleanupOlderVersions(ctx, msg.Version, func(ctx context.Context, version int) (bool, error) {
		return req.Session.DeleteDraft(ctx, reconcile.CorrelationToken(msg.ID, version, req.Domain), req.uidInvalid)
	})
	if len(deleted) > 0 {
		req.Log.WithField("versions", deleted).Info("Deleted older draft versions")
	}
	return err
}

func deleteDraft(ctx context.Context, req *Request) error {
	var p types.DraftPayload
	if err := req.decode(&p); err != nil {
		return err
	}
	if p.MessageIDHeader == "" {
		return reliability.Semantic("delete draft", errors.New("missing message id header"))
	}
	draftID, version, ok := reconcile.ParseCorrelationToken(p.MessageIDHeader)
	if !ok || draftID != req.Action.TargetID {
		return reliability.Semantic("delete draft",
			fmt.Errorf("%s is not a correlation token of draft %s", p.MessageIDHeader, req.Action.TargetID))
	}
	req.Log = req.Log.WithField("version", version)
	if _, ok, err := optionalFolder(ctx, req, types.RoleDrafts); err != nil || !ok {
		return err
	}

	found, err := req.Session.DeleteDraft(ctx, p.MessageIDHeader, req.uidInvalid)
	if err != nil {
		return err
	}
	if !found {
		req.Log.WithField("message_id_header", p.MessageIDHeader).Info("Draft already absent on remote")
	}
	return nil
}

// saveSent stores a copy of a sent message in the sent folder. The raw MIME of
// the payload is used as is when present, otherwise the message is rendered
// from the local snapshot.
func saveSent(ctx context.Context, req *Request) error {
	var p types.SentPayload
	if err := req.decode(&p); err != nil {
		return err
	}
	sent, ok, err := optionalFolder(ctx, req, types.RoleSent)
	if err != nil || !ok {
		return err
	}

	raw, header, date, err := sentMessage(ctx, req, p)
	if err != nil {
		return err
	}

	if err := req.selectFolder(ctx, sent); err != nil {
		return err
	}
	if header != "" {
		exists, err := req.Session.FindByHeader(messageIDHeader, header)
		if err != nil {
			return err
		}
		if exists {
			req.Log.WithField("message_id_header", header).Info("Sent copy already exists on remote")
			return nil
		}
	}
	return req.Session.CreateMessage(sent, raw, []string{imap.SeenFlag}, date)
}

func sentMessage(ctx context.Context, req *Request, p types.SentPayload) ([]byte, string, time.Time, error) {
	if len(p.Raw) > 0 {
		id, err := email.ReadIdentity(p.Raw)
		if err != nil {
			return nil, "", time.Time{}, err
		}
		return p.Raw, id.MessageID, req.now(), nil
	}

	msg, err := req.Store.GetMessage(ctx, req.Account.ID, req.Action.TargetID)
	if err != nil {
		return nil, "", time.Time{}, fmt.Errorf("failed to load message %s: %w", req.Action.TargetID, err)
	}
	header := msg.MessageIDHeader
	if header == "" {
		header = reconcile.CorrelationToken(msg.ID, msg.Version, req.Domain)
	}
	date := messageDate(req, msg)
	raw, err := email.Compose(msg, header, date)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	return raw, header, date, nil
}
