package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-syncback/internal/connpool"
	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

// Store is the local state a handler reads to build its remote operation.
// Category writes are limited to recording the remote outcome of folder actions.
type Store interface {
	UIDMappings(ctx context.Context, accountID, messageID string) ([]types.UIDMapping, error)
	GetMessage(ctx context.Context, accountID, id string) (*types.Message, error)
	GetCategory(ctx context.Context, accountID, id string) (*types.Category, error)
	RenameCategory(ctx context.Context, accountID, id, displayName string) error
	DeleteCategory(ctx context.Context, accountID, id string) error
	MarkFolderStale(ctx context.Context, accountID, folder string) error
	RenameFolder(ctx context.Context, accountID, from, to string) error
	PurgeFolder(ctx context.Context, accountID, folder string) error
}

// Request is everything one handler invocation may touch. Session is owned by
// the caller and must not be retained after the handler returns.
type Request struct {
	Account *types.Account
	Action  *types.Action
	Session *connpool.Session
	Store   Store
	Log     *logrus.Entry
	// Domain is the right-hand side of draft correlation tokens
	Domain string
	Now    func() time.Time
}

// Handler replays one action against the server
type Handler func(ctx context.Context, req *Request) error

func (r *Request) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// selectFolder selects a folder, marking its UID mapping stale and deferring
// the action when the server's UID validity moved
func (r *Request) selectFolder(ctx context.Context, folder string) error {
	return r.Session.SelectFolder(ctx, folder, r.uidInvalid)
}

func (r *Request) uidInvalid(ctx context.Context, folder string, stored, current uint32) error {
	if err := r.Store.MarkFolderStale(ctx, r.Account.ID, folder); err != nil {
		return fmt.Errorf("failed to mark folder %s stale: %w", folder, err)
	}
	return fmt.Errorf("folder %s validity %d != %d: %w", folder, current, stored, reliability.ErrUIDValidityChanged)
}

func (r *Request) decode(v interface{}) error {
	if err := r.Action.DecodePayload(v); err != nil {
		return reliability.Semantic("decode payload", fmt.Errorf("invalid %s payload: %w", r.Action.Kind, err))
	}
	return nil
}

// targetMappings loads the folder/UID locations of the action's target message
func (r *Request) targetMappings(ctx context.Context) ([]types.UIDMapping, error) {
	mappings, err := r.Store.UIDMappings(ctx, r.Account.ID, r.Action.TargetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load uid mappings: %w", err)
	}
	if len(mappings) == 0 {
		r.Log.WithField("message_id", r.Action.TargetID).Warn("No UIDs found for message")
	}
	return mappings, nil
}

// category loads the action's target category
func (r *Request) category(ctx context.Context) (*types.Category, error) {
	c, err := r.Store.GetCategory(ctx, r.Account.ID, r.Action.TargetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load category %s: %w", r.Action.TargetID, err)
	}
	return c, nil
}
