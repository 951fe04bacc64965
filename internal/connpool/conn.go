package connpool

import (
	"context"
	"time"

	"github.com/brandon/mail-syncback/pkg/types"
)

// Conn is an authenticated protocol connection to one account's mail server
type Conn interface {
	// Select opens a folder and returns its UID validity
	Select(folder string) (uint32, error)
	StoreFlags(uids []uint32, flags []string, add bool) error
	StoreLabels(uids []uint32, labels []string, add bool) error
	CopyUIDs(uids []uint32, dest string) error
	// ExpungeUIDs marks the UIDs deleted and expunges the selected folder
	ExpungeUIDs(uids []uint32) error
	CreateMailbox(name string) error
	RenameMailbox(from, to string) error
	DeleteMailbox(name string) error
	Append(folder string, flags []string, date time.Time, msg []byte) error
	SearchHeader(name, value string) ([]uint32, error)
	SearchAll() ([]uint32, error)
	FetchMessageIDs(uids []uint32) (map[uint32]string, error)
	ListFolders() ([]types.FolderInfo, error)
	Noop() error
	Close() error
}

// Dialer opens authenticated connections for an account
type Dialer interface {
	Dial(ctx context.Context, acct *types.Account) (Conn, error)
}

// ValidityStore persists the last known UID validity of each folder
type ValidityStore interface {
	GetUIDValidity(ctx context.Context, accountID, folder string) (uint32, error)
	SetUIDValidity(ctx context.Context, accountID, folder string, uidValidity uint32) error
}

// UIDInvalidFunc is called when a selected folder's UID validity differs from
// the stored value. Its return value becomes the result of SelectFolder.
type UIDInvalidFunc func(ctx context.Context, folder string, stored, current uint32) error
