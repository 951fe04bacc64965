package connpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

// ErrNoFolder is returned when an account has no folder for a required role
var ErrNoFolder = errors.New("no folder for role")

// ErrNoSelection is returned by per-UID operations issued before SelectFolder
var ErrNoSelection = reliability.Semantic("session", errors.New("no folder selected"))

// Session is a pooled connection scoped to one account. It tracks the selected
// folder and the account's folder roles.
type Session struct {
	conn      Conn
	account   *types.Account
	validity  ValidityStore
	overrides types.RoleMap
	log       *logrus.Entry

	selected  string
	folders   []types.FolderInfo
	roles     types.RoleMap
	delimiter string
	broken    bool
}

func newSession(conn Conn, acct *types.Account, validity ValidityStore, overrides types.RoleMap, log *logrus.Entry) *Session {
	return &Session{
		conn:      conn,
		account:   acct,
		validity:  validity,
		overrides: overrides,
		log:       log,
	}
}

// Selected returns the currently selected folder
func (s *Session) Selected() string {
	return s.selected
}

// check records connection-level failures so the pool discards the connection
func (s *Session) check(err error) error {
	if err != nil && reliability.IsTransient(err) {
		s.broken = true
	}
	return err
}

// SelectFolder selects a folder and verifies its UID validity. The first
// observation of a folder is recorded. A mismatch calls onInvalid, or fails
// with ErrUIDValidityChanged when onInvalid is nil.
func (s *Session) SelectFolder(ctx context.Context, folder string, onInvalid UIDInvalidFunc) error {
	current, err := s.conn.Select(folder)
	if err != nil {
		s.selected = ""
		return fmt.Errorf("failed to select folder %s: %w", folder, s.check(err))
	}
	s.selected = folder

	stored, err := s.validity.GetUIDValidity(ctx, s.account.ID, folder)
	if err != nil {
		return err
	}
	if stored == 0 {
		return s.validity.SetUIDValidity(ctx, s.account.ID, folder, current)
	}
	if stored == current {
		return nil
	}

	s.log.WithFields(logrus.Fields{
		"folder": folder,
		"stored": stored,
		"server": current,
	}).Warn("UID validity changed")

	if onInvalid == nil {
		return fmt.Errorf("folder %s: %w", folder, reliability.ErrUIDValidityChanged)
	}
	return onInvalid(ctx, folder, stored, current)
}

func (s *Session) requireSelection() error {
	if s.selected == "" {
		return ErrNoSelection
	}
	return nil
}

// AddFlags sets a flag on UIDs of the selected folder
func (s *Session) AddFlags(uids []uint32, flag string) error {
	return s.storeFlags(uids, flag, true)
}

// RemoveFlags clears a flag on UIDs of the selected folder
func (s *Session) RemoveFlags(uids []uint32, flag string) error {
	return s.storeFlags(uids, flag, false)
}

func (s *Session) storeFlags(uids []uint32, flag string, add bool) error {
	if len(uids) == 0 {
		return nil
	}
	if err := s.requireSelection(); err != nil {
		return err
	}
	if err := s.conn.StoreFlags(uids, []string{flag}, add); err != nil {
		return fmt.Errorf("failed to store flag %s in %s: %w", flag, s.selected, s.check(err))
	}
	return nil
}

// AddLabels applies provider labels to UIDs of the selected folder
func (s *Session) AddLabels(uids []uint32, labels []string) error {
	return s.storeLabels(uids, labels, true)
}

// RemoveLabels removes provider labels from UIDs of the selected folder
func (s *Session) RemoveLabels(uids []uint32, labels []string) error {
	return s.storeLabels(uids, labels, false)
}

func (s *Session) storeLabels(uids []uint32, labels []string, add bool) error {
	if len(uids) == 0 || len(labels) == 0 {
		return nil
	}
	if err := s.requireSelection(); err != nil {
		return err
	}
	if err := s.conn.StoreLabels(uids, labels, add); err != nil {
		return fmt.Errorf("failed to store labels in %s: %w", s.selected, s.check(err))
	}
	return nil
}

// Copy copies UIDs of the selected folder into dest
func (s *Session) Copy(uids []uint32, dest string) error {
	if len(uids) == 0 {
		return nil
	}
	if err := s.requireSelection(); err != nil {
		return err
	}
	if err := s.conn.CopyUIDs(uids, dest); err != nil {
		return fmt.Errorf("failed to copy from %s to %s: %w", s.selected, dest, s.check(err))
	}
	return nil
}

// DeleteUIDs removes UIDs from the selected folder
func (s *Session) DeleteUIDs(uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if err := s.requireSelection(); err != nil {
		return err
	}
	if err := s.conn.ExpungeUIDs(uids); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", s.selected, s.check(err))
	}
	return nil
}

// CreateFolder creates a remote folder
func (s *Session) CreateFolder(name string) error {
	s.invalidateFolders()
	if err := s.conn.CreateMailbox(name); err != nil {
		return fmt.Errorf("failed to create folder %s: %w", name, s.check(err))
	}
	return nil
}

// RenameFolder renames a remote folder
func (s *Session) RenameFolder(from, to string) error {
	s.invalidateFolders()
	if err := s.conn.RenameMailbox(from, to); err != nil {
		return fmt.Errorf("failed to rename folder %s to %s: %w", from, to, s.check(err))
	}
	return nil
}

// DeleteFolder deletes a remote folder
func (s *Session) DeleteFolder(name string) error {
	s.invalidateFolders()
	if s.selected == name {
		s.selected = ""
	}
	if err := s.conn.DeleteMailbox(name); err != nil {
		return fmt.Errorf("failed to delete folder %s: %w", name, s.check(err))
	}
	return nil
}

// FindUIDsByHeader searches the selected folder for a header value
func (s *Session) FindUIDsByHeader(name, value string) ([]uint32, error) {
	if err := s.requireSelection(); err != nil {
		return nil, err
	}
	uids, err := s.conn.SearchHeader(name, value)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", s.selected, s.check(err))
	}
	return uids, nil
}

// FindByHeader reports whether the selected folder holds a message with the header value
func (s *Session) FindByHeader(name, value string) (bool, error) {
	uids, err := s.FindUIDsByHeader(name, value)
	if err != nil {
		return false, err
	}
	return len(uids) > 0, nil
}

// AllUIDs returns every UID of the selected folder
func (s *Session) AllUIDs() ([]uint32, error) {
	if err := s.requireSelection(); err != nil {
		return nil, err
	}
	uids, err := s.conn.SearchAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list uids of %s: %w", s.selected, s.check(err))
	}
	return uids, nil
}

// MessageIDs fetches the Message-ID header of UIDs in the selected folder
func (s *Session) MessageIDs(uids []uint32) (map[uint32]string, error) {
	if len(uids) == 0 {
		return map[uint32]string{}, nil
	}
	if err := s.requireSelection(); err != nil {
		return nil, err
	}
	ids, err := s.conn.FetchMessageIDs(uids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message ids from %s: %w", s.selected, s.check(err))
	}
	return ids, nil
}

// CreateMessage appends a raw message to a folder
func (s *Session) CreateMessage(folder string, raw []byte, flags []string, date time.Time) error {
	if err := s.conn.Append(folder, flags, date, raw); err != nil {
		return fmt.Errorf("failed to append to %s: %w", folder, s.check(err))
	}
	return nil
}

// SaveDraft appends a raw draft to the account's drafts folder
func (s *Session) SaveDraft(ctx context.Context, raw []byte, date time.Time) error {
	drafts, err := s.RoleFolder(ctx, types.RoleDrafts)
	if err != nil {
		return err
	}
	return s.CreateMessage(drafts, raw, []string{imap.DraftFlag, imap.SeenFlag}, date)
}

// DeleteDraft removes every copy of a draft identified by its correlation
// token from the drafts folder and reports whether any copy was found
func (s *Session) DeleteDraft(ctx context.Context, token string, onInvalid UIDInvalidFunc) (bool, error) {
	drafts, err := s.RoleFolder(ctx, types.RoleDrafts)
	if err != nil {
		return false, err
	}
	if err := s.SelectFolder(ctx, drafts, onInvalid); err != nil {
		return false, err
	}
	uids, err := s.FindUIDsByHeader("Message-Id", token)
	if err != nil || len(uids) == 0 {
		return false, err
	}
	if err := s.DeleteUIDs(uids); err != nil {
		return false, err
	}
	return true, nil
}

// Folders returns the remote folder listing with roles resolved
func (s *Session) Folders(ctx context.Context) ([]types.FolderInfo, error) {
	if s.folders != nil {
		return s.folders, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	folders, err := s.conn.ListFolders()
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", s.check(err))
	}

	overridden := make(map[string]types.Role)
	for role, names := range s.overrides {
		for _, name := range names {
			overridden[name] = role
		}
	}

	roles := make(types.RoleMap)
	for i := range folders {
		f := &folders[i]
		if role, ok := overridden[f.Name]; ok {
			f.Role = role
		} else if _, ok := s.overrides[f.Role]; ok {
			// The role was reassigned to another folder by configuration
			f.Role = types.RoleNone
		}
		if f.Role != types.RoleNone && f.Selectable {
			roles[f.Role] = append(roles[f.Role], f.Name)
		}
		if s.delimiter == "" && f.Delimiter != "" {
			s.delimiter = f.Delimiter
		}
	}

	s.folders = folders
	s.roles = roles
	return folders, nil
}

// FolderNames returns the folders holding each canonical role
func (s *Session) FolderNames(ctx context.Context) (types.RoleMap, error) {
	if s.roles == nil {
		if _, err := s.Folders(ctx); err != nil {
			return nil, err
		}
	}
	return s.roles, nil
}

// RoleFolder returns the first folder holding a role, or ErrNoFolder
func (s *Session) RoleFolder(ctx context.Context, role types.Role) (string, error) {
	roles, err := s.FolderNames(ctx)
	if err != nil {
		return "", err
	}
	name, ok := roles.First(role)
	if !ok {
		return "", fmt.Errorf("%s: %w", role, ErrNoFolder)
	}
	return name, nil
}

// Delimiter returns the hierarchy delimiter reported by the server
func (s *Session) Delimiter(ctx context.Context) (string, error) {
	if _, err := s.Folders(ctx); err != nil {
		return "", err
	}
	if s.delimiter == "" {
		return ".", nil
	}
	return s.delimiter, nil
}

func (s *Session) invalidateFolders() {
	s.folders = nil
	s.roles = nil
}
