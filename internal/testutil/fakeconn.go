// Package testutil provides in-memory doubles shared by package tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/brandon/mail-syncback/internal/connpool"
	"github.com/brandon/mail-syncback/pkg/types"
)

// FakeMessage is a message stored by FakeServer
type FakeMessage struct {
	UID       uint32
	MessageID string
	Flags     map[string]bool
	Labels    map[string]bool
	Raw       []byte
}

// FakeFolder is a folder stored by FakeServer
type FakeFolder struct {
	Name        string
	Role        types.Role
	UIDValidity uint32
	NextUID     uint32
	Messages    map[uint32]*FakeMessage
}

// FakeServer is an in-memory mail server shared by every FakeConn dialed for it.
// It records each protocol call in a readable form.
type FakeServer struct {
	mu           sync.Mutex
	folders      map[string]*FakeFolder
	delimiter    string
	nextValidity uint32
	calls        []string
	failures     map[string][]error
}

// NewFakeServer creates an empty server using delim as hierarchy delimiter
func NewFakeServer(delim string) *FakeServer {
	return &FakeServer{
		folders:      make(map[string]*FakeFolder),
		delimiter:    delim,
		nextValidity: 100,
		failures:     make(map[string][]error),
	}
}

// AddFolder creates a folder with the given role and UID validity
func (s *FakeServer) AddFolder(name string, role types.Role, uidValidity uint32) *FakeFolder {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &FakeFolder{Name: name, Role: role, UIDValidity: uidValidity, NextUID: 1, Messages: make(map[uint32]*FakeMessage)}
	s.folders[name] = f
	return f
}

// AddMessage stores a message at a specific UID
func (s *FakeServer) AddMessage(folder string, uid uint32, messageID string, flags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.folders[folder]
	m := &FakeMessage{UID: uid, MessageID: messageID, Flags: make(map[string]bool), Labels: make(map[string]bool)}
	for _, flag := range flags {
		m.Flags[flag] = true
	}
	f.Messages[uid] = m
	if uid >= f.NextUID {
		f.NextUID = uid + 1
	}
}

// RemoveMessage deletes a message as another client would
func (s *FakeServer) RemoveMessage(folder string, uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.folders[folder].Messages, uid)
}

// RemoveFolder deletes a folder as another client would
func (s *FakeServer) RemoveFolder(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.folders, name)
}

// SetUIDValidity changes a folder's UID validity
func (s *FakeServer) SetUIDValidity(folder string, uidValidity uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[folder].UIDValidity = uidValidity
}

// Message returns a stored message or nil
func (s *FakeServer) Message(folder string, uid uint32) *FakeMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[folder]
	if !ok {
		return nil
	}
	return f.Messages[uid]
}

// HasFolder reports whether a folder exists
func (s *FakeServer) HasFolder(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.folders[name]
	return ok
}

// MessagesWithID returns the UIDs in a folder holding a Message-ID
func (s *FakeServer) MessagesWithID(folder, messageID string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[folder]
	if !ok {
		return nil
	}
	return f.search(func(m *FakeMessage) bool { return m.MessageID == messageID })
}

// Calls returns the recorded protocol calls
func (s *FakeServer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallsWithPrefix returns the recorded calls starting with prefix
func (s *FakeServer) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range s.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls forgets the recorded calls
func (s *FakeServer) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// FailNext makes the next call of op (e.g. "SELECT", "COPY") fail with err
func (s *FakeServer) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

func (s *FakeServer) record(op, format string, args ...interface{}) error {
	s.calls = append(s.calls, op+" "+fmt.Sprintf(format, args...))
	if queued := s.failures[op]; len(queued) > 0 {
		s.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *FakeFolder) search(match func(*FakeMessage) bool) []uint32 {
	var uids []uint32
	for uid, m := range f.Messages {
		if match(m) {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// FormatUIDs renders UIDs the way recorded calls show them
func FormatUIDs(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, uid := range uids {
		parts[i] = fmt.Sprint(uid)
	}
	return strings.Join(parts, ",")
}

func nonexistent(name string) error {
	return fmt.Errorf("[NONEXISTENT] No such mailbox: %s", name)
}

// FakeConn is a connection to a FakeServer
type FakeConn struct {
	server   *FakeServer
	selected string
	closed   bool
}

var _ connpool.Conn = (*FakeConn)(nil)

// Select opens a folder
func (c *FakeConn) Select(folder string) (uint32, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("SELECT", "%s", folder); err != nil {
		return 0, err
	}
	f, ok := c.server.folders[folder]
	if !ok {
		c.selected = ""
		return 0, nonexistent(folder)
	}
	c.selected = folder
	return f.UIDValidity, nil
}

func (c *FakeConn) selectedFolder() (*FakeFolder, error) {
	f, ok := c.server.folders[c.selected]
	if !ok {
		return nil, errors.New("BAD no mailbox selected")
	}
	return f, nil
}

func sign(add bool) string {
	if add {
		return "+"
	}
	return "-"
}

// StoreFlags adds or removes flags
func (c *FakeConn) StoreFlags(uids []uint32, flags []string, add bool) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("STORE", "%s %sFLAGS %s %s", c.selected, sign(add), FormatUIDs(uids), strings.Join(flags, " ")); err != nil {
		return err
	}
	f, err := c.selectedFolder()
	if err != nil {
		return err
	}
	for _, uid := range uids {
		if m, ok := f.Messages[uid]; ok {
			for _, flag := range flags {
				m.Flags[flag] = add
				if !add {
					delete(m.Flags, flag)
				}
			}
		}
	}
	return nil
}

// StoreLabels adds or removes labels
func (c *FakeConn) StoreLabels(uids []uint32, labels []string, add bool) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("LABELS", "%s %sX-GM-LABELS %s %s", c.selected, sign(add), FormatUIDs(uids), strings.Join(labels, " ")); err != nil {
		return err
	}
	f, err := c.selectedFolder()
	if err != nil {
		return err
	}
	for _, uid := range uids {
		if m, ok := f.Messages[uid]; ok {
			for _, label := range labels {
				if add {
					m.Labels[label] = true
				} else {
					delete(m.Labels, label)
				}
			}
		}
	}
	return nil
}

// CopyUIDs copies messages into dest with fresh UIDs
func (c *FakeConn) CopyUIDs(uids []uint32, dest string) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("COPY", "%s %s %s", c.selected, FormatUIDs(uids), dest); err != nil {
		return err
	}
	f, err := c.selectedFolder()
	if err != nil {
		return err
	}
	d, ok := c.server.folders[dest]
	if !ok {
		return fmt.Errorf("[TRYCREATE] No such mailbox: %s", dest)
	}
	for _, uid := range uids {
		m, ok := f.Messages[uid]
		if !ok {
			continue
		}
		cp := &FakeMessage{UID: d.NextUID, MessageID: m.MessageID, Flags: make(map[string]bool), Labels: make(map[string]bool), Raw: m.Raw}
		for k, v := range m.Flags {
			cp.Flags[k] = v
		}
		d.Messages[cp.UID] = cp
		d.NextUID++
	}
	return nil
}

// ExpungeUIDs removes messages from the selected folder
func (c *FakeConn) ExpungeUIDs(uids []uint32) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("EXPUNGE", "%s %s", c.selected, FormatUIDs(uids)); err != nil {
		return err
	}
	f, err := c.selectedFolder()
	if err != nil {
		return err
	}
	for _, uid := range uids {
		delete(f.Messages, uid)
	}
	return nil
}

// CreateMailbox creates a folder
func (c *FakeConn) CreateMailbox(name string) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("CREATE", "%s", name); err != nil {
		return err
	}
	if _, ok := c.server.folders[name]; ok {
		return fmt.Errorf("[ALREADYEXISTS] Mailbox already exists: %s", name)
	}
	c.server.nextValidity++
	c.server.folders[name] = &FakeFolder{Name: name, UIDValidity: c.server.nextValidity, NextUID: 1, Messages: make(map[uint32]*FakeMessage)}
	return nil
}

// RenameMailbox renames a folder
func (c *FakeConn) RenameMailbox(from, to string) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("RENAME", "%s %s", from, to); err != nil {
		return err
	}
	f, ok := c.server.folders[from]
	if !ok {
		return nonexistent(from)
	}
	if _, ok := c.server.folders[to]; ok {
		return fmt.Errorf("[ALREADYEXISTS] Mailbox already exists: %s", to)
	}
	delete(c.server.folders, from)
	f.Name = to
	c.server.folders[to] = f
	return nil
}

// DeleteMailbox deletes a folder
func (c *FakeConn) DeleteMailbox(name string) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("DELETE", "%s", name); err != nil {
		return err
	}
	if _, ok := c.server.folders[name]; !ok {
		return nonexistent(name)
	}
	delete(c.server.folders, name)
	return nil
}

// Append stores a raw message
func (c *FakeConn) Append(folder string, flags []string, date time.Time, msg []byte) error {
	env, parseErr := enmime.ReadEnvelope(bytes.NewReader(msg))

	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("APPEND", "%s %s", folder, strings.Join(flags, " ")); err != nil {
		return err
	}
	if parseErr != nil {
		return fmt.Errorf("BAD unparseable message: %w", parseErr)
	}
	f, ok := c.server.folders[folder]
	if !ok {
		return fmt.Errorf("[TRYCREATE] No such mailbox: %s", folder)
	}
	m := &FakeMessage{UID: f.NextUID, MessageID: env.GetHeader("Message-Id"), Flags: make(map[string]bool), Labels: make(map[string]bool), Raw: msg}
	for _, flag := range flags {
		m.Flags[flag] = true
	}
	f.Messages[m.UID] = m
	f.NextUID++
	return nil
}

// SearchHeader finds messages by header; only Message-Id is indexed
func (c *FakeConn) SearchHeader(name, value string) ([]uint32, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("SEARCH", "%s HEADER %s %s", c.selected, name, value); err != nil {
		return nil, err
	}
	f, err := c.selectedFolder()
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(name, "Message-Id") {
		return nil, nil
	}
	return f.search(func(m *FakeMessage) bool { return m.MessageID == value }), nil
}

// SearchAll returns every UID of the selected folder
func (c *FakeConn) SearchAll() ([]uint32, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("SEARCH", "%s ALL", c.selected); err != nil {
		return nil, err
	}
	f, err := c.selectedFolder()
	if err != nil {
		return nil, err
	}
	return f.search(func(*FakeMessage) bool { return true }), nil
}

// FetchMessageIDs returns the Message-ID of each existing UID
func (c *FakeConn) FetchMessageIDs(uids []uint32) (map[uint32]string, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("FETCH", "%s %s", c.selected, FormatUIDs(uids)); err != nil {
		return nil, err
	}
	f, err := c.selectedFolder()
	if err != nil {
		return nil, err
	}
	ids := make(map[uint32]string, len(uids))
	for _, uid := range uids {
		if m, ok := f.Messages[uid]; ok {
			ids[uid] = m.MessageID
		}
	}
	return ids, nil
}

// ListFolders lists folders in name order
func (c *FakeConn) ListFolders() ([]types.FolderInfo, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.server.record("LIST", "*"); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(c.server.folders))
	for name := range c.server.folders {
		names = append(names, name)
	}
	sort.Strings(names)

	folders := make([]types.FolderInfo, len(names))
	for i, name := range names {
		folders[i] = types.FolderInfo{
			Name:       name,
			Delimiter:  c.server.delimiter,
			Role:       c.server.folders[name].Role,
			Selectable: true,
		}
	}
	return folders, nil
}

// Noop checks the connection
func (c *FakeConn) Noop() error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.closed {
		return errors.New("use of closed network connection")
	}
	return c.server.record("NOOP", "")
}

// Close logs out
func (c *FakeConn) Close() error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	c.closed = true
	c.server.calls = append(c.server.calls, "LOGOUT")
	return nil
}

// FakeDialer dials FakeConns to per-account FakeServers
type FakeDialer struct {
	mu      sync.Mutex
	servers map[string]*FakeServer
	dials   int
	err     error
}

// NewFakeDialer creates a dialer with no servers
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{servers: make(map[string]*FakeServer)}
}

// Serve registers the server reached by an account
func (d *FakeDialer) Serve(accountID string, server *FakeServer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servers[accountID] = server
}

// SetError makes every following dial fail with err; nil restores dialing
func (d *FakeDialer) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Dials returns the number of dial attempts
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Dial implements connpool.Dialer
func (d *FakeDialer) Dial(ctx context.Context, acct *types.Account) (connpool.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	server, ok := d.servers[acct.ID]
	if !ok {
		return nil, fmt.Errorf("dial tcp: no such host for account %s", acct.ID)
	}
	return &FakeConn{server: server}, nil
}
