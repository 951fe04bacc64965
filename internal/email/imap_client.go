package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/utf7"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-syncback/internal/config"
	"github.com/brandon/mail-syncback/internal/connpool"
	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

// IMAPClient wraps an IMAP client connection
type IMAPClient struct {
	config  *config.AccountConfig
	client  *client.Client
	logger  *logrus.Logger
	timeout time.Duration
}

var _ connpool.Conn = (*IMAPClient)(nil)

// NewIMAPClient creates a new IMAP client (does not connect immediately)
func NewIMAPClient(cfg *config.AccountConfig, timeout time.Duration, logger *logrus.Logger) *IMAPClient {
	return &IMAPClient{
		config:  cfg,
		logger:  logger,
		timeout: timeout,
	}
}

// Connect establishes an authenticated connection to the IMAP server. Network
// failures are transient, rejected logins are credential failures.
func (c *IMAPClient) Connect(ctx context.Context, password string) error {
	if c.client != nil {
		return nil
	}

	addr := net.JoinHostPort(c.config.IMAPHost, strconv.Itoa(c.config.IMAPPort))
	tlsConfig := &tls.Config{
		ServerName: c.config.IMAPHost,
		MinVersion: tls.VersionTLS12,
	}

	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return reliability.Transient("connect", fmt.Errorf("failed to connect to IMAP server: %w", err))
	}

	if c.config.IMAPSecurity == config.SecurityTLS {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return reliability.Transient("connect", fmt.Errorf("failed TLS handshake: %w", err))
		}
		conn = tlsConn
	}

	cl, err := client.New(conn)
	if err != nil {
		conn.Close()
		return reliability.Transient("connect", fmt.Errorf("failed to greet IMAP server: %w", err))
	}
	cl.Timeout = c.timeout

	if c.config.IMAPSecurity == config.SecuritySTARTTLS {
		if err := cl.StartTLS(tlsConfig); err != nil {
			cl.Terminate() //nolint:errcheck
			return reliability.Transient("connect", fmt.Errorf("failed STARTTLS: %w", err))
		}
	}

	if err := c.authenticate(cl, password); err != nil {
		c.logger.WithError(err).WithField("account", c.config.Name).Error("Failed to login to IMAP server")
		cl.Logout() //nolint:errcheck
		if reliability.IsTransient(err) {
			return reliability.Transient("login", err)
		}
		return reliability.Credential("login", fmt.Errorf("failed to login to IMAP server: %w", err))
	}

	c.client = cl
	c.logger.WithField("account", c.config.Name).Info("Connected to IMAP server")
	return nil
}

func (c *IMAPClient) authenticate(cl *client.Client, password string) error {
	if c.config.OAuthToken != "" {
		return cl.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: c.config.IMAPUsername,
			Token:    c.config.OAuthToken,
		}))
	}
	return cl.Login(c.config.IMAPUsername, password)
}

// Close logs out and closes the connection
func (c *IMAPClient) Close() error {
	if c.client == nil {
		return nil
	}
	cl := c.client
	c.client = nil
	if err := cl.Logout(); err != nil {
		cl.Terminate() //nolint:errcheck
		return err
	}
	return nil
}

// fail wraps a protocol error with the failure class it belongs to
func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	err = fmt.Errorf("failed to %s: %w", op, err)
	switch reliability.Classify(err) {
	case reliability.ClassTransient:
		return reliability.Transient(op, err)
	case reliability.ClassCredential:
		return reliability.Credential(op, err)
	case reliability.ClassSemantic:
		return reliability.Semantic(op, err)
	}
	return err
}

func uidSet(uids []uint32) *imap.SeqSet {
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	return set
}

// Select selects a folder read-write and returns its UID validity
func (c *IMAPClient) Select(folder string) (uint32, error) {
	mbox, err := c.client.Select(folder, false)
	if err != nil {
		return 0, fail("select folder", err)
	}
	return mbox.UidValidity, nil
}

// StoreFlags adds or removes flags on UIDs of the selected folder
func (c *IMAPClient) StoreFlags(uids []uint32, flags []string, add bool) error {
	op := imap.FlagsOp(imap.RemoveFlags)
	if add {
		op = imap.FlagsOp(imap.AddFlags)
	}
	values := make([]interface{}, len(flags))
	for i, flag := range flags {
		values[i] = flag
	}
	return fail("store flags", c.client.UidStore(uidSet(uids), imap.FormatFlagsOp(op, true), values, nil))
}

// StoreLabels adds or removes Gmail labels on UIDs of the selected folder
func (c *IMAPClient) StoreLabels(uids []uint32, labels []string, add bool) error {
	item, values, err := labelStore(labels, add)
	if err != nil {
		return reliability.Semantic("store labels", err)
	}
	return fail("store labels", c.client.UidStore(uidSet(uids), item, values, nil))
}

func labelStore(labels []string, add bool) (imap.StoreItem, []interface{}, error) {
	item := imap.StoreItem("-X-GM-LABELS")
	if add {
		item = imap.StoreItem("+X-GM-LABELS")
	}
	values := make([]interface{}, 0, len(labels))
	for _, label := range labels {
		encoded, err := encodeLabel(label)
		if err != nil {
			return "", nil, err
		}
		values = append(values, encoded)
	}
	return item, values, nil
}

// encodeLabel renders a label for X-GM-LABELS. System labels such as \Inbox
// go out as atoms; user labels are modified UTF-7 strings that the writer
// quotes itself.
func encodeLabel(label string) (interface{}, error) {
	if strings.HasPrefix(label, `\`) {
		return imap.RawString(label), nil
	}
	encoded, err := utf7.Encoding.NewEncoder().String(label)
	if err != nil {
		return nil, fmt.Errorf("failed to encode label %q: %w", label, err)
	}
	return encoded, nil
}

// CopyUIDs copies UIDs of the selected folder into dest
func (c *IMAPClient) CopyUIDs(uids []uint32, dest string) error {
	return fail("copy messages", c.client.UidCopy(uidSet(uids), dest))
}

// uidExpunge is UID EXPUNGE from RFC 4315
type uidExpunge struct {
	seqSet *imap.SeqSet
}

func (cmd *uidExpunge) Command() *imap.Command {
	return &imap.Command{
		Name:      "UID",
		Arguments: []interface{}{imap.RawString("EXPUNGE"), cmd.seqSet},
	}
}

// ExpungeUIDs flags UIDs deleted and expunges them. Without UIDPLUS the whole
// folder is expunged, which also removes messages other clients flagged.
func (c *IMAPClient) ExpungeUIDs(uids []uint32) error {
	set := uidSet(uids)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.client.UidStore(set, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fail("flag messages deleted", err)
	}
	uidplus, err := c.client.Support("UIDPLUS")
	if err != nil {
		return fail("expunge", err)
	}
	if !uidplus {
		return fail("expunge", c.client.Expunge(nil))
	}
	status, err := c.client.Execute(&uidExpunge{seqSet: set}, nil)
	if err == nil {
		err = status.Err()
	}
	return fail("expunge", err)
}

// CreateMailbox creates a folder
func (c *IMAPClient) CreateMailbox(name string) error {
	return fail("create folder", c.client.Create(name))
}

// RenameMailbox renames a folder
func (c *IMAPClient) RenameMailbox(from, to string) error {
	return fail("rename folder", c.client.Rename(from, to))
}

// DeleteMailbox deletes a folder
func (c *IMAPClient) DeleteMailbox(name string) error {
	return fail("delete folder", c.client.Delete(name))
}

// Append stores a raw message in a folder
func (c *IMAPClient) Append(folder string, flags []string, date time.Time, msg []byte) error {
	return fail("append message", c.client.Append(folder, flags, date, bytes.NewBuffer(msg)))
}

// SearchHeader returns the UIDs of the selected folder whose header matches
func (c *IMAPClient) SearchHeader(name, value string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add(name, value)
	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, fail("search messages", err)
	}
	return uids, nil
}

// SearchAll returns every UID of the selected folder
func (c *IMAPClient) SearchAll() ([]uint32, error) {
	uids, err := c.client.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, fail("search messages", err)
	}
	return uids, nil
}

// FetchMessageIDs returns the Message-ID of each UID from its envelope
func (c *IMAPClient) FetchMessageIDs(uids []uint32) (map[uint32]string, error) {
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.client.UidFetch(uidSet(uids), []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope}, messages)
	}()

	ids := make(map[uint32]string, len(uids))
	for msg := range messages {
		if msg.Envelope != nil {
			ids[msg.Uid] = msg.Envelope.MessageId
		}
	}

	if err := <-done; err != nil {
		return nil, fail("fetch envelopes", err)
	}
	return ids, nil
}

// ListFolders lists all mailboxes with their canonical roles
func (c *IMAPClient) ListFolders() ([]types.FolderInfo, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.client.List("", "*", mailboxes)
	}()

	var folders []types.FolderInfo
	for m := range mailboxes {
		folders = append(folders, types.FolderInfo{
			Name:       m.Name,
			Delimiter:  m.Delimiter,
			Attributes: m.Attributes,
			Role:       RoleForFolder(m.Name, m.Delimiter, m.Attributes),
			Selectable: !hasAttribute(m.Attributes, imap.NoSelectAttr),
		})
	}

	if err := <-done; err != nil {
		return nil, fail("list folders", err)
	}
	return folders, nil
}

// Noop checks that the connection is alive
func (c *IMAPClient) Noop() error {
	if c.client == nil {
		return reliability.Transient("noop", fmt.Errorf("not connected"))
	}
	return fail("noop", c.client.Noop())
}
