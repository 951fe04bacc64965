package email

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mail-syncback/internal/config"
	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

func newTestServer(t *testing.T) *config.AccountConfig {
	t.Helper()
	s := server.New(memory.New())
	s.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(l) //nolint:errcheck
	t.Cleanup(func() { s.Close() })

	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return &config.AccountConfig{
		Name:         "test",
		IMAPHost:     host,
		IMAPPort:     p,
		IMAPUsername: "username",
		IMAPSecurity: config.SecurityNone,
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestIMAPClientMailboxLifecycle(t *testing.T) {
	cfg := newTestServer(t)
	c := NewIMAPClient(cfg, 5*time.Second, quietLogger())
	require.NoError(t, c.Connect(context.Background(), "password"))
	defer c.Close()

	require.NoError(t, c.Noop())

	folders, err := c.ListFolders()
	require.NoError(t, err)
	var inbox *types.FolderInfo
	for i := range folders {
		if folders[i].Name == "INBOX" {
			inbox = &folders[i]
		}
	}
	require.NotNil(t, inbox)
	assert.Equal(t, types.RoleInbox, inbox.Role)
	assert.True(t, inbox.Selectable)

	require.NoError(t, c.CreateMailbox("Receipts"))
	raw, err := Compose(&types.Message{ID: "m1", Subject: "hi", BodyText: "hello"}, "<m1-0@test>", time.Now())
	require.NoError(t, err)
	require.NoError(t, c.Append("Receipts", []string{imap.SeenFlag}, time.Now(), raw))

	validity, err := c.Select("Receipts")
	require.NoError(t, err)
	assert.NotZero(t, validity)

	uids, err := c.SearchAll()
	require.NoError(t, err)
	require.Len(t, uids, 1)

	ids, err := c.FetchMessageIDs(uids)
	require.NoError(t, err)
	assert.Equal(t, "<m1-0@test>", ids[uids[0]])

	require.NoError(t, c.StoreFlags(uids, []string{imap.FlaggedFlag}, true))
	assert.Contains(t, fetchFlags(t, c, uids[0]), imap.FlaggedFlag)
	require.NoError(t, c.StoreFlags(uids, []string{imap.SeenFlag}, false))
	assert.NotContains(t, fetchFlags(t, c, uids[0]), imap.SeenFlag)

	require.NoError(t, c.CopyUIDs(uids, "INBOX"))
	require.NoError(t, c.ExpungeUIDs(uids))

	uids, err = c.SearchAll()
	require.NoError(t, err)
	assert.Empty(t, uids)

	require.NoError(t, c.RenameMailbox("Receipts", "Old Receipts"))
	require.NoError(t, c.DeleteMailbox("Old Receipts"))
}

func fetchFlags(t *testing.T, c *IMAPClient, uid uint32) []string {
	t.Helper()
	messages := make(chan *imap.Message, 1)
	require.NoError(t, c.client.UidFetch(uidSet([]uint32{uid}), []imap.FetchItem{imap.FetchFlags, imap.FetchUid}, messages))
	msg := <-messages
	require.NotNil(t, msg)
	return msg.Flags
}

func TestUIDExpungeCommandLine(t *testing.T) {
	var buf bytes.Buffer
	cmd := &uidExpunge{seqSet: uidSet([]uint32{3, 4, 9})}
	require.NoError(t, cmd.Command().WriteTo(imap.NewClientWriter(&buf, nil)))
	assert.Equal(t, "* UID EXPUNGE 3:4,9\r\n", buf.String())
}

func TestIMAPClientExpungeUIDsRemovesOnlyGivenUIDs(t *testing.T) {
	cfg := newTestServer(t)
	c := NewIMAPClient(cfg, 5*time.Second, quietLogger())
	require.NoError(t, c.Connect(context.Background(), "password"))
	defer c.Close()

	require.NoError(t, c.CreateMailbox("Trash"))
	for _, id := range []string{"a", "b"} {
		raw, err := Compose(&types.Message{ID: id, Subject: id, BodyText: id}, "<"+id+"@test>", time.Now())
		require.NoError(t, err)
		require.NoError(t, c.Append("Trash", nil, time.Now(), raw))
	}
	_, err := c.Select("Trash")
	require.NoError(t, err)
	uids, err := c.SearchAll()
	require.NoError(t, err)
	require.Len(t, uids, 2)

	require.NoError(t, c.ExpungeUIDs(uids[:1]))
	left, err := c.SearchAll()
	require.NoError(t, err)
	assert.Equal(t, uids[1:], left)
}

func TestIMAPClientRejectedLoginIsCredentialError(t *testing.T) {
	cfg := newTestServer(t)
	c := NewIMAPClient(cfg, 5*time.Second, quietLogger())

	err := c.Connect(context.Background(), "wrong")
	require.Error(t, err)
	assert.Equal(t, reliability.ClassCredential, reliability.Classify(err))
}

func TestIMAPClientUnreachableServerIsTransient(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	c := NewIMAPClient(&config.AccountConfig{
		Name:         "down",
		IMAPHost:     "127.0.0.1",
		IMAPPort:     addr.Port,
		IMAPSecurity: config.SecurityNone,
	}, time.Second, quietLogger())

	err = c.Connect(context.Background(), "password")
	require.Error(t, err)
	assert.True(t, reliability.IsTransient(err))
}
