package connpool_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mail-syncback/internal/connpool"
	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/internal/testutil"
	"github.com/brandon/mail-syncback/pkg/types"
)

type poolFixture struct {
	pool   *connpool.Pool
	dialer *testutil.FakeDialer
	server *testutil.FakeServer
	acct   *types.Account
}

func newPoolFixture(t *testing.T, opts connpool.Options) *poolFixture {
	t.Helper()
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st, "acct", types.FamilyGeneric)

	server := testutil.NewFakeServer("/")
	server.AddFolder("INBOX", types.RoleInbox, 1)
	server.AddFolder("Drafts", types.RoleDrafts, 1)
	server.AddFolder("Brouillons", types.RoleNone, 1)

	dialer := testutil.NewFakeDialer()
	dialer.Serve("acct", server)

	pool := connpool.New(dialer, st, opts, testutil.NewLogger())
	t.Cleanup(func() { pool.Close() })
	return &poolFixture{pool: pool, dialer: dialer, server: server, acct: acct}
}

func TestAcquireIsBoundedPerAccount(t *testing.T) {
	f := newPoolFixture(t, connpool.Options{Size: 1})
	ctx := context.Background()

	s1, err := f.pool.Acquire(ctx, f.acct)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = f.pool.Acquire(waitCtx, f.acct)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.pool.Release(s1, nil)
	s2, err := f.pool.Acquire(ctx, f.acct)
	require.NoError(t, err)
	f.pool.Release(s2, nil)

	assert.Equal(t, 1, f.dialer.Dials(), "a healthy connection is reused")
}

func TestTransientFailureDiscardsConnection(t *testing.T) {
	f := newPoolFixture(t, connpool.Options{Size: 1})
	ctx := context.Background()

	err := f.pool.Run(ctx, f.acct, func(s *connpool.Session) error {
		return reliability.Transient("noop", io.EOF)
	})
	require.Error(t, err)

	err = f.pool.Run(ctx, f.acct, func(s *connpool.Session) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, f.dialer.Dials())
}

func TestRunReleasesOnPanic(t *testing.T) {
	f := newPoolFixture(t, connpool.Options{Size: 1})
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = f.pool.Run(ctx, f.acct, func(s *connpool.Session) error { panic("handler bug") })
	})

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.pool.Run(waitCtx, f.acct, func(s *connpool.Session) error { return nil }))
}

func TestDialFailureReleasesSlot(t *testing.T) {
	f := newPoolFixture(t, connpool.Options{Size: 1})
	ctx := context.Background()

	f.dialer.SetError(reliability.Credential("login", errors.New("bad password")))
	_, err := f.pool.Acquire(ctx, f.acct)
	require.Error(t, err)
	assert.True(t, reliability.IsCredential(err))

	f.dialer.SetError(nil)
	s, err := f.pool.Acquire(ctx, f.acct)
	require.NoError(t, err)
	f.pool.Release(s, nil)
}

func TestSelectFolderUIDValidity(t *testing.T) {
	f := newPoolFixture(t, connpool.Options{Size: 1})
	ctx := context.Background()

	err := f.pool.Run(ctx, f.acct, func(s *connpool.Session) error {
		require.NoError(t, s.SelectFolder(ctx, "INBOX", nil))
		assert.Equal(t, "INBOX", s.Selected())

		f.server.SetUIDValidity("INBOX", 2)
		err := s.SelectFolder(ctx, "INBOX", nil)
		assert.ErrorIs(t, err, reliability.ErrUIDValidityChanged)
		assert.True(t, reliability.IsTransient(err))

		var gotStored, gotCurrent uint32
		err = s.SelectFolder(ctx, "INBOX", func(_ context.Context, folder string, stored, current uint32) error {
			gotStored, gotCurrent = stored, current
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, uint32(1), gotStored)
		assert.Equal(t, uint32(2), gotCurrent)
		return nil
	})
	require.NoError(t, err)
}

func TestPerUIDOperationsRequireSelection(t *testing.T) {
	f := newPoolFixture(t, connpool.Options{Size: 1})
	err := f.pool.Run(context.Background(), f.acct, func(s *connpool.Session) error {
		assert.ErrorIs(t, s.AddFlags([]uint32{1}, `\Seen`), connpool.ErrNoSelection)
		assert.ErrorIs(t, s.Copy([]uint32{1}, "INBOX"), connpool.ErrNoSelection)
		assert.NoError(t, s.DeleteUIDs(nil), "empty UID sets are a no-op")
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, f.server.CallsWithPrefix("STORE"))
}

func TestFolderNamesHonourOverrides(t *testing.T) {
	f := newPoolFixture(t, connpool.Options{
		Size: 1,
		RoleOverrides: func(accountID string) types.RoleMap {
			return types.RoleMap{types.RoleDrafts: {"Brouillons"}}
		},
	})
	ctx := context.Background()

	err := f.pool.Run(ctx, f.acct, func(s *connpool.Session) error {
		roles, err := s.FolderNames(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Brouillons"}, roles[types.RoleDrafts])
		assert.Equal(t, []string{"INBOX"}, roles[types.RoleInbox])

		delim, err := s.Delimiter(ctx)
		require.NoError(t, err)
		assert.Equal(t, "/", delim)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, f.server.CallsWithPrefix("LIST"), 1, "the folder listing is cached for the session")
}

func TestDraftSaveAndDelete(t *testing.T) {
	f := newPoolFixture(t, connpool.Options{Size: 1})
	ctx := context.Background()
	raw := []byte("Message-Id: <d-1@test>\r\nSubject: draft\r\n\r\nbody\r\n")

	err := f.pool.Run(ctx, f.acct, func(s *connpool.Session) error {
		require.NoError(t, s.SaveDraft(ctx, raw, time.Now()))
		assert.Len(t, f.server.MessagesWithID("Drafts", "<d-1@test>"), 1)

		found, err := s.DeleteDraft(ctx, "<d-1@test>", nil)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Empty(t, f.server.MessagesWithID("Drafts", "<d-1@test>"))

		found, err = s.DeleteDraft(ctx, "<d-1@test>", nil)
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	})
	require.NoError(t, err)
}
