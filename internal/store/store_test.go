package store

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

// fakeClock is a settable time source
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s.SetClock(clock.now)
	return s, clock
}

func seedAccount(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.UpsertAccount(context.Background(), &types.Account{
		ID: id, Email: id + "@example.com", Provider: types.FamilyGeneric,
	}))
}

func TestMigrationsAreIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.runMigrations())

	var version int
	require.NoError(t, s.db.Get(&version, "SELECT MAX(version) FROM schema_version"))
	assert.Equal(t, len(migrations), version)
}

func TestAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	seedAccount(t, s, "acct")

	acct, err := s.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.SyncNotRunning, acct.SyncState)
	assert.False(t, acct.SyncShouldRun)

	// Starting without intent is refused
	err = s.MarkSyncRunning(ctx, "acct", "host-a")
	assert.ErrorIs(t, err, reliability.ErrSyncNotRequested)

	require.NoError(t, s.RequestStart(ctx, "acct"))
	require.NoError(t, s.MarkSyncRunning(ctx, "acct", "host-a"))
	acct, err = s.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.SyncRunning, acct.SyncState)
	assert.True(t, acct.SyncShouldRun)
	assert.Equal(t, "host-a", acct.SyncHost)
	assert.Equal(t, types.SyncTypeNew, acct.Status.SyncType)
	require.NotNil(t, acct.Status.SyncStartTime)

	require.NoError(t, s.RequestStop(ctx, "acct"))
	shouldRun, stop, err := s.SyncControl(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, shouldRun, "intent stays set while the supervisor is still running")
	assert.True(t, stop)

	clock.advance(time.Minute)
	require.NoError(t, s.MarkSyncStopped(ctx, "acct", true))
	acct, err = s.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStopped, acct.SyncState)
	assert.False(t, acct.SyncShouldRun)
	assert.False(t, acct.StopRequested)
	assert.Empty(t, acct.SyncHost)
	require.NotNil(t, acct.Status.SyncEndTime)

	// A second start is a resumed sync
	require.NoError(t, s.RequestStart(ctx, "acct"))
	require.NoError(t, s.MarkSyncRunning(ctx, "acct", "host-b"))
	acct, err = s.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.SyncTypeResumed, acct.Status.SyncType)
	assert.Nil(t, acct.Status.SyncEndTime)
}

func TestTerminalTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		apply         func(s *Store) error
		wantState     types.SyncState
		wantShouldRun bool
		wantHost      string
	}{
		{"killed keeps intent and host", func(s *Store) error { return s.MarkSyncKilled(ctx, "acct", "panic: boom") },
			types.SyncKilled, true, "host-a"},
		{"invalid clears intent", func(s *Store) error { return s.MarkSyncInvalid(ctx, "acct", "bad password") },
			types.SyncInvalid, false, ""},
		{"connection error keeps intent", func(s *Store) error { return s.MarkSyncConnectionError(ctx, "acct", "refused") },
			types.SyncConnectionError, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			seedAccount(t, s, "acct")
			require.NoError(t, s.RequestStart(ctx, "acct"))
			require.NoError(t, s.MarkSyncRunning(ctx, "acct", "host-a"))

			require.NoError(t, tt.apply(s))
			acct, err := s.GetAccount(ctx, "acct")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, acct.SyncState)
			assert.Equal(t, tt.wantShouldRun, acct.SyncShouldRun)
			assert.Equal(t, tt.wantHost, acct.SyncHost)
			assert.NotEmpty(t, acct.Status.SyncError)
		})
	}
}

func TestRequestStopOnIdleAccountClearsIntent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	seedAccount(t, s, "acct")
	require.NoError(t, s.RequestStart(ctx, "acct"))
	require.NoError(t, s.RequestStop(ctx, "acct"))

	shouldRun, stop, err := s.SyncControl(ctx, "acct")
	require.NoError(t, err)
	assert.False(t, shouldRun)
	assert.False(t, stop)

	assert.ErrorIs(t, s.RequestStop(ctx, "missing"), reliability.ErrNotFound)
}

func TestRequestStartRevivesFailedAccount(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	seedAccount(t, s, "acct")
	require.NoError(t, s.RequestStart(ctx, "acct"))
	require.NoError(t, s.MarkSyncRunning(ctx, "acct", "host-a"))
	require.NoError(t, s.MarkSyncInvalid(ctx, "acct", "AUTHENTICATIONFAILED"))

	require.NoError(t, s.RequestStart(ctx, "acct"))
	acct, err := s.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStopped, acct.SyncState)
	assert.True(t, acct.SyncShouldRun)
	assert.True(t, acct.SyncState.Restartable())
}

func TestClaimNextActionOrdering(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	seedAccount(t, s, "acct")

	enqueue := func(kind types.ActionKind, target string) *types.Action {
		a := &types.Action{AccountID: "acct", Kind: kind, TargetID: target}
		require.NoError(t, s.EnqueueAction(ctx, a))
		clock.advance(time.Millisecond)
		return a
	}
	star := enqueue(types.ActionSetStarred, "m1")
	unstar := enqueue(types.ActionSetStarred, "m1")
	other := enqueue(types.ActionSetUnread, "m2")

	claimed, err := s.ClaimNextAction(ctx, "acct", "worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, star.ID, claimed.ID)
	assert.Equal(t, types.ActionExecuting, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	// The star is rescheduled into the future; the later unstar must not overtake it
	require.NoError(t, s.RescheduleAction(ctx, star.ID, "busy", clock.now().Add(time.Hour)))
	claimed, err = s.ClaimNextAction(ctx, "acct", "worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, other.ID, claimed.ID)
	require.NoError(t, s.CompleteAction(ctx, other.ID))

	claimed, err = s.ClaimNextAction(ctx, "acct", "worker")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	clock.advance(2 * time.Hour)
	claimed, err = s.ClaimNextAction(ctx, "acct", "worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, star.ID, claimed.ID)
	assert.Equal(t, 2, claimed.Attempts)
	require.NoError(t, s.FailAction(ctx, star.ID, "rejected"))

	claimed, err = s.ClaimNextAction(ctx, "acct", "worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, unstar.ID, claimed.ID)

	// A claimed action cannot be claimed twice
	again, err := s.ClaimNextAction(ctx, "acct", "other-worker")
	require.NoError(t, err)
	assert.Nil(t, again)

	failed, err := s.ListActions(ctx, ActionFilter{AccountID: "acct", Status: types.ActionPermanentlyFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "rejected", failed[0].LastError)
	assert.NotNil(t, failed[0].CompletedAt)
}

func TestReleaseStaleClaims(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	seedAccount(t, s, "acct")

	a := &types.Action{AccountID: "acct", Kind: types.ActionMove, TargetID: "m1", Payload: []byte(`{"destination":"Archive"}`)}
	require.NoError(t, s.EnqueueAction(ctx, a))
	_, err := s.ClaimNextAction(ctx, "acct", "crashed")
	require.NoError(t, err)

	n, err := s.ReleaseStaleClaims(ctx, "acct", "fresh")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	claimed, err := s.ClaimNextAction(ctx, "acct", "fresh")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "fresh", claimed.ClaimedBy)

	var payload types.MovePayload
	require.NoError(t, claimed.DecodePayload(&payload))
	assert.Equal(t, "Archive", payload.Destination)

	pending, err := s.PendingAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReleaseStaleClaimsSparesLiveLeaseOwner(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	seedAccount(t, s, "acct")

	a := &types.Action{AccountID: "acct", Kind: types.ActionSetStarred, TargetID: "m1"}
	require.NoError(t, s.EnqueueAction(ctx, a))
	ok, err := s.AcquireLease(ctx, "acct", "cli/1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	claimed, err := s.ClaimNextAction(ctx, "acct", "cli/1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := s.ReleaseStaleClaims(ctx, "acct", "daemon/1")
	require.NoError(t, err)
	assert.Zero(t, n, "claims of the live lease owner stay executing")
	next, err := s.ClaimNextAction(ctx, "acct", "daemon/1")
	require.NoError(t, err)
	assert.Nil(t, next)

	clock.advance(2 * time.Minute)
	n, err = s.ReleaseStaleClaims(ctx, "acct", "daemon/1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "an expired owner's claims are requeued")

	// The caller's own leftover claims are stale too
	claimed, err = s.ClaimNextAction(ctx, "acct", "daemon/1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	ok, err = s.AcquireLease(ctx, "acct", "daemon/1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	n, err = s.ReleaseStaleClaims(ctx, "acct", "daemon/1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLeaseExclusivity(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	ok, err := s.AcquireLease(ctx, "acct", "a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "acct", "b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "a live lease is exclusive")

	renewed, err := s.RenewLease(ctx, "acct", "b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, renewed)

	clock.advance(11 * time.Second)
	ok, err = s.AcquireLease(ctx, "acct", "b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lease can be taken over")

	renewed, err = s.RenewLease(ctx, "acct", "a", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, renewed)

	require.NoError(t, s.ReleaseLease(ctx, "acct", "b"))
	held, err := s.LeaseHeld(ctx, "acct")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestPurgeAndRenameFolder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	seedAccount(t, s, "acct")

	msg := &types.Message{AccountID: "acct", MessageIDHeader: "<m1@example.com>"}
	require.NoError(t, s.UpsertMessage(ctx, msg))
	require.NoError(t, s.AddUIDs(ctx, "acct", []types.UIDMapping{
		{MessageID: msg.ID, Folder: "INBOX", UID: 10},
		{MessageID: msg.ID, Folder: "Receipts", UID: 3},
		{MessageID: msg.ID, Folder: "Old", UID: 8},
	}))
	require.NoError(t, s.SetUIDValidity(ctx, "acct", "Receipts", 5))
	require.NoError(t, s.SetUIDValidity(ctx, "acct", "Drafts", 9))

	folders, err := s.MappedFolders(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, []string{"Drafts", "INBOX", "Old", "Receipts"}, folders)

	require.NoError(t, s.PurgeFolder(ctx, "acct", "Old"))
	require.NoError(t, s.PurgeFolder(ctx, "acct", "Drafts"))
	require.NoError(t, s.RenameFolder(ctx, "acct", "Receipts", "Invoices"))

	folders, err = s.MappedFolders(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, []string{"INBOX", "Invoices"}, folders)

	mappings, err := s.UIDMappings(ctx, "acct", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.UIDMapping{
		{MessageID: msg.ID, Folder: "INBOX", UID: 10},
		{MessageID: msg.ID, Folder: "Invoices", UID: 3},
	}, mappings)
	validity, err := s.GetUIDValidity(ctx, "acct", "Invoices")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), validity)
	validity, err = s.GetUIDValidity(ctx, "acct", "Receipts")
	require.NoError(t, err)
	assert.Zero(t, validity)
}

func TestUIDMappingsAndFolderState(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	seedAccount(t, s, "acct")

	msg := &types.Message{AccountID: "acct", MessageIDHeader: "<m1@example.com>", Subject: "hi", To: []string{"x@example.com"}}
	require.NoError(t, s.UpsertMessage(ctx, msg))

	require.NoError(t, s.AddUIDs(ctx, "acct", []types.UIDMapping{
		{MessageID: msg.ID, Folder: "INBOX", UID: 10},
		{MessageID: msg.ID, Folder: "Important", UID: 7},
	}))

	mappings, err := s.UIDMappings(ctx, "acct", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.UIDMapping{
		{MessageID: msg.ID, Folder: "INBOX", UID: 10},
		{MessageID: msg.ID, Folder: "Important", UID: 7},
	}, mappings)

	ids, err := s.MessageIDsByHeader(ctx, "acct", []string{"<m1@example.com>", "<other@x>"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"<m1@example.com>": msg.ID}, ids)

	validity, err := s.GetUIDValidity(ctx, "acct", "INBOX")
	require.NoError(t, err)
	assert.Zero(t, validity)

	require.NoError(t, s.SetUIDValidity(ctx, "acct", "INBOX", 42))
	require.NoError(t, s.MarkFolderStale(ctx, "acct", "INBOX"))
	stale, err := s.FolderStale(ctx, "acct", "INBOX")
	require.NoError(t, err)
	assert.True(t, stale)

	require.NoError(t, s.ReplaceFolderUIDs(ctx, "acct", "INBOX", []types.UIDMapping{{MessageID: msg.ID, Folder: "INBOX", UID: 1}}, 43))
	uids, err := s.UIDsInFolder(ctx, "acct", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, uids)
	validity, err = s.GetUIDValidity(ctx, "acct", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(43), validity)
	stale, err = s.FolderStale(ctx, "acct", "INBOX")
	require.NoError(t, err)
	assert.False(t, stale)

	require.NoError(t, s.RemoveUIDs(ctx, "acct", "Important", []uint32{7}))
	uids, err = s.UIDsInFolder(ctx, "acct", "Important")
	require.NoError(t, err)
	assert.Empty(t, uids)

	loaded, err := s.GetMessage(ctx, "acct", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x@example.com"}, loaded.To)
	assert.Empty(t, loaded.From)
}

func TestCategories(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	seedAccount(t, s, "acct")

	inbox, err := s.UpsertCategory(ctx, &types.Category{AccountID: "acct", Name: types.RoleInbox, DisplayName: "INBOX"})
	require.NoError(t, err)

	// A later listing without a role keeps the known one
	again, err := s.UpsertCategory(ctx, &types.Category{AccountID: "acct", DisplayName: "INBOX"})
	require.NoError(t, err)
	assert.Equal(t, inbox.ID, again.ID)
	assert.Equal(t, types.RoleInbox, again.Name)

	require.NoError(t, s.RenameCategory(ctx, "acct", inbox.ID, "Inbox"))
	got, err := s.GetCategory(ctx, "acct", inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, "Inbox", got.DisplayName)

	require.NoError(t, s.DeleteCategory(ctx, "acct", inbox.ID))
	require.NoError(t, s.DeleteCategory(ctx, "acct", inbox.ID))
	_, err = s.GetCategory(ctx, "acct", inbox.ID)
	assert.ErrorIs(t, err, reliability.ErrNotFound)
}

func TestHeartbeats(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.Heartbeat(ctx, "acct", AccountHeartbeat, "host"))
	require.NoError(t, s.Heartbeat(ctx, "acct", "INBOX", "host"))
	beats, err := s.ListHeartbeats(ctx, "acct")
	require.NoError(t, err)
	assert.Len(t, beats, 2)

	require.NoError(t, s.ClearHeartbeats(ctx, "acct"))
	beats, err = s.ListHeartbeats(ctx, "acct")
	require.NoError(t, err)
	assert.Empty(t, beats)
}
