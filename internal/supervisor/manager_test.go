package supervisor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/internal/supervisor"
	"github.com/brandon/mail-syncback/internal/testutil"
	"github.com/brandon/mail-syncback/pkg/types"
)

func TestSweepStartsRestartableAccounts(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"idle", "wants-run", "conn-error", "killed", "invalid", "elsewhere"} {
		testutil.SeedAccount(t, s, id, types.FamilyGeneric)
	}
	for _, id := range []string{"wants-run", "conn-error", "killed", "invalid", "elsewhere"} {
		require.NoError(t, s.RequestStart(ctx, id))
	}
	for _, id := range []string{"conn-error", "killed", "invalid"} {
		require.NoError(t, s.MarkSyncRunning(ctx, id, "old-host"))
	}
	require.NoError(t, s.MarkSyncConnectionError(ctx, "conn-error", "i/o timeout"))
	require.NoError(t, s.MarkSyncKilled(ctx, "killed", "boom"))
	require.NoError(t, s.MarkSyncInvalid(ctx, "invalid", "AUTHENTICATIONFAILED"))
	acquired, err := s.AcquireLease(ctx, "elsewhere", "other-host/1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	m := supervisor.NewManager(s, blockingTask, fastOpts, time.Hour, testutil.NewLogger())
	started, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"wants-run", "conn-error"}, started)

	waitState(t, s, "wants-run", types.SyncRunning)
	waitState(t, s, "conn-error", types.SyncRunning)
	assert.Equal(t, []string{"conn-error", "wants-run"}, m.Running())

	again, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	cancel()
	m.Wait()
	assert.Empty(t, m.Running())
	assert.Equal(t, types.SyncKilled, account(t, s, "killed").SyncState)
	assert.Equal(t, types.SyncInvalid, account(t, s, "invalid").SyncState)
}

func TestSweepRecoversOrphanedRunningAccounts(t *testing.T) {
	tests := []struct {
		name        string
		leaseOwner  string
		stop        bool
		wantStarted bool
		wantState   types.SyncState
	}{
		{name: "lease gone", wantStarted: true},
		{name: "lease live elsewhere", leaseOwner: "other-host/1", wantState: types.SyncRunning},
		{name: "stop requested", stop: true, wantState: types.SyncStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testutil.NewTestStore(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			testutil.SeedAccount(t, s, "acct", types.FamilyGeneric)
			require.NoError(t, s.RequestStart(ctx, "acct"))
			require.NoError(t, s.MarkSyncRunning(ctx, "acct", "dead-host"))
			if tt.leaseOwner != "" {
				acquired, err := s.AcquireLease(ctx, "acct", tt.leaseOwner, time.Minute)
				require.NoError(t, err)
				require.True(t, acquired)
			}
			if tt.stop {
				require.NoError(t, s.RequestStop(ctx, "acct"))
			}

			m := supervisor.NewManager(s, blockingTask, fastOpts, time.Hour, testutil.NewLogger())
			started, err := m.Sweep(ctx)
			require.NoError(t, err)
			if !tt.wantStarted {
				assert.Empty(t, started)
				acct := account(t, s, "acct")
				assert.Equal(t, tt.wantState, acct.SyncState)
				assert.False(t, acct.StopRequested)
				if tt.stop {
					assert.False(t, acct.SyncShouldRun)
				}
				return
			}

			assert.Equal(t, []string{"acct"}, started)
			require.Eventually(t, func() bool {
				return account(t, s, "acct").SyncHost == fastOpts.Host
			}, waitFor, pollAt)
			held, err := s.LeaseHeld(ctx, "acct")
			require.NoError(t, err)
			assert.True(t, held)

			cancel()
			m.Wait()
		})
	}
}

func TestManagerStartStop(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	testutil.SeedAccount(t, s, "acct", types.FamilyGeneric)

	m := supervisor.NewManager(s, blockingTask, fastOpts, time.Hour, testutil.NewLogger())
	require.NoError(t, m.Start(ctx, "acct"))
	waitState(t, s, "acct", types.SyncRunning)

	require.NoError(t, m.Stop(ctx, "acct"))
	waitState(t, s, "acct", types.SyncStopped)
	require.Eventually(t, func() bool {
		return len(m.Running()) == 0
	}, waitFor, pollAt)
	assert.False(t, account(t, s, "acct").SyncShouldRun)

	started, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, started)
}

func TestManagerRunSweepsUntilCancelled(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	testutil.SeedAccount(t, s, "acct", types.FamilyGeneric)
	require.NoError(t, s.RequestStart(ctx, "acct"))

	m := supervisor.NewManager(s, blockingTask, fastOpts, 10*time.Millisecond, testutil.NewLogger())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()
	waitState(t, s, "acct", types.SyncRunning)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("manager did not stop")
	}
	acct := account(t, s, "acct")
	assert.Equal(t, types.SyncStopped, acct.SyncState)
	assert.True(t, acct.SyncShouldRun)
}

type fakeFetcher struct {
	err   error
	calls atomic.Int32
}

func (f *fakeFetcher) Run(ctx context.Context, _ *types.Account) error {
	f.calls.Add(1)
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return nil
}

type fakeDrainer struct {
	cancelled atomic.Bool
}

func (d *fakeDrainer) RunAccount(ctx context.Context, _ string) error {
	<-ctx.Done()
	d.cancelled.Store(true)
	return nil
}

func TestAccountTaskFirstErrorCancelsDispatcher(t *testing.T) {
	fetch := &fakeFetcher{err: reliability.Credential("login", errors.New("AUTHENTICATIONFAILED"))}
	drain := &fakeDrainer{}

	task := supervisor.AccountTask(fetch, drain)
	err := task(context.Background(), &types.Account{ID: "acct"})
	require.Error(t, err)
	assert.True(t, reliability.IsCredential(err))
	assert.True(t, drain.cancelled.Load())
	assert.Equal(t, int32(1), fetch.calls.Load())
}

func TestAccountTaskStopsOnCancel(t *testing.T) {
	fetch := &fakeFetcher{}
	drain := &fakeDrainer{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- supervisor.AccountTask(fetch, drain)(ctx, &types.Account{ID: "acct"})
	}()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("account task did not stop")
	}
	assert.True(t, drain.cancelled.Load())
}
