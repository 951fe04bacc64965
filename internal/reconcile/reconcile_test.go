package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mail-syncback/pkg/types"
)

func TestIndexByFolder(t *testing.T) {
	got := IndexByFolder([]types.UIDMapping{
		{MessageID: "m", Folder: "Inbox", UID: 12},
		{MessageID: "m", Folder: "Important", UID: 7},
		{MessageID: "m", Folder: "Inbox", UID: 10},
	})

	assert.Equal(t, []FolderUIDs{
		{Folder: "Important", UIDs: []uint32{7}},
		{Folder: "Inbox", UIDs: []uint32{10, 12}},
	}, got)
	assert.Empty(t, IndexByFolder(nil))
}

func TestNewOrUpdated(t *testing.T) {
	fresh, known := NewOrUpdated([]uint32{1, 2, 3, 4}, []uint32{2, 4, 9})
	assert.Equal(t, []uint32{1, 3}, fresh)
	assert.Equal(t, []uint32{2, 4}, known)

	assert.Equal(t, []uint32{9}, Removed([]uint32{1, 2, 3, 4}, []uint32{2, 4, 9}))
}

func TestCorrelationTokenRoundTrip(t *testing.T) {
	token := CorrelationToken("a1b2-c3", 4, "sync.example")
	assert.Equal(t, "<a1b2-c3-4@sync.example>", token)

	id, version, ok := ParseCorrelationToken(token)
	require.True(t, ok)
	assert.Equal(t, "a1b2-c3", id)
	assert.Equal(t, 4, version)

	_, _, ok = ParseCorrelationToken("<random@host>")
	assert.False(t, ok)
}

func TestCleanupOlderVersions(t *testing.T) {
	ctx := context.Background()

	t.Run("stops at first absent version", func(t *testing.T) {
		present := map[int]bool{4: true, 3: true, 1: true, 0: true}
		var attempted []int
		deleted, err := CleanupOlderVersions(ctx, 5, func(_ context.Context, v int) (bool, error) {
			attempted = append(attempted, v)
			return present[v], nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int{4, 3}, deleted)
		assert.Equal(t, []int{4, 3, 2}, attempted, "versions below the absent boundary are never touched")
	})

	t.Run("walks to zero when every copy exists", func(t *testing.T) {
		deleted, err := CleanupOlderVersions(ctx, 3, func(context.Context, int) (bool, error) { return true, nil })
		require.NoError(t, err)
		assert.Equal(t, []int{2, 1, 0}, deleted)
	})

	t.Run("first version has nothing to clean", func(t *testing.T) {
		called := false
		deleted, err := CleanupOlderVersions(ctx, 0, func(context.Context, int) (bool, error) {
			called = true
			return true, nil
		})
		require.NoError(t, err)
		assert.Empty(t, deleted)
		assert.False(t, called)
	})

	t.Run("propagates errors", func(t *testing.T) {
		boom := errors.New("boom")
		deleted, err := CleanupOlderVersions(ctx, 3, func(_ context.Context, v int) (bool, error) {
			if v == 1 {
				return false, boom
			}
			return true, nil
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []int{2}, deleted)
	})
}
