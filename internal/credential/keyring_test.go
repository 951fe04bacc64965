package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mail-syncback/internal/config"
)

func TestPasswordResolution(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	store := NewStore(ring)

	configured := &config.AccountConfig{Name: "a", IMAPPassword: "inline"}
	pw, err := store.Password(configured)
	require.NoError(t, err)
	assert.Equal(t, "inline", pw)

	stored := &config.AccountConfig{Name: "b"}
	_, err = store.Password(stored)
	require.Error(t, err)

	require.NoError(t, store.SetPassword("b", "from-keyring"))
	pw, err = store.Password(stored)
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", pw)

	require.NoError(t, store.DeletePassword("b"))
	_, err = store.Password(stored)
	assert.Error(t, err)

	oauth := &config.AccountConfig{Name: "c", OAuthToken: "tok"}
	pw, err = store.Password(oauth)
	require.NoError(t, err)
	assert.Empty(t, pw)
}

func TestStoreWithoutKeyring(t *testing.T) {
	store := NewStore(nil)
	_, err := store.Password(&config.AccountConfig{Name: "x"})
	assert.Error(t, err)
	assert.Error(t, store.SetPassword("x", "y"))
	assert.NoError(t, store.DeletePassword("x"))
}
