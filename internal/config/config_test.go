package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mail-syncback/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
db_path: /tmp/sync.db
heartbeat_interval: 2s
retry:
  initial_delay: 500ms
accounts:
  - name: work
    email: me@example.com
    provider: gmail
    imap_host: imap.gmail.com
    folders:
      Drafts: "[Gmail]/Drafts"
  - name: home
    email: me@example.org
    imap_host: mail.example.org
    imap_port: 143
    imap_security: starttls
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/sync.db", cfg.DBPath)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 5*time.Minute, cfg.Retry.MaxDelay)

	require.Len(t, cfg.Accounts, 2)
	work, err := cfg.GetAccountByName("work")
	require.NoError(t, err)
	assert.Equal(t, types.FamilyGmail, work.Family())
	assert.Equal(t, 993, work.IMAPPort)
	assert.Equal(t, SecurityTLS, work.IMAPSecurity)
	assert.Equal(t, "me@example.com", work.IMAPUsername)
	name, ok := work.RoleOverrides().First(types.RoleDrafts)
	require.True(t, ok)
	assert.Equal(t, "[Gmail]/Drafts", name)

	home, err := cfg.GetAccountByName("home")
	require.NoError(t, err)
	assert.Equal(t, types.FamilyGeneric, home.Family())
	assert.Equal(t, SecuritySTARTTLS, home.IMAPSecurity)
}

func TestLoadConfigEnvAccounts(t *testing.T) {
	t.Setenv("SYNCBACK_DB_PATH", "/tmp/env.db")
	t.Setenv("ACCOUNT_1_NAME", "one")
	t.Setenv("ACCOUNT_1_IMAP_HOST", "imap.one.test")
	t.Setenv("ACCOUNT_1_IMAP_USERNAME", "one@test")
	t.Setenv("ACCOUNT_2_NAME", "two")
	t.Setenv("ACCOUNT_2_IMAP_HOST", "imap.two.test")
	t.Setenv("ACCOUNT_2_EMAIL", "two@test")
	t.Setenv("ACCOUNT_2_PROVIDER", "fastmail")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/env.db", cfg.DBPath)
	assert.Equal(t, []string{"one", "two"}, cfg.AccountNames())
	assert.Equal(t, "one@test", cfg.Accounts[0].Email)
	assert.Equal(t, "two@test", cfg.Accounts[1].IMAPUsername)
	assert.Equal(t, types.FamilyFastmail, cfg.Accounts[1].Family())
}

func TestMissingConfigFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, time.Second, cfg.HeartbeatInterval)
	assert.Empty(t, cfg.Accounts)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DBPath:            "db",
			HostID:            "host",
			HeartbeatInterval: time.Second,
			LeaseTTL:          10 * time.Second,
			SweepInterval:     time.Second,
			SyncInterval:      time.Second,
			DispatchInterval:  time.Second,
			PoolSize:          1,
			MaxActionAttempts: 3,
			Accounts: []AccountConfig{
				{Name: "a", Provider: "generic", IMAPHost: "h", IMAPPort: 993, IMAPSecurity: SecurityTLS},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"ok", func(c *Config) {}, ""},
		{"lease shorter than heartbeat", func(c *Config) { c.LeaseTTL = c.HeartbeatInterval }, "lease_ttl"},
		{"unknown provider", func(c *Config) { c.Accounts[0].Provider = "hotmail" }, "unknown provider"},
		{"duplicate account", func(c *Config) { c.Accounts = append(c.Accounts, c.Accounts[0]) }, "duplicate"},
		{"bad port", func(c *Config) { c.Accounts[0].IMAPPort = 70000 }, "imap_port"},
		{"bad security", func(c *Config) { c.Accounts[0].IMAPSecurity = "ssl3" }, "imap_security"},
		{"zero pool", func(c *Config) { c.PoolSize = 0 }, "pool_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
