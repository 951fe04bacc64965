package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

// Config holds the application configuration
type Config struct {
	DBPath   string `mapstructure:"db_path"`
	LogLevel string `mapstructure:"log_level"`
	HostID   string `mapstructure:"host_id"`

	// Supervisor settings
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	SyncInterval      time.Duration `mapstructure:"sync_interval"`

	// Syncback settings
	DispatchInterval  time.Duration           `mapstructure:"dispatch_interval"`
	MaxActionAttempts int                     `mapstructure:"max_action_attempts"`
	Retry             reliability.RetryConfig `mapstructure:"retry"`
	CorrelationDomain string                  `mapstructure:"correlation_domain"`

	// Connection settings
	PoolSize    int           `mapstructure:"pool_size"`
	IMAPTimeout time.Duration `mapstructure:"imap_timeout"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	// Accounts
	Accounts []AccountConfig `mapstructure:"accounts"`
}

// AccountConfig holds configuration for a single email account
type AccountConfig struct {
	Name     string `mapstructure:"name"`
	Email    string `mapstructure:"email"`
	Provider string `mapstructure:"provider"`

	// IMAP settings
	IMAPHost     string `mapstructure:"imap_host"`
	IMAPPort     int    `mapstructure:"imap_port"`
	IMAPUsername string `mapstructure:"imap_username"`
	IMAPPassword string `mapstructure:"imap_password"`
	IMAPSecurity string `mapstructure:"imap_security"`
	OAuthToken   string `mapstructure:"oauth_token"`

	// Folders overrides the detected folder for a role, e.g. drafts: Brouillons
	Folders map[string]string `mapstructure:"folders"`

	Autostart bool `mapstructure:"autostart"`
}

// Family returns the provider family of the account
func (a *AccountConfig) Family() types.ProviderFamily {
	if a.Provider == "" {
		return types.FamilyGeneric
	}
	return types.ProviderFamily(strings.ToLower(a.Provider))
}

// RoleOverrides returns the configured folder overrides keyed by role
func (a *AccountConfig) RoleOverrides() types.RoleMap {
	if len(a.Folders) == 0 {
		return nil
	}
	roles := make(types.RoleMap, len(a.Folders))
	for role, name := range a.Folders {
		roles[types.Role(strings.ToLower(role))] = []string{name}
	}
	return roles
}

// Security modes for the IMAP connection
const (
	SecurityTLS      = "tls"
	SecuritySTARTTLS = "starttls"
	SecurityNone     = "none"
)

// setDefaults registers every default so environment overrides resolve too
func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "/data/syncback.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("host_id", defaultHostID())
	v.SetDefault("heartbeat_interval", time.Second)
	v.SetDefault("lease_ttl", 30*time.Second)
	v.SetDefault("sweep_interval", 30*time.Second)
	v.SetDefault("sync_interval", 5*time.Minute)
	v.SetDefault("dispatch_interval", 2*time.Second)
	v.SetDefault("max_action_attempts", 8)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.max_delay", 5*time.Minute)
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("correlation_domain", "syncback.local")
	v.SetDefault("pool_size", 1)
	v.SetDefault("imap_timeout", 45*time.Second)
	v.SetDefault("metrics_addr", "")
}

// LoadConfig loads configuration from an optional YAML file and SYNCBACK_*
// environment variables. Accounts fall back to the IMAP_* / ACCOUNT_<n>_*
// environment layout when the file defines none.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SYNCBACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if len(cfg.Accounts) == 0 {
		accounts, err := loadAccounts()
		if err != nil {
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
		cfg.Accounts = accounts
	}

	for i := range cfg.Accounts {
		applyAccountDefaults(&cfg.Accounts[i])
	}
	return cfg, nil
}

// applyAccountDefaults fills in values an account entry may leave out
func applyAccountDefaults(acc *AccountConfig) {
	if acc.Provider == "" {
		acc.Provider = string(types.FamilyGeneric)
	}
	if acc.IMAPPort == 0 {
		acc.IMAPPort = 993
	}
	if acc.IMAPSecurity == "" {
		acc.IMAPSecurity = SecurityTLS
	}
	if acc.IMAPUsername == "" {
		acc.IMAPUsername = acc.Email
	}
	if acc.Email == "" {
		acc.Email = acc.IMAPUsername
	}
}

// loadAccounts loads email account configurations from environment variables
func loadAccounts() ([]AccountConfig, error) {
	// Single account configuration first
	if getEnv("IMAP_HOST", "") != "" {
		account, err := loadAccountFromEnv("", getEnv("ACCOUNT_NAME", "default"))
		if err != nil {
			return nil, err
		}
		return []AccountConfig{*account}, nil
	}

	// ACCOUNT_1_*, ACCOUNT_2_*, etc.
	var accounts []AccountConfig
	for num := 1; ; num++ {
		prefix := fmt.Sprintf("ACCOUNT_%d_", num)
		name := getEnv(prefix+"NAME", "")
		if name == "" {
			break
		}
		account, err := loadAccountFromEnv(prefix, name)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", num, err)
		}
		accounts = append(accounts, *account)
	}
	return accounts, nil
}

// loadAccountFromEnv reads one account from variables sharing a prefix
func loadAccountFromEnv(prefix, name string) (*AccountConfig, error) {
	account := &AccountConfig{
		Name:         name,
		Email:        getEnv(prefix+"EMAIL", ""),
		Provider:     getEnv(prefix+"PROVIDER", string(types.FamilyGeneric)),
		IMAPHost:     getEnv(prefix+"IMAP_HOST", ""),
		IMAPPort:     getEnvInt(prefix+"IMAP_PORT", 993),
		IMAPUsername: getEnv(prefix+"IMAP_USERNAME", ""),
		IMAPPassword: getEnv(prefix+"IMAP_PASSWORD", ""),
		IMAPSecurity: getEnv(prefix+"IMAP_SECURITY", SecurityTLS),
		OAuthToken:   getEnv(prefix+"OAUTH_TOKEN", ""),
		Autostart:    getEnv(prefix+"AUTOSTART", "") == "true",
	}

	if account.IMAPHost == "" {
		return nil, fmt.Errorf("IMAP_HOST is required")
	}
	if account.IMAPUsername == "" && account.Email == "" {
		return nil, fmt.Errorf("IMAP_USERNAME or EMAIL is required")
	}
	return account, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func defaultHostID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.HostID == "" {
		return fmt.Errorf("host_id is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.LeaseTTL <= c.HeartbeatInterval {
		return fmt.Errorf("lease_ttl must be longer than heartbeat_interval")
	}
	if c.SweepInterval <= 0 || c.SyncInterval <= 0 || c.DispatchInterval <= 0 {
		return fmt.Errorf("sweep_interval, sync_interval and dispatch_interval must be positive")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1")
	}
	if c.MaxActionAttempts < 1 {
		return fmt.Errorf("max_action_attempts must be at least 1")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Name == "" {
			return fmt.Errorf("account %d: name is required", i+1)
		}
		if seen[acc.Name] {
			return fmt.Errorf("account %s: duplicate name", acc.Name)
		}
		seen[acc.Name] = true

		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: imap_host is required", acc.Name)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid imap_port", acc.Name)
		}
		if !acc.Family().Valid() {
			return fmt.Errorf("account %s: unknown provider %q", acc.Name, acc.Provider)
		}
		switch acc.IMAPSecurity {
		case SecurityTLS, SecuritySTARTTLS, SecurityNone:
		default:
			return fmt.Errorf("account %s: invalid imap_security %q", acc.Name, acc.IMAPSecurity)
		}
	}

	return nil
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
