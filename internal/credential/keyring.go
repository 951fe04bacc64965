package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/brandon/mail-syncback/internal/config"
)

const serviceName = "mail-syncback"

// Open returns the system keyring used to hold account passwords
func Open() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mail-syncback/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mail-syncback-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return ring, nil
}

// PasswordKey is the keyring key holding an account's IMAP password
func PasswordKey(account string) string {
	return "imap:" + account
}

// Store resolves account secrets, preferring configured values over the keyring
type Store struct {
	ring keyring.Keyring
}

// NewStore creates a credential store. A nil ring limits it to configured secrets.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Password returns the IMAP password for an account
func (s *Store) Password(acc *config.AccountConfig) (string, error) {
	if acc.IMAPPassword != "" {
		return acc.IMAPPassword, nil
	}
	if acc.OAuthToken != "" {
		return "", nil
	}
	if s.ring == nil {
		return "", fmt.Errorf("no password configured for account %s", acc.Name)
	}

	item, err := s.ring.Get(PasswordKey(acc.Name))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("no password stored for account %s", acc.Name)
		}
		return "", fmt.Errorf("failed to read credential for account %s: %w", acc.Name, err)
	}
	return string(item.Data), nil
}

// SetPassword stores an account's IMAP password in the keyring
func (s *Store) SetPassword(account, password string) error {
	if s.ring == nil {
		return fmt.Errorf("no keyring available")
	}
	err := s.ring.Set(keyring.Item{
		Key:   PasswordKey(account),
		Data:  []byte(password),
		Label: "IMAP password for " + account,
	})
	if err != nil {
		return fmt.Errorf("failed to store credential for account %s: %w", account, err)
	}
	return nil
}

// DeletePassword removes an account's IMAP password from the keyring
func (s *Store) DeletePassword(account string) error {
	if s.ring == nil {
		return nil
	}
	if err := s.ring.Remove(PasswordKey(account)); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete credential for account %s: %w", account, err)
	}
	return nil
}
