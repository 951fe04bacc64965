package email

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-syncback/internal/config"
	"github.com/brandon/mail-syncback/internal/connpool"
	"github.com/brandon/mail-syncback/internal/credential"
	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

// Dialer opens IMAP connections for configured accounts
type Dialer struct {
	accounts map[string]*config.AccountConfig
	creds    *credential.Store
	timeout  time.Duration
	logger   *logrus.Logger
}

var _ connpool.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer for every account in cfg, keyed by account name
func NewDialer(cfg *config.Config, creds *credential.Store, logger *logrus.Logger) *Dialer {
	accounts := make(map[string]*config.AccountConfig, len(cfg.Accounts))
	for i := range cfg.Accounts {
		accounts[cfg.Accounts[i].Name] = &cfg.Accounts[i]
	}
	return &Dialer{
		accounts: accounts,
		creds:    creds,
		timeout:  cfg.IMAPTimeout,
		logger:   logger,
	}
}

// Dial connects and authenticates to the account's IMAP server
func (d *Dialer) Dial(ctx context.Context, acct *types.Account) (connpool.Conn, error) {
	ac, ok := d.accounts[acct.ID]
	if !ok {
		return nil, reliability.Semantic("dial", fmt.Errorf("account %s is not configured", acct.ID))
	}

	password, err := d.creds.Password(ac)
	if err != nil {
		return nil, reliability.Credential("dial", err)
	}

	c := NewIMAPClient(ac, d.timeout, d.logger)
	if err := c.Connect(ctx, password); err != nil {
		return nil, err
	}
	return c, nil
}

// RoleOverrides returns the configured folder roles for an account
func (d *Dialer) RoleOverrides(accountID string) types.RoleMap {
	if ac, ok := d.accounts[accountID]; ok {
		return ac.RoleOverrides()
	}
	return nil
}
