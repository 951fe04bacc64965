package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("connection pool closed")

// Options configures a Pool
type Options struct {
	// Size bounds the concurrent sessions per account
	Size int
	// RoleOverrides returns configured folder roles for an account
	RoleOverrides func(accountID string) types.RoleMap
}

// Pool hands out authenticated sessions, bounded per account
type Pool struct {
	dialer   Dialer
	validity ValidityStore
	opts     Options
	logger   *logrus.Logger

	mu       sync.Mutex
	accounts map[string]*accountPool
	closed   bool
}

type accountPool struct {
	slots chan struct{}

	mu   sync.Mutex
	idle []*Session
}

// New creates a connection pool
func New(dialer Dialer, validity ValidityStore, opts Options, logger *logrus.Logger) *Pool {
	if opts.Size < 1 {
		opts.Size = 1
	}
	return &Pool{
		dialer:   dialer,
		validity: validity,
		opts:     opts,
		logger:   logger,
		accounts: make(map[string]*accountPool),
	}
}

func (p *Pool) accountPool(accountID string) (*accountPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	ap, ok := p.accounts[accountID]
	if !ok {
		ap = &accountPool{slots: make(chan struct{}, p.opts.Size)}
		p.accounts[accountID] = ap
	}
	return ap, nil
}

// Acquire waits for a free slot and returns a live session for the account.
// Every session must be handed back with Release.
func (p *Pool) Acquire(ctx context.Context, acct *types.Account) (*Session, error) {
	ap, err := p.accountPool(acct.ID)
	if err != nil {
		return nil, err
	}

	select {
	case ap.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	log := p.logger.WithField("account", acct.ID)

	for {
		s := ap.popIdle()
		if s == nil {
			break
		}
		if err := s.conn.Noop(); err != nil {
			log.WithError(err).Debug("Discarding dead pooled connection")
			s.conn.Close()
			continue
		}
		s.account = acct
		return s, nil
	}

	conn, err := p.dialer.Dial(ctx, acct)
	if err != nil {
		<-ap.slots
		return nil, fmt.Errorf("failed to connect account %s: %w", acct.ID, err)
	}

	var overrides types.RoleMap
	if p.opts.RoleOverrides != nil {
		overrides = p.opts.RoleOverrides(acct.ID)
	}
	log.Debug("Opened new connection")
	return newSession(conn, acct, p.validity, overrides, log), nil
}

// Release hands a session back. Sessions whose connection failed, or that
// were released with a transient error, are closed instead of reused.
func (p *Pool) Release(s *Session, err error) {
	p.mu.Lock()
	ap := p.accounts[s.account.ID]
	closed := p.closed
	p.mu.Unlock()

	if closed || s.broken || (err != nil && reliability.IsTransient(err) && !errors.Is(err, reliability.ErrUIDValidityChanged)) {
		s.conn.Close()
	} else {
		s.selected = ""
		s.invalidateFolders()
		ap.pushIdle(s)
	}
	if ap != nil {
		<-ap.slots
	}
}

// Run acquires a session, calls fn with it and always releases it
func (p *Pool) Run(ctx context.Context, acct *types.Account, fn func(*Session) error) (err error) {
	s, err := p.Acquire(ctx, acct)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			s.broken = true
			p.Release(s, nil)
			panic(r)
		}
		p.Release(s, err)
	}()
	return fn(s)
}

// Drop closes the idle connections of one account
func (p *Pool) Drop(accountID string) {
	p.mu.Lock()
	ap := p.accounts[accountID]
	p.mu.Unlock()
	if ap == nil {
		return
	}
	for s := ap.popIdle(); s != nil; s = ap.popIdle() {
		s.conn.Close()
	}
}

// Close closes every idle connection and refuses further acquisitions
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	accounts := p.accounts
	p.mu.Unlock()

	for _, ap := range accounts {
		for s := ap.popIdle(); s != nil; s = ap.popIdle() {
			s.conn.Close()
		}
	}
	return nil
}

func (ap *accountPool) popIdle() *Session {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if len(ap.idle) == 0 {
		return nil
	}
	s := ap.idle[len(ap.idle)-1]
	ap.idle = ap.idle[:len(ap.idle)-1]
	return s
}

func (ap *accountPool) pushIdle(s *Session) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.idle = append(ap.idle, s)
}
