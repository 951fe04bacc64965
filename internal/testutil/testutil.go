package testutil

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-syncback/internal/store"
	"github.com/brandon/mail-syncback/pkg/types"
)

// NewLogger returns a logger that discards output
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// NewTestStore opens a store in a temporary directory that is closed when the test ends
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), NewLogger())
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})
	return s
}

// SeedAccount stores an account of the given family
func SeedAccount(t *testing.T, s *store.Store, id string, family types.ProviderFamily) *types.Account {
	t.Helper()
	acct := &types.Account{ID: id, Email: id + "@example.com", Provider: family}
	if err := s.UpsertAccount(context.Background(), acct); err != nil {
		t.Fatalf("seeding account: %v", err)
	}
	stored, err := s.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("loading account: %v", err)
	}
	return stored
}

// SeedMessage stores a message and its folder/UID mappings
func SeedMessage(t *testing.T, s *store.Store, msg *types.Message, mappings map[string][]uint32) *types.Message {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("seeding message: %v", err)
	}
	var rows []types.UIDMapping
	for folder, uids := range mappings {
		for _, uid := range uids {
			rows = append(rows, types.UIDMapping{MessageID: msg.ID, Folder: folder, UID: uid})
		}
	}
	if err := s.AddUIDs(ctx, msg.AccountID, rows); err != nil {
		t.Fatalf("seeding uids: %v", err)
	}
	return msg
}

// Clock is a settable time source safe for concurrent use
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock stopped at a fixed instant
func NewClock() *Clock {
	return &Clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
