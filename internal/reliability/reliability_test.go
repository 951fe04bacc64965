package reliability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"typed transient", Transient("select", errors.New("boom")), ClassTransient},
		{"typed credential wrapped", fmt.Errorf("failed to dial: %w", Credential("login", errors.New("no"))), ClassCredential},
		{"typed semantic", Semantic("create", errors.New("exists")), ClassSemantic},
		{"uid validity", fmt.Errorf("select INBOX: %w", ErrUIDValidityChanged), ClassTransient},
		{"missing handler", fmt.Errorf("move/gmail: %w", ErrNoHandler), ClassSemantic},
		{"eof", io.EOF, ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"auth text", errors.New("[AUTHENTICATIONFAILED] Invalid credentials (Failure)"), ClassCredential},
		{"memory server auth", errors.New("Bad username or password"), ClassCredential},
		{"network text", errors.New("dial tcp: connection refused"), ClassTransient},
		{"timeout text", errors.New("read: i/o timeout"), ClassTransient},
		{"permanent text", errors.New("[NONEXISTENT] No such mailbox"), ClassSemantic},
		{"unknown", errors.New("something odd"), ClassUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsAlreadyAbsent(t *testing.T) {
	assert.True(t, IsAlreadyAbsent(errors.New("NO [NONEXISTENT] Unknown Mailbox: Archive")))
	assert.True(t, IsAlreadyAbsent(errors.New("No such mailbox")))
	assert.True(t, IsAlreadyAbsent(fmt.Errorf("lookup: %w", ErrNotFound)))
	assert.False(t, IsAlreadyAbsent(errors.New("connection reset by peer")))
	assert.False(t, IsAlreadyAbsent(nil))
}

func TestIsAlreadyExists(t *testing.T) {
	assert.True(t, IsAlreadyExists(errors.New("NO [ALREADYEXISTS] Mailbox already exists")))
	assert.False(t, IsAlreadyExists(errors.New("NO [NONEXISTENT] Unknown Mailbox")))
	assert.False(t, IsAlreadyExists(nil))
}

func TestDelayGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 80 * time.Millisecond, BackoffFactor: 2}

	assert.Equal(t, 10*time.Millisecond, cfg.Delay(0))
	assert.Equal(t, 20*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 40*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, 80*time.Millisecond, cfg.Delay(3))
	assert.Equal(t, 80*time.Millisecond, cfg.Delay(30))
}

func TestDelayJitterStaysBounded(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2, Jitter: true}
	for i := 0; i < 50; i++ {
		d := cfg.Delay(1)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestRetryWithBackoff(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("retries transient until success", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(context.Background(), cfg, func() error {
			calls++
			if calls < 3 {
				return Transient("noop", errors.New("busy"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on credential failure", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(context.Background(), cfg, func() error {
			calls++
			return Credential("login", errors.New("rejected"))
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.True(t, IsCredential(err))
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(context.Background(), cfg, func() error {
			calls++
			return io.EOF
		})
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, 4, calls)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := RetryWithBackoff(ctx, cfg, func() error { return io.EOF })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
