package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	Jitter        bool          `mapstructure:"jitter"`
}

// DefaultRetryConfig returns the defaults used for whole-account retries
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		MaxDelay:      5 * time.Minute,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// normalize fills in unusable values so delay computation cannot misbehave
func (c RetryConfig) normalize() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.BackoffFactor <= 1.0 {
		c.BackoffFactor = 2.0
	}
	return c
}

// Delay returns the wait before retry number attempt (zero based)
func (c RetryConfig) Delay(attempt int) time.Duration {
	c = c.normalize()
	if attempt < 0 {
		attempt = 0
	}

	var delay float64
	e := float64(attempt) * math.Log(c.BackoffFactor)
	maxE := math.Log(float64(c.MaxDelay) / float64(c.InitialDelay))
	if math.IsNaN(e) || math.IsInf(e, 0) || e > maxE {
		delay = float64(c.MaxDelay)
	} else {
		delay = math.Min(float64(c.InitialDelay)*math.Pow(c.BackoffFactor, float64(attempt)), float64(c.MaxDelay))
	}

	// Up to 25% jitter, never past MaxDelay
	if c.Jitter {
		delay = math.Min(delay+rand.Float64()*delay*0.25, float64(c.MaxDelay))
	}

	if math.IsNaN(delay) || math.IsInf(delay, 0) || delay < 0 {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// RetryWithBackoff calls fn until it succeeds, returns a non-transient error,
// or the attempts are exhausted
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	config = config.normalize()

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == config.MaxAttempts-1 || !IsTransient(err) {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-time.After(config.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
