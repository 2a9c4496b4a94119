package connection

import (
	"context"
	"math"
	"time"
)

// Config controls reconnection.
type Config struct {
	BackoffBase   time.Duration
	BackoffFactor float64
	BackoffMax    time.Duration
	// MaxRetries is the number of consecutive failed attempts tolerated
	// before the manager gives up and reports StateDisconnected.
	MaxRetries int
}

// DefaultConfig returns the default reconnection policy.
func DefaultConfig() Config {
	return Config{
		BackoffBase:   time.Second,
		BackoffFactor: 2,
		BackoffMax:    30 * time.Second,
		MaxRetries:    10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Backoff returns the delay before retry number attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.BackoffBase) * math.Pow(c.BackoffFactor, float64(attempt-1))
	if delay > float64(c.BackoffMax) || math.IsInf(delay, 0) {
		return c.BackoffMax
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
