// Package retry runs operations under a bounded exponential backoff policy.
//
// delay(n) = min(InitialDelay * Multiplier^n, MaxDelay) ± JitterFactor
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/web3guy0/chainsniper/internal/clock"
	"github.com/web3guy0/chainsniper/types"
)

// Config is a bounded retry policy
type Config struct {
	// MaxAttempts includes the first try; values < 1 mean a single attempt
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64

	// RetryIf decides whether an error is worth another attempt; nil retries all
	// non-permanent errors
	RetryIf func(error) bool
	OnRetry func(attempt int, err error, delay time.Duration)

	// ResetAfter restarts the backoff schedule when a failed attempt had run
	// at least this long; zero never resets
	ResetAfter time.Duration

	// Clock drives waits; nil uses the wall clock
	Clock clock.Clock
}

// DefaultConfig is suited to single RPC reads
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// NetworkConfig retries only transport failures
func NetworkConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = 250 * time.Millisecond
	cfg.RetryIf = RetryIfNetwork
	return cfg
}

// ReconnectConfig is the subscription reconnect policy: unbounded, capped at
// 30s, starting over after a session that stayed up for a minute
func ReconnectConfig() Config {
	return Config{
		MaxAttempts:  0,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
		ResetAfter:   time.Minute,
	}
}

func (c *Config) validate() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
}

// Delay returns the wait before attempt n+1 (n counts from 0)
func (c Config) Delay(attempt int) time.Duration {
	c.validate()
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do runs operation until it succeeds, returns a non-retryable error, attempts
// are exhausted, or ctx ends. The last error is returned.
func Do(ctx context.Context, operation func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg)
	return err
}

// DoWithResult is Do for operations that produce a value
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg.validate()

	var (
		zero    T
		lastErr error
		step    int // position in the backoff schedule
	)
	for attempt := 0; cfg.MaxAttempts <= 0 || attempt < cfg.MaxAttempts; attempt, step = attempt+1, step+1 {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		started := cfg.Clock.Now()
		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !shouldRetry(cfg, err) {
			return zero, err
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts-1 {
			break
		}

		if cfg.ResetAfter > 0 && cfg.Clock.Now().Sub(started) >= cfg.ResetAfter {
			step = 0
		}
		delay := cfg.Delay(step)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}
		if err := cfg.Clock.Sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func shouldRetry(cfg Config, err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if cfg.RetryIf != nil {
		return cfg.RetryIf(err)
	}
	return true
}

// RetryIfNetwork retries transport errors only
func RetryIfNetwork(err error) bool {
	return errors.Is(err, types.ErrNetwork)
}

// RetryIfNotContext does not retry cancellation or deadline errors
func RetryIfNotContext(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// PermanentError stops the retry loop immediately
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
