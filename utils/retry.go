package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryConfig defines retry behavior
type RetryConfig struct {
	// MaxRetries negative means retry until the context ends
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig provides sensible defaults
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     5,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string {
	return e.err.Error()
}

func (e permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err so RetryWithBackoff returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// RetryWithBackoff executes a function with exponential backoff
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, name string, fn func() error) error {
	var lastErr error
	backoff := NewBackoff(cfg)

	for attempt := 0; cfg.MaxRetries < 0 || attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			d := backoff.Next()
			if cfg.MaxRetries < 0 {
				Debugf("RETRY", "%s: attempt %d after %v", name, attempt, d)
			} else {
				Debugf("RETRY", "%s: attempt %d/%d after %v", name, attempt, cfg.MaxRetries, d)
			}
			if err := sleepContext(ctx, d); err != nil {
				return err
			}
		}

		if err := fn(); err != nil {
			if IsPermanent(err) {
				return err
			}
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", name, cfg.MaxRetries+1, lastErr)
}

// Backoff is the stateful form of the RetryWithBackoff delay schedule, for loops that own their retry cycle.
type Backoff struct {
	cfg     RetryConfig
	current time.Duration
}

func NewBackoff(cfg RetryConfig) *Backoff {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultRetryConfig.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = DefaultRetryConfig.BackoffFactor
	}
	return &Backoff{cfg: cfg}
}

// Next returns the delay before the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.cfg.InitialBackoff
		return b.current
	}
	b.current = time.Duration(float64(b.current) * b.cfg.BackoffFactor)
	if b.current > b.cfg.MaxBackoff {
		b.current = b.cfg.MaxBackoff
	}
	return b.current
}

// Wait sleeps for Next, returning early with the context error.
func (b *Backoff) Wait(ctx context.Context) error {
	return sleepContext(ctx, b.Next())
}

func (b *Backoff) Reset() {
	b.current = 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
