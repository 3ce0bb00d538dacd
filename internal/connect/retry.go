package connect

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines how often and how patiently an operation is retried.
type RetryConfig struct {
	Attempts      int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig makes three attempts back to back.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:      3,
		InitialDelay:  0,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Retry calls fn until it succeeds, the attempts run out or ctx ends.
// It returns the last error from fn and the number of attempts made.
func Retry(ctx context.Context, cfg RetryConfig, what string, fn func(ctx context.Context) error) (int, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt, lastErr
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if attempt == cfg.Attempts-1 {
			break
		}
		delay := cfg.delay(attempt)
		log.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Int("attempts", cfg.Attempts).
			Dur("delay", delay).
			Str("target", what).
			Msg("Attempt failed, retrying")
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return attempt + 1, lastErr
			case <-t.C:
			}
		}
	}
	return cfg.Attempts, lastErr
}

// delay is exponential backoff with ±25% jitter, capped at MaxDelay.
func (c RetryConfig) delay(attempt int) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(c.InitialDelay) * math.Pow(factor, float64(attempt))
	d += d * 0.25 * (2*rand.Float64() - 1)
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}
