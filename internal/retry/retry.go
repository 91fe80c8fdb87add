// Package retry provides bounded exponential backoff for operations
// that fail transiently, such as datagram probes on a lossy network.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config defines the retry behavior. The zero value is not usable;
// Attempts and InitialBackoff must be set.
type Config struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// InitialBackoff is the delay after the first failure. Each
	// subsequent failure doubles it.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between tries. Zero means uncapped.
	MaxBackoff time.Duration

	// Jitter adds up to this fraction of the delay randomly, spreading
	// out peers that fail in lockstep. Zero disables it.
	Jitter float64
}

// Do calls fn until it succeeds, the attempts run out, or the context
// is cancelled. retryable decides whether an error is worth another
// try; a nil retryable retries everything.
func Do(ctx context.Context, cfg Config, fn func() error, retryable func(error) bool) error {
	if cfg.Attempts <= 0 {
		return fmt.Errorf("retry attempts must be positive, got %d", cfg.Attempts)
	}

	var err error
	backoff := cfg.InitialBackoff
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == cfg.Attempts {
			break
		}

		delay := backoff
		if cfg.Jitter > 0 {
			delay += time.Duration(rand.Float64() * cfg.Jitter * float64(delay))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		backoff *= 2
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", cfg.Attempts, err)
}
