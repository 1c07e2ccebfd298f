// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidAttempts is returned when attempts is not positive.
var ErrInvalidAttempts = errors.New("attempts must be positive")

// Policy bounds a retry loop. The delay before attempt n+1 is
// BaseDelay * 2^(n-1).
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultPolicy is three attempts starting at one second.
var DefaultPolicy = Policy{Attempts: 3, BaseDelay: time.Second}

// Do calls op until it succeeds, the attempts run out or ctx is done.
// The returned error wraps the last failure.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		return ErrInvalidAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == p.Attempts {
			break
		}

		delay := p.BaseDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", p.Attempts, lastErr)
}
