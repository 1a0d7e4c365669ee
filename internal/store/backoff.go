package store

import (
	"context"
	"time"
)

// Backoff is a bounded exponential backoff used for retrying transient
// Store and external-command failures (§7: Transient errors are "retried
// with backoff up to a bounded limit, then surfaced").
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Limit  int
}

// DefaultBackoff starts at 100ms, doubles up to a 10s cap, and stops
// after 8 attempts. Nothing in this module calls it.
func DefaultBackoff() Backoff {
	return Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Limit: 8}
}

// Retry calls fn until it succeeds, the context is done, or the attempt
// limit is reached, sleeping an exponentially increasing interval between
// attempts.
func (b Backoff) Retry(ctx context.Context, fn func() error) error {
	delay := b.Base
	var err error
	for attempt := 0; b.Limit == 0 || attempt < b.Limit; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * b.Factor)
		if delay > b.Max {
			delay = b.Max
		}
	}
	return err
}
