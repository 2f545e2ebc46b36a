package session

import (
	"context"
	"time"
)

const (
	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

// Backoff grows the reconnect delay by BackoffMultiplier, capped at Max.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Next returns the delay after d, d == 0 starts at Min.
func (b Backoff) Next(d time.Duration) time.Duration {
	if d == 0 {
		return b.Min
	}
	d = time.Duration(float64(d) * BackoffMultiplier).Truncate(time.Millisecond)
	if d > b.Max {
		d = b.Max
	}
	return d
}

// sleep returns false if ctx is done before d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
