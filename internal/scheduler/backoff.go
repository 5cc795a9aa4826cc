package scheduler

import (
	"context"
	"time"
)

// Delay modes.
const (
	DelayFixed       = "fixed"
	DelayExponential = "exponential"
)

// backoff computes inter-attempt delays. State is local to one scheduling
// run; a new run always starts from the base delay.
type backoff struct {
	next time.Duration
	max  time.Duration
	mode string
}

func newBackoff(base, max time.Duration, mode string) *backoff {
	if max > 0 && base > max {
		base = max
	}
	return &backoff{next: base, max: max, mode: mode}
}

// delay returns the wait before the next attempt and advances the state.
func (b *backoff) delay() time.Duration {
	d := b.next
	if b.mode == DelayExponential {
		b.next *= 2
		if b.max > 0 && b.next > b.max {
			b.next = b.max
		}
	}
	return d
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
