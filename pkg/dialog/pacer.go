package dialog

import (
	"context"
	"time"
)

// DefaultPacingInterval is the pause after each bot message.
const DefaultPacingInterval = 500 * time.Millisecond

// Pacer pauses after a bot message so a polling client sees messages one at a time.
type Pacer interface {
	Pause(ctx context.Context, d time.Duration) error
}

// PacerFunc adapts a function to Pacer.
type PacerFunc func(ctx context.Context, d time.Duration) error

func (f PacerFunc) Pause(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// SleepPacer waits for d or until ctx is done.
var SleepPacer Pacer = PacerFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
})
