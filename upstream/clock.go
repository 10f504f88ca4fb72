package upstream

import (
	"context"
	"time"
)

// Clock abstracts the poll-interval wait so tests can simulate time instead
// of sleeping wall-clock seconds.
type Clock interface {
	// Sleep blocks for d or until ctx is canceled, returning the context
	// error in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// realClock waits on a cancellable timer.
type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
