package backoff

import (
	"context"
	"time"
)

// SleepWithContext sleeps for the specified duration, respecting context cancellation.
// Returns nil if the sleep completed, or ctx.Err() if the context was cancelled.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn until it succeeds, the schedule runs out or ctx is done.
// Errors for which stop returns true end the loop immediately.
func Retry(ctx context.Context, s *Schedule, stop func(error) bool, fn func(ctx context.Context) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if stop != nil && stop(err) {
			return err
		}
		_, delay, ok := s.Next()
		if !ok {
			return err
		}
		if serr := SleepWithContext(ctx, delay); serr != nil {
			return serr
		}
	}
}
