// Package retryutil retries transient failures of outbound API calls, with
// the wait decided per error so rate limits can be honored exactly.
package retryutil

import (
	"context"
	"log/slog"
	"time"
)

const defaultAttempts = 3

// Classifier inspects a call failure and reports whether to retry and how
// long to wait first. Returning retry=false surfaces the error as-is.
type Classifier func(err error) (wait time.Duration, retry bool)

// Do runs fn up to attempts times. Waits respect ctx cancellation; the last
// error is returned when all attempts fail or the classifier declines.
func Do(ctx context.Context, logger *slog.Logger, name string, attempts int, classify Classifier, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if classify == nil || attempt == attempts {
			break
		}
		wait, retry := classify(err)
		if !retry {
			break
		}
		if logger != nil {
			logger.Warn(name+"_retry", "attempt", attempt, "wait", wait.String(), "error", err.Error())
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			timer.Stop()
		}
	}
	return err
}
