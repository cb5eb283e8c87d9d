// Package retry re-runs storage operations that lost a race with a concurrent
// writer.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"stockfolio/internal/models"
)

const (
	DefaultAttempts = 3
	initialInterval = 25 * time.Millisecond
	maxInterval     = 500 * time.Millisecond
)

// OnConflict runs op and retries it with exponential backoff while it fails
// with models.ErrConflict, at most attempts extra times. Any other error is
// returned immediately. When the budget is spent the last conflict is returned.
func OnConflict(ctx context.Context, attempts int, log *logrus.Entry, op func() error) error {
	if attempts < 0 {
		attempts = 0
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initialInterval
	eb.MaxInterval = maxInterval
	eb.MaxElapsedTime = 0

	try := 0
	wrapped := func() error {
		try++
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, models.ErrConflict) {
			log.Warnf("attempt %d hit a conflict: %v", try, err)
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts)), ctx))
}
