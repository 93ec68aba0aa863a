// Package retry provides the single bounded-retry helper used by every
// component that dials the datastore, Redis or Kafka at start-up.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy is a fixed retry budget: Attempts tries separated by Delay.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// Do calls fn until it succeeds, the budget is spent, or ctx is done.
// The last error is returned wrapped with the target name.
func Do(ctx context.Context, p Policy, log logrus.FieldLogger, target string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				log.WithField("target", target).Infof("connected on attempt %d", attempt)
			}
			return nil
		}

		if attempt == attempts {
			break
		}

		log.WithFields(logrus.Fields{
			"target":  target,
			"attempt": attempt,
		}).WithError(lastErr).Warnf("connection failed, retrying in %s", p.Delay)

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("connect %s: %w", target, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("connect %s: giving up after %d attempts: %w", target, attempts, lastErr)
}
