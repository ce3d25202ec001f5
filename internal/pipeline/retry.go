package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/mailsync/internal/mail"
)

// RetryPolicy retries transient transport failures with a fixed delay
// between attempts. It is a plain value so tests can exercise it against
// a failing stub without any network.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// Delay is the fixed pause between consecutive attempts.
	Delay time.Duration
}

// Do runs op until it succeeds, the attempt budget is exhausted, or ctx
// is done. Authentication errors are configuration faults, not transient
// ones, and are returned immediately without further attempts.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}

		var authErr *mail.AuthError
		if errors.As(err, &authErr) {
			return err
		}

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	return err
}
