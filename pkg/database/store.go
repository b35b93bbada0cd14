package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
)

// SnapshotStore persists the state of one program.
type SnapshotStore interface {
	// Load returns the saved state, or a new empty state when nothing was
	// saved yet or the saved state could not be read.
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

// saveWithBackoff retries save until it succeeds or maxElapsedTime passed.
func saveWithBackoff(ctx context.Context, maxElapsedTime time.Duration, save func(ctx context.Context) error) error {
	err := backoff.RetryNotify(
		func() error {
			return save(ctx)
		},
		backoff.WithContext(backoff.NewExponentialBackOff(
			backoff.WithMaxElapsedTime(maxElapsedTime),
		), ctx),
		func(err error, d time.Duration) {
			logger.Errorf("Save error: %v. Will retry after %v", err, d)
		},
	)
	if err != nil {
		return errors.Wrap(err, "Save failed")
	}

	return nil
}
