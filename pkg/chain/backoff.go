package chain

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/checkpoint"
)

type clientWithBackoff struct {
	client          Client
	maxElapsedTime  time.Duration
	requestTimeout  time.Duration
	initialInterval time.Duration
}

// WithBackoff retries every request of client with an exponential backoff,
// each attempt bounded by requestTimeout. Missing history and missing
// accounts are final answers and are not retried.
func WithBackoff(client Client, maxElapsedTime, requestTimeout time.Duration) Client {
	return &clientWithBackoff{
		client:          client,
		maxElapsedTime:  maxElapsedTime,
		requestTimeout:  requestTimeout,
		initialInterval: backoff.DefaultInitialInterval,
	}
}

func (cwb *clientWithBackoff) GetSignatures(
	ctx context.Context, program, before, until string, limit int,
) ([]checkpoint.SignatureInfo, error) {
	var page []checkpoint.SignatureInfo
	err := backoff.RetryNotify(
		func() (err error) {
			ctx, cancel := context.WithTimeout(ctx, cwb.requestTimeout)
			defer cancel()

			page, err = cwb.client.GetSignatures(ctx, program, before, until, limit)
			return permanent(err)
		},
		cwb.newBackoff(ctx),
		func(err error, d time.Duration) {
			logger.Errorf("GetSignatures error: %v. Will retry after %v", err, d)
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "GetSignatures failed")
	}

	return page, nil
}

func (cwb *clientWithBackoff) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	var tx *Transaction
	err := backoff.RetryNotify(
		func() (err error) {
			ctx, cancel := context.WithTimeout(ctx, cwb.requestTimeout)
			defer cancel()

			tx, err = cwb.client.GetTransaction(ctx, signature)
			return permanent(err)
		},
		cwb.newBackoff(ctx),
		func(err error, d time.Duration) {
			logger.Errorf("GetTransaction error: %v. Will retry after %v", err, d)
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "GetTransaction failed")
	}

	return tx, nil
}

func (cwb *clientWithBackoff) GetAccount(ctx context.Context, address string) (*Account, error) {
	var account *Account
	err := backoff.RetryNotify(
		func() (err error) {
			ctx, cancel := context.WithTimeout(ctx, cwb.requestTimeout)
			defer cancel()

			account, err = cwb.client.GetAccount(ctx, address)
			return permanent(err)
		},
		cwb.newBackoff(ctx),
		func(err error, d time.Duration) {
			logger.Errorf("GetAccount error: %v. Will retry after %v", err, d)
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "GetAccount failed")
	}

	return account, nil
}

func permanent(err error) error {
	if errors.Is(err, ErrHistoryUnavailable) || errors.Is(err, ErrAccountNotFound) {
		return backoff.Permanent(err)
	}

	return err
}

func (cwb *clientWithBackoff) newBackoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(cwb.initialInterval),
		backoff.WithMaxElapsedTime(cwb.maxElapsedTime),
	), ctx)
}
