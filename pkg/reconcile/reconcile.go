package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/analysis"
	"github.com/psyche-network/training-indexer/pkg/chain"
	"github.com/psyche-network/training-indexer/pkg/checkpoint"
	"github.com/psyche-network/training-indexer/pkg/payload"
	"golang.org/x/sync/errgroup"
)

type AccountFetcher interface {
	GetAccount(ctx context.Context, address string) (*chain.Account, error)
}

type AccountDecoder interface {
	DecodeAccount(data []byte) (string, json.RawMessage, error)
}

const defaultRequestTimeout = 10 * time.Second

type Options struct {
	MaxConcurrency        int
	RequestTimeout        time.Duration
	BackoffMaxElapsedTime time.Duration
}

type Reconciler struct {
	fetcher AccountFetcher
	decoder AccountDecoder
	project Projector

	maxConcurrency  int
	requestTimeout  time.Duration
	maxElapsedTime  time.Duration
	initialInterval time.Duration
	now             func() time.Time
}

func New(fetcher AccountFetcher, decoder AccountDecoder, kind analysis.Kind, opts Options) (*Reconciler, error) {
	project, err := ProjectorFor(kind)
	if err != nil {
		return nil, err
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.BackoffMaxElapsedTime <= 0 {
		opts.BackoffMaxElapsedTime = backoff.DefaultMaxElapsedTime
	}

	return &Reconciler{
		fetcher:         fetcher,
		decoder:         decoder,
		project:         project,
		maxConcurrency:  opts.MaxConcurrency,
		requestTimeout:  opts.RequestTimeout,
		maxElapsedTime:  opts.BackoffMaxElapsedTime,
		initialInterval: backoff.DefaultInitialInterval,
		now:             time.Now,
	}, nil
}

// Report summarises one reconciliation pass.
type Report struct {
	Dirty   int
	Fetched int
	Closed  int
	Failed  int
}

type result struct {
	address  string
	ordinal  checkpoint.Ordinal
	snapshot *analysis.Snapshot
	closed   bool
	err      error
}

// Run refreshes the snapshot of every entity with changes newer than its
// last fetch. Fetches run concurrently; their results are applied one by one
// by the calling goroutine. A failed fetch leaves its entity dirty for the
// next pass.
func (r *Reconciler) Run(ctx context.Context, store *analysis.Store) (Report, error) {
	var dirty []analysis.DirtyEntity
	_ = store.View(func(tx analysis.Tx) error {
		dirty = tx.Dirty()
		return nil
	})

	report := Report{Dirty: len(dirty)}
	if len(dirty) == 0 {
		return report, nil
	}

	results := make(chan result)

	var eg errgroup.Group
	eg.SetLimit(r.maxConcurrency)

	go func() {
		for _, d := range dirty {
			d := d
			eg.Go(func() error {
				results <- r.reconcile(ctx, d)
				return nil
			})
		}
		_ = eg.Wait()
		close(results)
	}()

	for res := range results {
		if res.err != nil {
			report.Failed++
			logger.Warnf("cannot reconcile %s: %v", res.address, res.err)
			continue
		}

		if res.closed {
			report.Closed++
		}
		report.Fetched++

		_ = store.Update(func(tx analysis.Tx) error {
			if e, ok := tx.Lookup(res.address); ok {
				e.MarkFetched(res.snapshot, res.ordinal)
			}
			return nil
		})
	}

	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	return report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, d analysis.DirtyEntity) result {
	res := result{address: d.Address, ordinal: d.KnownOrdinal}

	err := backoff.RetryNotify(
		func() (err error) {
			res.snapshot, err = r.project(ctx, r.load, d.Address)
			if isClosed(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		r.newBackoff(ctx),
		func(err error, d time.Duration) {
			logger.Debugf("reconciliation error: %v. Will retry after %v", err, d)
		},
	)

	if isClosed(err) {
		res.closed = true
		res.snapshot, err = closedSnapshot()
	}
	if err != nil {
		res.err = err
		return res
	}

	res.snapshot.UpdatedAt = r.now().UTC()
	return res
}

func (r *Reconciler) load(ctx context.Context, address string) (*Account, error) {
	ctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()

	account, err := r.fetcher.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}

	name, raw, err := r.decoder.DecodeAccount(account.Data)
	if err != nil {
		return nil, backoff.Permanent(errors.Wrapf(err, "cannot decode account %s", address))
	}

	fields, err := payload.Decode(raw)
	if err != nil {
		return nil, backoff.Permanent(errors.Wrapf(err, "account %s", address))
	}

	return &Account{Address: address, Type: name, Raw: raw, Fields: fields}, nil
}

func (r *Reconciler) newBackoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.initialInterval),
		backoff.WithMaxElapsedTime(r.maxElapsedTime),
	), ctx)
}
