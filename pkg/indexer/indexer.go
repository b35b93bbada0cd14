package indexer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/aggregate"
	"github.com/psyche-network/training-indexer/pkg/analysis"
	"github.com/psyche-network/training-indexer/pkg/chain"
	"github.com/psyche-network/training-indexer/pkg/checkpoint"
	"github.com/psyche-network/training-indexer/pkg/config"
	"github.com/psyche-network/training-indexer/pkg/database"
	"github.com/psyche-network/training-indexer/pkg/idl"
	"github.com/psyche-network/training-indexer/pkg/metrics"
	"github.com/psyche-network/training-indexer/pkg/reconcile"
	"github.com/psyche-network/training-indexer/pkg/router"
)

const finalSaveTimeout = 30 * time.Second

type InstructionDecoder interface {
	DecodeInstruction(data []byte, accounts []string) (*idl.DecodedInstruction, error)
}

type Reconciler interface {
	Run(ctx context.Context, store *analysis.Store) (reconcile.Report, error)
}

// Components are the collaborators of one program's indexer.
type Components struct {
	Client     chain.Client
	Decoder    InstructionDecoder
	Router     *router.Router
	Reconciler Reconciler
	Snapshots  database.SnapshotStore
}

// Indexer walks the signature history of one program and folds its
// instructions into an analysis store.
type Indexer struct {
	program string
	kind    analysis.Kind

	client     chain.Client
	decoder    InstructionDecoder
	router     *router.Router
	reconciler Reconciler
	snapshots  database.SnapshotStore
	store      *analysis.Store
	metrics    metrics.Program

	checkpoint *checkpoint.Checkpoint

	pageSize              int
	maxConcurrency        int
	checkpointEvery       int
	checkpointInterval    time.Duration
	idleMaxInterval       time.Duration
	targetBucketCount     int
	backoffMaxElapsedTime time.Duration

	// pending counts signatures recorded since the last save, unsaved also
	// covers checkpoint changes that record none.
	pending        int
	unsaved        bool
	lastCheckpoint time.Time
}

func New(cfg *config.Config, program config.Program, c Components) *Indexer {
	return &Indexer{
		program:               program.Address,
		kind:                  program.Kind,
		client:                c.Client,
		decoder:               c.Decoder,
		router:                c.Router,
		reconciler:            c.Reconciler,
		snapshots:             c.Snapshots,
		store:                 analysis.NewStore(program.Address, program.Kind),
		metrics:               metrics.ForProgram(program.Address),
		checkpoint:            &checkpoint.Checkpoint{},
		pageSize:              cfg.Indexer.SignaturesPageSize,
		maxConcurrency:        cfg.Indexer.MaxConcurrency,
		checkpointEvery:       cfg.Indexer.CheckpointEverySignatures,
		checkpointInterval:    time.Duration(cfg.Indexer.CheckpointIntervalSeconds) * time.Second,
		idleMaxInterval:       time.Duration(cfg.Timeout.IdleMaxIntervalSeconds) * time.Second,
		targetBucketCount:     cfg.Aggregation.TargetBucketCount,
		backoffMaxElapsedTime: cfg.Timeout.BackoffMaxElapsedTime(),
	}
}

// Store is the analysis of the program, safe to read through View while
// the indexer runs.
func (ix *Indexer) Store() *analysis.Store {
	return ix.store
}

func (ix *Indexer) Program() string {
	return ix.program
}

func (ix *Indexer) Run(ctx context.Context) error {
	if err := ix.restore(ctx); err != nil {
		return err
	}

	upToDateBackoff := backoff.NewExponentialBackOff(
		backoff.WithMaxInterval(ix.idleMaxInterval),
		backoff.WithMaxElapsedTime(0),
	)

	for {
		var progressed bool
		err := backoff.RetryNotify(
			func() (err error) {
				progressed, err = ix.runIteration(ctx)
				return err
			},
			backoff.WithContext(ix.newBackoff(), ctx),
			func(err error, d time.Duration) {
				logger.Errorf("indexer iteration error: %v. Will retry after %v", err, d)
			},
		)
		if ctx.Err() != nil {
			return ix.shutdown(ctx)
		}
		if err != nil {
			return errors.Wrap(err, "fatal error in indexer")
		}

		caughtUp := !progressed
		if ix.shouldCheckpoint(caughtUp) {
			if err := ix.runCheckpoint(ctx); err != nil {
				if ctx.Err() != nil {
					return ix.shutdown(ctx)
				}
				return errors.Wrap(err, "fatal error in indexer")
			}
		}

		if !caughtUp {
			upToDateBackoff.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			return ix.shutdown(ctx)
		case <-time.After(upToDateBackoff.NextBackOff()):
		}
	}
}

func (ix *Indexer) restore(ctx context.Context) error {
	state, err := ix.snapshots.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot load state")
	}

	state.Restore(ix.store)
	ix.checkpoint = state.Checkpoint
	ix.lastCheckpoint = time.Now()

	var entities int
	_ = ix.store.View(func(tx analysis.Tx) error {
		entities = tx.Len()
		return nil
	})
	ix.metrics.Entities(entities)
	ix.metrics.HistoryComplete(ix.checkpoint.IsComplete())

	logger.Infof(
		"%s program %s: restored %d entities, %d processed signatures in %d chunks",
		ix.kind, ix.program, entities, ix.checkpoint.ProcessedCount(), len(ix.checkpoint.Chunks),
	)

	return nil
}

// runIteration processes one head page and, while history is still being
// explored, one rewind page. It reports false once there was nothing left
// to do.
func (ix *Indexer) runIteration(ctx context.Context) (bool, error) {
	processed, err := ix.processPage(ctx, ix.checkpoint.HeadRequest(ix.pageSize))
	if err != nil {
		return false, err
	}

	req, ok := ix.checkpoint.RewindRequest(ix.pageSize)
	if !ok {
		return processed > 0, nil
	}

	if _, err := ix.processPage(ctx, req); err != nil {
		return false, err
	}

	return true, nil
}

// processPage fetches one signature page and routes its transactions. The
// checkpoint is only advanced once every transaction of the page was
// routed, so a failure leaves it untouched and the page is fetched again.
func (ix *Indexer) processPage(ctx context.Context, req checkpoint.Request) (int, error) {
	page, err := ix.client.GetSignatures(ctx, ix.program, req.Before, req.Until, req.Limit)
	if errors.Is(err, chain.ErrHistoryUnavailable) && req.Kind == checkpoint.Rewind {
		ix.checkpoint.MarkExhausted(req)
		ix.unsaved = true
		ix.metrics.HistoryComplete(ix.checkpoint.IsComplete())
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	next := ix.checkpoint.Clone()
	before := next.ProcessedCount()

	txs, err := next.Apply(req, page)
	if err != nil {
		return 0, errors.Wrapf(err, "%s page before %q until %q", req.Kind, req.Before, req.Until)
	}

	results, err := ix.fetchTransactions(ctx, txs)
	if err != nil {
		return 0, err
	}

	for i := range results {
		ix.routeTransaction(txs[i], results[i])
	}

	recorded := int(next.ProcessedCount() - before)
	ix.checkpoint = next
	ix.pending += recorded
	if recorded > 0 || req.Kind == checkpoint.Rewind {
		ix.unsaved = true
	}

	ix.metrics.SignaturesProcessed(req.Kind.String(), recorded)
	ix.metrics.HistoryComplete(ix.checkpoint.IsComplete())

	if len(txs) > 0 {
		logger.Debugf(
			"%s: %s page of %d signatures, %d transactions routed, slots %d to %d",
			ix.program, req.Kind, recorded, len(txs), txs[0].Slot, txs[len(txs)-1].Slot,
		)
	}

	return recorded, nil
}

func (ix *Indexer) shouldCheckpoint(caughtUp bool) bool {
	if !ix.unsaved {
		return false
	}
	if caughtUp || ix.pending >= ix.checkpointEvery {
		return true
	}

	return time.Since(ix.lastCheckpoint) >= ix.checkpointInterval
}

// runCheckpoint reconciles, aggregates and persists, in that order.
func (ix *Indexer) runCheckpoint(ctx context.Context) error {
	report, err := ix.reconciler.Run(ctx, ix.store)
	if err != nil {
		return err
	}
	ix.metrics.Reconciled(report.Fetched, report.Closed, report.Failed)
	if report.Dirty > 0 {
		logger.Infof(
			"%s: reconciled %d of %d entities (%d closed, %d failed)",
			ix.program, report.Fetched, report.Dirty, report.Closed, report.Failed,
		)
	}

	res := aggregate.Run(ix.store, ix.targetBucketCount)
	ix.metrics.Entities(res.Entities)
	ix.metrics.Samples(res.After)
	logger.Debugf("%s: aggregated %d stats, %d samples kept of %d", ix.program, res.Stats, res.After, res.Before)

	if err := ix.save(ctx); err != nil {
		return err
	}

	logger.Infof(
		"%s: checkpoint saved, %d signatures processed, history complete: %t",
		ix.program, ix.checkpoint.ProcessedCount(), ix.checkpoint.IsComplete(),
	)

	return nil
}

func (ix *Indexer) save(ctx context.Context) error {
	if err := ix.snapshots.Save(ctx, database.Capture(ix.checkpoint, ix.store)); err != nil {
		return errors.Wrap(err, "cannot persist state")
	}

	ix.pending = 0
	ix.unsaved = false
	ix.lastCheckpoint = time.Now()
	ix.metrics.CheckpointSaved()

	return nil
}

// shutdown persists what was routed since the last checkpoint. The
// checkpoint only covers fully routed pages, so saving here is safe.
func (ix *Indexer) shutdown(ctx context.Context) error {
	if !ix.unsaved {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSaveTimeout)
	defer cancel()

	aggregate.Run(ix.store, ix.targetBucketCount)
	if err := ix.save(ctx); err != nil {
		return err
	}

	logger.Infof("%s: state saved on shutdown", ix.program)
	return nil
}

func (ix *Indexer) newBackoff() backoff.BackOff {
	return backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(ix.backoffMaxElapsedTime))
}
