package framework

import (
	"time"

	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/chain"
	"github.com/psyche-network/training-indexer/pkg/config"
	"github.com/psyche-network/training-indexer/pkg/database"
	"github.com/psyche-network/training-indexer/pkg/idl"
	"github.com/psyche-network/training-indexer/pkg/indexer"
	"github.com/psyche-network/training-indexer/pkg/reconcile"
	"github.com/psyche-network/training-indexer/pkg/router"
)

const quarantineDropInterval = 30 * time.Minute

// dependencies are shared by the indexers of every program.
type dependencies struct {
	rpc *chain.SolanaClient
	db  *database.DB
}

func newDependencies(cfg *config.Config) (*dependencies, error) {
	deps := &dependencies{
		rpc: chain.NewSolanaClient(cfg.RPC.URL, cfg.RPC.Commitment),
	}

	if cfg.Storage.Backend == "db" {
		db, err := database.New(&cfg.DB)
		if err != nil {
			return nil, errors.Wrap(err, "cannot connect to the DB")
		}
		deps.db = db
	}

	return deps, nil
}

func newIndexer(cfg *config.Config, program config.Program, deps *dependencies) (*indexer.Indexer, error) {
	programIDL, err := idl.Load(program.IDLFile)
	if err != nil {
		return nil, err
	}

	rt, err := router.New(program.Kind)
	if err != nil {
		return nil, err
	}
	if err := rt.Validate(programIDL.InstructionNames()); err != nil {
		return nil, err
	}

	// The reconciler retries whole projections itself, so it gets the
	// client without backoff.
	reconciler, err := reconcile.New(deps.rpc, programIDL, program.Kind, reconcile.Options{
		MaxConcurrency:        cfg.Reconcile.MaxConcurrency,
		RequestTimeout:        cfg.Timeout.RequestTimeout(),
		BackoffMaxElapsedTime: cfg.Timeout.BackoffMaxElapsedTime(),
	})
	if err != nil {
		return nil, err
	}

	snapshots, err := newSnapshotStore(cfg, program, deps)
	if err != nil {
		return nil, err
	}

	return indexer.New(cfg, program, indexer.Components{
		Client:     chain.WithBackoff(deps.rpc, cfg.Timeout.BackoffMaxElapsedTime(), cfg.Timeout.RequestTimeout()),
		Decoder:    programIDL,
		Router:     rt,
		Reconciler: reconciler,
		Snapshots:  snapshots,
	}), nil
}

func newSnapshotStore(cfg *config.Config, program config.Program, deps *dependencies) (database.SnapshotStore, error) {
	maxElapsed := cfg.Timeout.BackoffMaxElapsedTime()

	if deps.db != nil {
		return deps.db.Store(program.Address, program.Kind, maxElapsed), nil
	}

	return database.NewFileStore(cfg.Storage.Dir, program.Address, program.Kind, maxElapsed)
}
